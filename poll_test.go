// Copyright 2025 The Wireline Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wireline

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPollServerAcceptsNewSessionOnce(t *testing.T) {
	srv := NewPollServer()
	var accepted []Secret
	srv.Accept = func(t Transport, reconnectSecret Secret) { accepted = append(accepted, reconnectSecret) }

	httpServer := httptest.NewServer(srv)
	defer httpServer.Close()

	client := &PollClient{URL: httpServer.URL}
	client.mu.Lock()
	client.connected = true
	client.mu.Unlock()

	if err := client.pollOnce(context.Background()); err != nil {
		t.Fatalf("first pollOnce: %v", err)
	}
	if err := client.pollOnce(context.Background()); err != nil {
		t.Fatalf("second pollOnce: %v", err)
	}
	if len(accepted) != 1 {
		t.Errorf("Accept called %d times, want exactly 1 (same session id across polls)", len(accepted))
	}
}

func TestPollRoundTrip(t *testing.T) {
	srv := NewPollServer()
	var serverSide Transport
	accepted := make(chan struct{}, 1)
	srv.Accept = func(t Transport, reconnectSecret Secret) {
		serverSide = t
		accepted <- struct{}{}
	}
	httpServer := httptest.NewServer(srv)
	defer httpServer.Close()

	client := &PollClient{URL: httpServer.URL}
	client.mu.Lock()
	client.connected = true
	client.mu.Unlock()

	// The first GET mints the session and triggers Accept.
	if err := client.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	<-accepted

	var serverGot Envelope
	serverReceived := make(chan struct{}, 1)
	serverSide.OnMessage(func(env Envelope) {
		serverGot = env
		serverReceived <- struct{}{}
	})

	if err := client.Send(context.Background(), Envelope{ID: 9, Body: &PingBody{}}); err != nil {
		t.Fatalf("client Send: %v", err)
	}
	select {
	case <-serverReceived:
		if _, ok := serverGot.Body.(*PingBody); !ok || serverGot.ID != 9 {
			t.Errorf("server received %+v, want a ping with id 9", serverGot)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive POST")
	}

	if err := serverSide.Send(context.Background(), Envelope{ID: ForgetID, Body: &ResBody{Target: 9, Status: 200, Data: "pong"}}); err != nil {
		t.Fatalf("server Send: %v", err)
	}

	var clientGot Envelope
	client.OnMessage(func(env Envelope) { clientGot = env })
	if err := client.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	res, ok := clientGot.Body.(*ResBody)
	if !ok || res.Data != "pong" {
		t.Errorf("client received %+v via poll, want a pong response", clientGot)
	}
}

func TestPollServeGetNoContentWhenEmpty(t *testing.T) {
	srv := NewPollServer()
	httpServer := httptest.NewServer(srv)
	defer httpServer.Close()

	client := &PollClient{URL: httpServer.URL}
	client.mu.Lock()
	client.connected = true
	client.mu.Unlock()

	if err := client.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce on an empty inbox should not error: %v", err)
	}
}
