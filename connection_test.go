// Copyright 2025 The Wireline Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wireline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/duplexline/wireline/wireconfig"
)

// recordingTransport is a one-sided test Transport: Send appends to
// an in-memory log instead of delivering anywhere, so tests can
// assert on exactly what the engine attempted to send and control
// connectedness and closure independently of a peer.
type recordingTransport struct {
	mu        sync.Mutex
	sent      []Envelope
	connected bool
	onMessage func(Envelope)
	onOpen    func()
	onClose   func()
}

func (t *recordingTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connected = true
	cb := t.onOpen
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (t *recordingTransport) Disconnect() error {
	t.mu.Lock()
	t.connected = false
	cb := t.onClose
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (t *recordingTransport) Send(ctx context.Context, env Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrClosed
	}
	t.sent = append(t.sent, env)
	return nil
}

func (t *recordingTransport) OnMessage(cb func(Envelope)) {
	t.mu.Lock()
	t.onMessage = cb
	t.mu.Unlock()
}
func (t *recordingTransport) OnOpen(cb func()) {
	t.mu.Lock()
	t.onOpen = cb
	t.mu.Unlock()
}
func (t *recordingTransport) OnClose(cb func()) {
	t.mu.Lock()
	t.onClose = cb
	t.mu.Unlock()
}
func (t *recordingTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
func (t *recordingTransport) Kind() Kind { return KindMemory }

// simulateFailure fires onClose without going through Disconnect, as
// a real transport does on an unexpected drop.
func (t *recordingTransport) simulateFailure() {
	t.mu.Lock()
	t.connected = false
	cb := t.onClose
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (t *recordingTransport) snapshot() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Envelope, len(t.sent))
	copy(out, t.sent)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met within timeout")
	}
}

func TestPingRoundTrip(t *testing.T) {
	a, b := NewMemoryTransportPair()
	client := NewConnection(true, wireconfig.Default(), Hooks{})
	server := NewConnection(false, wireconfig.Default(), Hooks{})
	defer client.Close()
	defer server.Close()

	if err := server.SetStrategy(b); err != nil {
		t.Fatal(err)
	}
	if err := client.SetStrategy(a); err != nil {
		t.Fatal(err)
	}

	result := make(chan RouteResponse, 1)
	client.Post(&PingBody{}, func(r RouteResponse) { result <- r })

	select {
	case r := <-result:
		if r.Error != "" || r.Data != "pong" {
			t.Errorf("got %+v, want {Data: pong}", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pong")
	}
}

func TestSetHeaderRoundTrip(t *testing.T) {
	a, b := NewMemoryTransportPair()

	var gotKey string
	var gotValue Payload
	dataSet := make(chan struct{}, 1)

	client := NewConnection(true, wireconfig.Default(), Hooks{})
	server := NewConnection(false, wireconfig.Default(), Hooks{
		OnDataSet: func(key string, value Payload) {
			if key == "secret" {
				return // the client's own handshake set, sent on open
			}
			gotKey, gotValue = key, value
			dataSet <- struct{}{}
		},
	})
	defer client.Close()
	defer server.Close()

	server.SetStrategy(b)
	client.SetStrategy(a)

	result := make(chan RouteResponse, 1)
	client.Post(&SetBody{Key: "room", Value: "lobby"}, func(r RouteResponse) { result <- r })

	select {
	case <-dataSet:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnDataSet")
	}
	if gotKey != "room" || gotValue != "lobby" {
		t.Errorf("OnDataSet fired with (%q, %v), want (\"room\", \"lobby\")", gotKey, gotValue)
	}

	select {
	case r := <-result:
		if r.Error != "" {
			t.Fatalf("unexpected error: %s", r.Error)
		}
		pair, ok := r.Data.([]any)
		if !ok || len(pair) != 2 || pair[0] != "room" || pair[1] != "lobby" {
			t.Errorf("Data = %#v, want [room lobby]", r.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for res")
	}
}

func TestDuplicateDeliveryInvokesHandlerOnce(t *testing.T) {
	invocations := 0
	unblock := make(chan struct{})
	server := NewConnection(false, wireconfig.Default(), Hooks{
		OnRouteMessage: func(body *RouteBody) (Payload, string, bool) {
			invocations++
			<-unblock
			return "done", "", false
		},
	})
	defer server.Close()

	sink := &recordingTransport{}
	server.SetStrategy(sink)

	env := Envelope{ID: 42, Body: &RouteBody{Route: "/x", Verb: VerbPost}}

	go server.handleInbound(env)
	waitFor(t, time.Second, func() bool { return invocations == 1 })

	server.handleInbound(env)

	close(unblock)
	waitFor(t, time.Second, func() bool { return len(sink.snapshot()) >= 2 })

	sent := sink.snapshot()
	var saw202 bool
	for _, e := range sent {
		if res, ok := e.Body.(*ResBody); ok && res.Target == 42 && res.Status == 202 {
			saw202 = true
		}
	}
	if !saw202 {
		t.Errorf("expected a 202 response among %v", sent)
	}
	if invocations != 1 {
		t.Errorf("handler invoked %d times, want 1", invocations)
	}
}

func TestVerbMismatchIsHandledByCaller(t *testing.T) {
	server := NewConnection(false, wireconfig.Default(), Hooks{
		OnRouteMessage: func(body *RouteBody) (Payload, string, bool) {
			return nil, "Route \"/a\" does not support verb \"POST\"", true
		},
	})
	defer server.Close()
	sink := &recordingTransport{}
	server.SetStrategy(sink)

	server.handleInbound(Envelope{ID: 1, Body: &RouteBody{Route: "/a", Verb: VerbPost}})
	waitFor(t, time.Second, func() bool { return len(sink.snapshot()) >= 1 })

	res := sink.snapshot()[0].Body.(*ResBody)
	if res.Status != 400 || res.Data != `Route "/a" does not support verb "POST"` {
		t.Errorf("got %+v", res)
	}
}

func TestRetryResendsUnackedEnvelope(t *testing.T) {
	cfg := wireconfig.Default()
	cfg.RetryTick = 5 * time.Millisecond
	cfg.RetryDeadline = 20 * time.Millisecond

	client := NewConnection(true, cfg, Hooks{})
	defer client.Close()
	sink := &recordingTransport{}
	client.SetStrategy(sink)

	id, err := client.Post(&RouteBody{Route: "/x", Verb: VerbPost}, nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		count := 0
		for _, e := range sink.snapshot() {
			if e.ID == id {
				count++
			}
		}
		return count >= 2
	})

	client.mu.Lock()
	entry := client.messagesToAck[id]
	client.mu.Unlock()
	if entry == nil {
		t.Fatalf("expected a messagesToAck entry for id %d", id)
	}
	if entry.SentAmount < 2 {
		t.Errorf("SentAmount = %d, want >= 2", entry.SentAmount)
	}
}

func TestReconnectQueueFlushesFIFO(t *testing.T) {
	client := NewConnection(true, wireconfig.Default(), Hooks{})
	defer client.Close()

	// No transport installed yet: every send is buffered.
	client.Post(&RouteBody{Route: "/a", Verb: VerbPost}, nil)
	client.Post(&RouteBody{Route: "/b", Verb: VerbPost}, nil)
	client.Post(&RouteBody{Route: "/c", Verb: VerbPost}, nil)

	sink := &recordingTransport{}
	if err := client.SetStrategy(sink); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool { return len(sink.snapshot()) >= 4 }) // 3 route posts + secret handshake

	var routes []string
	for _, e := range sink.snapshot() {
		if rb, ok := e.Body.(*RouteBody); ok {
			routes = append(routes, rb.Route)
		}
	}
	want := []string{"/a", "/b", "/c"}
	if len(routes) != len(want) {
		t.Fatalf("routes = %v, want %v", routes, want)
	}
	for i := range want {
		if routes[i] != want[i] {
			t.Errorf("routes[%d] = %q, want %q", i, routes[i], want[i])
		}
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	for _, route := range want {
		count := 0
		for _, e := range client.messagesToAck {
			if rb, ok := e.Envelope.Body.(*RouteBody); ok && rb.Route == route {
				count++
			}
		}
		if count != 1 {
			t.Errorf("route %q has %d messagesToAck entries, want 1", route, count)
		}
	}
}

func TestServerCloseGraceFiresAfterWindow(t *testing.T) {
	cfg := wireconfig.Default()
	cfg.ServerCloseGrace = 30 * time.Millisecond

	closed := make(chan struct{}, 1)
	server := NewConnection(false, cfg, Hooks{
		OnClose: func() { closed <- struct{}{} },
	})
	defer server.Close()
	sink := &recordingTransport{}
	server.SetStrategy(sink)

	sink.simulateFailure()

	select {
	case <-closed:
		t.Fatal("onClose fired before the grace window elapsed")
	case <-time.After(10 * time.Millisecond):
	}

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("onClose did not fire after the grace window")
	}
}

func TestServerCloseGraceCancelledByReopen(t *testing.T) {
	cfg := wireconfig.Default()
	cfg.ServerCloseGrace = 30 * time.Millisecond

	closed := make(chan struct{}, 1)
	server := NewConnection(false, cfg, Hooks{
		OnClose: func() { closed <- struct{}{} },
	})
	defer server.Close()
	sink := &recordingTransport{}
	server.SetStrategy(sink)

	sink.simulateFailure()
	time.Sleep(10 * time.Millisecond)
	server.SetStrategy(&recordingTransport{}) // reconnect within the grace window

	select {
	case <-closed:
		t.Fatal("onClose fired despite reconnecting within the grace window")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientCloseFiresOnCloseImmediately(t *testing.T) {
	closed := make(chan struct{}, 1)
	client := NewConnection(true, wireconfig.Default(), Hooks{
		OnClose: func() { closed <- struct{}{} },
	})
	defer client.Close()
	sink := &recordingTransport{}
	client.SetStrategy(sink)

	sink.simulateFailure()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("client onClose did not fire immediately")
	}
}

func TestSelfAckAbusePanics(t *testing.T) {
	client := NewConnection(true, wireconfig.Default(), Hooks{})
	defer client.Close()
	sink := &recordingTransport{}
	client.SetStrategy(sink)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic sending a res envelope with a non-forget id")
		}
	}()
	client.sendEnvelope(Envelope{ID: 7, Body: &ResBody{Target: 1, Status: 200}})
}
