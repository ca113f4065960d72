// Copyright 2025 The Wireline Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wireline

import (
	"context"
	"sync"
)

// NewMemoryTransportPair returns two connected Transport values, a and
// b, that deliver envelopes sent on one directly to the other's
// OnMessage callback over buffered channels. Neither side is
// connected until Connect is called on it. Used by engine and router
// tests that need a deterministic transport with no network or time
// dependency.
func NewMemoryTransportPair() (a, b Transport) {
	ab := make(chan Envelope, 64)
	ba := make(chan Envelope, 64)
	t1 := &memoryTransport{send: ab, recv: ba}
	t2 := &memoryTransport{send: ba, recv: ab}
	return t1, t2
}

type memoryTransport struct {
	mu        sync.Mutex
	send      chan Envelope
	recv      chan Envelope
	connected bool
	onMessage func(Envelope)
	onOpen    func()
	onClose   func()
	stop      chan struct{}
}

func (t *memoryTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	t.stop = make(chan struct{})
	stop := t.stop
	onOpen := t.onOpen
	t.mu.Unlock()

	go t.readLoop(stop)
	if onOpen != nil {
		onOpen()
	}
	return nil
}

func (t *memoryTransport) readLoop(stop chan struct{}) {
	for {
		select {
		case env := <-t.recv:
			t.mu.Lock()
			cb := t.onMessage
			t.mu.Unlock()
			if cb != nil {
				cb(env)
			}
		case <-stop:
			return
		}
	}
}

func (t *memoryTransport) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	close(t.stop)
	onClose := t.onClose
	t.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

func (t *memoryTransport) Send(ctx context.Context, env Envelope) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return ErrClosed
	}
	select {
	case t.send <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *memoryTransport) OnMessage(cb func(Envelope)) {
	t.mu.Lock()
	t.onMessage = cb
	t.mu.Unlock()
}

func (t *memoryTransport) OnOpen(cb func()) {
	t.mu.Lock()
	t.onOpen = cb
	t.mu.Unlock()
}

func (t *memoryTransport) OnClose(cb func()) {
	t.mu.Lock()
	t.onClose = cb
	t.mu.Unlock()
}

func (t *memoryTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *memoryTransport) Kind() Kind { return KindMemory }
