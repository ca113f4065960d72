// Copyright 2025 The Wireline Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wireline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// DuplexSocketClient is a Transport backed by a full-duplex framed
// socket. Connect dials and blocks until the handshake completes;
// inbound frames are read on a dedicated goroutine.
type DuplexSocketClient struct {
	// URL is the socket server URL, e.g. "ws://host/path". If the
	// connection carries a secret (a reconnect), it is appended as
	// the connsecret query parameter before dialing.
	URL string

	// Dialer is the websocket dialer to use. A zero value uses
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Header carries additional HTTP headers sent during the
	// handshake, e.g. an Authorization bearer token from pollauth.go.
	Header http.Header

	// Secret, if non-empty, is sent as the connsecret query parameter
	// so the server can rebind this transport to an existing
	// Connection instead of minting a new one.
	Secret Secret

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	onMessage func(Envelope)
	onOpen    func()
	onClose   func()
	closeOnce sync.Once
}

func (t *DuplexSocketClient) Connect(ctx context.Context) error {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	dialURL := t.URL
	if t.Secret != "" {
		u, err := url.Parse(t.URL)
		if err != nil {
			return fmt.Errorf("wireline: parsing duplex socket URL: %w", err)
		}
		q := u.Query()
		q.Set("connsecret", t.Secret.String())
		u.RawQuery = q.Encode()
		dialURL = u.String()
	}

	conn, resp, err := dialer.DialContext(ctx, dialURL, t.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("wireline: duplex socket dial failed: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("wireline: duplex socket dial failed: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	onOpen := t.onOpen
	t.mu.Unlock()

	go t.readLoop(conn)
	if onOpen != nil {
		onOpen()
	}
	return nil
}

func (t *DuplexSocketClient) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.handleClose()
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		t.mu.Lock()
		cb := t.onMessage
		t.mu.Unlock()
		if cb != nil {
			cb(env)
		}
	}
}

func (t *DuplexSocketClient) handleClose() {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	onClose := t.onClose
	t.mu.Unlock()
	if onClose != nil {
		onClose()
	}
}

func (t *DuplexSocketClient) Disconnect() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
		t.handleClose()
	})
	return err
}

func (t *DuplexSocketClient) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wireline: encoding envelope: %w", err)
	}
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()
	if !connected || conn == nil {
		return ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *DuplexSocketClient) OnMessage(cb func(Envelope)) {
	t.mu.Lock()
	t.onMessage = cb
	t.mu.Unlock()
}

func (t *DuplexSocketClient) OnOpen(cb func()) {
	t.mu.Lock()
	t.onOpen = cb
	t.mu.Unlock()
}

func (t *DuplexSocketClient) OnClose(cb func()) {
	t.mu.Lock()
	t.onClose = cb
	t.mu.Unlock()
}

func (t *DuplexSocketClient) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *DuplexSocketClient) Kind() Kind { return KindDuplexSocket }

// DuplexSocketServer upgrades incoming HTTP requests to sockets and
// hands each accepted connection to Accept, which is typically
// Router.AddSocket.
type DuplexSocketServer struct {
	upgrader websocket.Upgrader

	// Accept is called with a Transport wrapping each newly upgraded
	// connection and the connsecret query parameter, if present.
	Accept func(t Transport, reconnectSecret Secret)
}

// NewDuplexSocketServer returns a server ready to upgrade requests.
// checkOrigin, if nil, allows all origins; production deployments
// should supply a real check.
func NewDuplexSocketServer(checkOrigin func(r *http.Request) bool) *DuplexSocketServer {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &DuplexSocketServer{
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

func (s *DuplexSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, fmt.Sprintf("wireline: socket upgrade failed: %v", err), http.StatusBadRequest)
		return
	}
	secret := Secret(r.URL.Query().Get("connsecret"))
	t := &duplexServerConn{conn: conn, connected: true}
	go t.readLoop()
	if s.Accept != nil {
		s.Accept(t, secret)
	}
}

// duplexServerConn is the server-side half of a duplex socket
// connection: it is already open when constructed (the HTTP upgrade
// already completed the handshake), so Connect only fires the OnOpen
// callback.
type duplexServerConn struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	onMessage func(Envelope)
	onOpen    func()
	onClose   func()
	closeOnce sync.Once
}

func (t *duplexServerConn) Connect(ctx context.Context) error {
	t.mu.Lock()
	onOpen := t.onOpen
	t.mu.Unlock()
	if onOpen != nil {
		onOpen()
	}
	return nil
}

func (t *duplexServerConn) readLoop() {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			t.handleClose()
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		t.mu.Lock()
		cb := t.onMessage
		t.mu.Unlock()
		if cb != nil {
			cb(env)
		}
	}
}

func (t *duplexServerConn) handleClose() {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	onClose := t.onClose
	t.mu.Unlock()
	if onClose != nil {
		onClose()
	}
}

func (t *duplexServerConn) Disconnect() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
		t.handleClose()
	})
	return err
}

func (t *duplexServerConn) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wireline: encoding envelope: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *duplexServerConn) OnMessage(cb func(Envelope)) {
	t.mu.Lock()
	t.onMessage = cb
	t.mu.Unlock()
}

func (t *duplexServerConn) OnOpen(cb func()) {
	t.mu.Lock()
	t.onOpen = cb
	t.mu.Unlock()
}

func (t *duplexServerConn) OnClose(cb func()) {
	t.mu.Lock()
	t.onClose = cb
	t.mu.Unlock()
}

func (t *duplexServerConn) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *duplexServerConn) Kind() Kind { return KindDuplexSocket }
