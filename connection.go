// Copyright 2025 The Wireline Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wireline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/duplexline/wireline/wireconfig"
)

// RouteResponse is the public result of a Post or SendToRoute call,
// handed to the registered callback once, on the first terminal
// response. When SendToRoute exceeds the rate limit it also hands the
// callback a rate-limit RouteResponse on entry, so that callback is
// invoked twice.
type RouteResponse struct {
	Data  Payload
	Error string
}

// Hooks are the event callbacks a Connection fires as it processes
// inbound traffic. A Router wires these by value onto each
// Connection it constructs, rather than the Connection holding a
// back-pointer to the Router — this keeps a Connection reusable by
// any owner, not just a Router, and avoids a reference cycle between
// the two.
type Hooks struct {
	// OnOpen fires once the transport becomes ready to send.
	OnOpen func()

	// OnDataSet fires after a set body is applied to header.
	OnDataSet func(key string, value Payload)

	// OnRouteMessage handles an inbound route body. It returns the
	// response payload and, if hasErr, an application error message.
	// A nil OnRouteMessage causes every route body to fail with a 500.
	OnRouteMessage func(body *RouteBody) (data Payload, errMsg string, hasErr bool)

	// OnSubscribeToRoute / OnUnsubscribeFromRoute fire for on/off
	// bodies.
	OnSubscribeToRoute   func(route string)
	OnUnsubscribeFromRoute func(route string)

	// OnClose fires when the connection's logical life ends: for a
	// client, immediately on transport close; for a server, after the
	// close-grace window elapses with no reconnect.
	OnClose func()

	// OnClientConnect fires, server-side only, the first time a
	// transport opens on this Connection (a new client arriving,
	// as opposed to a reconnect).
	OnClientConnect func()
}

// sentEntry is an outstanding unacknowledged outbound envelope: the
// retry timer resends it once it has sat past the retry deadline.
type sentEntry struct {
	Envelope   Envelope
	SentAt     time.Time
	SentAmount int
}

// receivedPair is an inbound dedup record: the original envelope and
// the tracked outcome of handling it, kept so a duplicate delivery can
// be served without re-invoking the handler.
type receivedPair struct {
	Envelope Envelope
	Outcome  *Tracked[ResBody]
}

// Connection is the per-endpoint protocol engine: id allocation,
// outbound retry bookkeeping, inbound dedup, transport strategy, and
// the event hooks a Router (or any other owner) wires into it.
type Connection struct {
	mu sync.Mutex

	cfg      wireconfig.Config
	clk      clock
	isClient bool
	logger   *slog.Logger

	nextMsgID MID
	transport Transport
	closed    bool

	header map[string]Payload

	messagesToAck    map[MID]*sentEntry
	receivedMessages map[MID]*receivedPair
	callbacks        map[MID]func(RouteResponse)
	reconnectQueue   []Envelope

	limiter *rate.Limiter

	hooks Hooks

	pongReceived  bool
	closeGraceGen int
	everOpened    bool

	cancelTimers context.CancelFunc
}

// NewConnection constructs a Connection in the disconnected state. A
// client Connection generates its own secret immediately, since it is
// the side responsible for minting the reconnect identity; a server
// Connection starts with an empty header and learns its secret from
// the client's handshake set body.
func NewConnection(isClient bool, cfg wireconfig.Config, hooks Hooks) *Connection {
	c := &Connection{
		cfg:              cfg,
		clk:              realClock{},
		isClient:         isClient,
		logger:           cfg.Logger("wireline.connection"),
		header:           make(map[string]Payload),
		messagesToAck:    make(map[MID]*sentEntry),
		receivedMessages: make(map[MID]*receivedPair),
		callbacks:        make(map[MID]func(RouteResponse)),
		hooks:            hooks,
		limiter:          rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst),
	}
	if isClient {
		c.header["secret"] = string(NewSecret())
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelTimers = cancel
	go c.retryLoop(ctx)
	go c.pingLoop(ctx)
	return c
}

// setHooks installs h as the connection's event hooks. It exists so a
// Connection's owner (the Router) can construct the Connection first
// and wire hooks that close over it afterward, without the Connection
// ever holding a back-pointer to its owner.
func (c *Connection) setHooks(h Hooks) {
	c.mu.Lock()
	c.hooks = h
	c.mu.Unlock()
}

// GetSecret returns the connection's current secret, or "" if none
// has been set yet (server side, before the client's handshake).
func (c *Connection) GetSecret() Secret {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, _ := c.header["secret"].(string)
	return Secret(s)
}

// GetStrategyType classifies the currently installed transport, or ""
// if none is installed.
func (c *Connection) GetStrategyType() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return ""
	}
	return c.transport.Kind()
}

// Connect opens the currently installed transport. Use SetStrategy to
// install a transport for the first time or to swap it.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	transport := c.transport
	if transport != nil {
		c.closed = false
		if c.cancelTimers == nil {
			timerCtx, cancel := context.WithCancel(context.Background())
			c.cancelTimers = cancel
			go c.retryLoop(timerCtx)
			go c.pingLoop(timerCtx)
		}
	}
	c.mu.Unlock()
	if transport == nil {
		return fmt.Errorf("wireline: Connect called with no transport installed")
	}
	return transport.Connect(ctx)
}

// Close cancels the connection's background timers and disconnects
// the transport. After Close, no further outbound envelopes are
// produced until Connect or SetStrategy is called again.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.closeGraceGen++
	if c.cancelTimers != nil {
		c.cancelTimers()
		c.cancelTimers = nil
	}
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return nil
	}
	return transport.Disconnect()
}

// SetStrategy closes the current transport (if any), installs t,
// reconnects, and flushes the reconnect queue in FIFO order through
// the normal send path.
func (c *Connection) SetStrategy(t Transport) error {
	c.mu.Lock()
	old := c.transport
	c.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}

	t.OnMessage(c.handleInbound)
	t.OnOpen(c.handleTransportOpen)
	t.OnClose(c.handleTransportClose)

	c.mu.Lock()
	c.transport = t
	c.closed = false
	if c.cancelTimers == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancelTimers = cancel
		go c.retryLoop(ctx)
		go c.pingLoop(ctx)
	}
	c.mu.Unlock()

	if err := t.Connect(context.Background()); err != nil {
		return err
	}
	return nil
}

// Post allocates a fresh id, sends (or enqueues) body, and registers
// cb to be invoked once on the first terminal response. A nil cb
// means the caller doesn't care about the outcome.
func (c *Connection) Post(body Body, cb func(RouteResponse)) (MID, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	id := c.nextMsgID
	c.nextMsgID++
	if cb != nil {
		c.callbacks[id] = cb
	}
	c.mu.Unlock()

	c.sendEnvelope(Envelope{ID: id, Body: body})
	return id, nil
}

// SendToRoute is Post specialized for a route body, subject to the
// per-connection rate limit. The limit is advisory: a 429 is
// delivered to cb synchronously on entry when exceeded, but the send
// proceeds regardless.
func (c *Connection) SendToRoute(route string, verb Verb, data Payload, headers map[string]string, cb func(RouteResponse)) (MID, error) {
	c.mu.Lock()
	closed := c.closed
	allowed := c.limiter.Allow()
	c.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if !allowed && cb != nil {
		cb(RouteResponse{Error: fmt.Errorf("%w: %.0f messages/s", ErrRateLimited, c.cfg.RateLimitPerSecond).Error()})
	}
	body := &RouteBody{Route: route, Verb: verb, Data: data, Headers: headers}
	return c.Post(body, cb)
}

// SendToRouteAndForget sends a route body with id = ForgetID: dropped
// if the transport is currently disconnected, never retried, never
// dedup-tracked.
func (c *Connection) SendToRouteAndForget(route string, verb Verb, data Payload, headers map[string]string) error {
	c.mu.Lock()
	closed := c.closed
	transport := c.transport
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if transport == nil || !transport.IsConnected() {
		return nil
	}
	body := &RouteBody{Route: route, Verb: verb, Data: data, Headers: headers}
	return transport.Send(context.Background(), Envelope{ID: ForgetID, Body: body})
}

// sendEnvelope delivers env if the transport is open, otherwise
// enqueues it for delivery once a transport reconnects. On a
// successful send of an id-bearing, non-res envelope, it upserts the
// messagesToAck bookkeeping entry: a fresh send inserts a new entry, a
// retry of an already-tracked id bumps its send count and timestamp
// in place.
func (c *Connection) sendEnvelope(env Envelope) {
	if _, isRes := env.Body.(*ResBody); isRes {
		assertf(env.ID == ForgetID, "%v", ErrSelfAckAbuse)
	}

	c.mu.Lock()
	transport := c.transport
	open := transport != nil && transport.IsConnected()
	if !open {
		c.reconnectQueue = append(c.reconnectQueue, env)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := transport.Send(context.Background(), env); err != nil {
		c.logger.Warn("send failed, re-queueing for reconnect", "id", env.ID, "err", err)
		c.mu.Lock()
		c.reconnectQueue = append(c.reconnectQueue, env)
		c.mu.Unlock()
		return
	}

	if env.ID == ForgetID {
		return
	}
	if _, isRes := env.Body.(*ResBody); isRes {
		return
	}
	c.mu.Lock()
	if e, ok := c.messagesToAck[env.ID]; ok {
		e.SentAmount++
		e.SentAt = c.clk.Now()
	} else {
		c.messagesToAck[env.ID] = &sentEntry{Envelope: env, SentAt: c.clk.Now(), SentAmount: 1}
	}
	c.mu.Unlock()
}

func (c *Connection) flushReconnectQueue() {
	c.mu.Lock()
	queue := c.reconnectQueue
	c.reconnectQueue = nil
	c.mu.Unlock()
	for _, env := range queue {
		c.sendEnvelope(env)
	}
}

func (c *Connection) handleTransportOpen() {
	c.mu.Lock()
	c.closeGraceGen++
	isClient := c.isClient
	secret, _ := c.header["secret"].(string)
	firstOpen := !c.everOpened
	c.everOpened = true
	onOpen := c.hooks.OnOpen
	onClientConnect := c.hooks.OnClientConnect
	c.mu.Unlock()

	if isClient {
		// The handshake is sent from the transport's open hook, not
		// the constructor, so a reconnect re-sends it once the new
		// transport is actually ready rather than racing a transport
		// that hasn't finished connecting yet.
		if secret != "" {
			c.Post(&SetBody{Key: "secret", Value: secret}, nil)
		}
	} else if firstOpen && onClientConnect != nil {
		onClientConnect()
	}
	if onOpen != nil {
		onOpen()
	}
	c.flushReconnectQueue()
}

func (c *Connection) handleTransportClose() {
	c.mu.Lock()
	isClient := c.isClient
	onClose := c.hooks.OnClose
	c.mu.Unlock()

	if isClient {
		if onClose != nil {
			onClose()
		}
		return
	}

	c.mu.Lock()
	c.closeGraceGen++
	gen := c.closeGraceGen
	grace := c.cfg.ServerCloseGrace
	c.mu.Unlock()

	go func() {
		time.Sleep(grace)
		c.mu.Lock()
		fire := c.closeGraceGen == gen
		c.mu.Unlock()
		if fire && onClose != nil {
			onClose()
		}
	}()
}

// retryLoop scans messagesToAck every RetryTick while the transport
// is open, resending any entry that has sat unacknowledged longer
// than RetryDeadline.
func (c *Connection) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RetryTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.retryTick()
		}
	}
}

func (c *Connection) retryTick() {
	c.mu.Lock()
	transport := c.transport
	if transport == nil || !transport.IsConnected() {
		c.mu.Unlock()
		return
	}
	now := c.clk.Now()
	var toRetry []Envelope
	var gaveUp []MID
	for id, e := range c.messagesToAck {
		if now.Sub(e.SentAt) <= c.cfg.RetryDeadline {
			continue
		}
		// SentAmount counts the first send too, so SentAmount-1 is the
		// number of retries already made.
		if c.cfg.MaxRetries > 0 && e.SentAmount > c.cfg.MaxRetries {
			gaveUp = append(gaveUp, id)
			continue
		}
		toRetry = append(toRetry, e.Envelope)
	}
	var gaveUpCbs []func(RouteResponse)
	for _, id := range gaveUp {
		delete(c.messagesToAck, id)
		if cb, ok := c.callbacks[id]; ok {
			delete(c.callbacks, id)
			gaveUpCbs = append(gaveUpCbs, cb)
		}
	}
	maxRetries := c.cfg.MaxRetries
	c.mu.Unlock()

	for _, cb := range gaveUpCbs {
		cb(RouteResponse{Error: fmt.Sprintf("gave up after %d retries", maxRetries)})
	}
	for _, env := range toRetry {
		c.sendEnvelope(env)
	}
}

// pingLoop is the liveness loop: while disconnected it backs off;
// while connected it pings once per round and closes the connection
// if no pong lands within the round.
func (c *Connection) pingLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		transport := c.transport
		connected := transport != nil && transport.IsConnected()
		c.mu.Unlock()

		if !connected {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.PingBackoff):
			}
			continue
		}

		c.mu.Lock()
		c.pongReceived = false
		c.mu.Unlock()
		c.Post(&PingBody{}, func(resp RouteResponse) {
			if resp.Error == "" {
				c.mu.Lock()
				c.pongReceived = true
				c.mu.Unlock()
			}
		})

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.PingRound):
		}

		c.mu.Lock()
		gotPong := c.pongReceived
		c.mu.Unlock()
		if !gotPong {
			c.logger.Warn("no pong within round, closing connection")
			c.Close()
			return
		}
	}
}

// handleInbound is wired as the transport's OnMessage callback. It
// dispatches every inbound envelope, including the duplicate-delivery
// dedup path: a second delivery of an id already being handled gets a
// 202 while the handler is still running, or the cached response once
// it has settled.
func (c *Connection) handleInbound(env Envelope) {
	if res, isRes := env.Body.(*ResBody); isRes {
		c.handleResponse(res)
		return
	}

	id := env.ID
	needsResponse := id != ForgetID

	if needsResponse {
		c.mu.Lock()
		pair, dup := c.receivedMessages[id]
		c.mu.Unlock()
		if dup {
			if pair.Outcome.IsPending() {
				c.sendEnvelope(Envelope{ID: ForgetID, Body: &ResBody{Target: id, Status: 202, Data: "Message is being processed"}})
				return
			}
			cached, _ := pair.Outcome.Peek()
			c.sendEnvelope(Envelope{ID: ForgetID, Body: &cached})
			return
		}
	}

	var outcome *Tracked[ResBody]
	if needsResponse {
		outcome = NewTracked[ResBody]()
		c.mu.Lock()
		c.receivedMessages[id] = &receivedPair{Envelope: env, Outcome: outcome}
		c.mu.Unlock()
	}

	resp := c.dispatchBody(env.Body)
	if !needsResponse {
		return
	}
	if resp == nil {
		resp = &ResBody{Status: 500, Data: "No response"}
	}
	resp.Target = id
	outcome.Settle(*resp)
	c.sendEnvelope(Envelope{ID: ForgetID, Body: resp})
}

// dispatchBody handles a single inbound body by kind and produces the
// response to send back. A panic raised by application code (an
// OnRouteMessage handler) is recovered and converted into the same
// generic 500 used for any other handler failure.
func (c *Connection) dispatchBody(b Body) (resp *ResBody) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("route handler panicked", "panic", r)
			resp = &ResBody{Status: 500, Data: "Error handling message"}
		}
	}()

	switch v := b.(type) {
	case *SetBody:
		c.mu.Lock()
		c.header[v.Key] = v.Value
		onDataSet := c.hooks.OnDataSet
		c.mu.Unlock()
		if onDataSet != nil {
			onDataSet(v.Key, v.Value)
		}
		return &ResBody{Status: 200, Data: []any{v.Key, v.Value}}

	case *PingBody:
		return &ResBody{Status: 200, Data: "pong"}

	case *OnBody:
		c.mu.Lock()
		onSub := c.hooks.OnSubscribeToRoute
		c.mu.Unlock()
		if onSub != nil {
			onSub(v.Route)
		}
		return &ResBody{Status: 200, Data: "OK"}

	case *OffBody:
		c.mu.Lock()
		onUnsub := c.hooks.OnUnsubscribeFromRoute
		c.mu.Unlock()
		if onUnsub != nil {
			onUnsub(v.Route)
		}
		return &ResBody{Status: 200, Data: "OK"}

	case *RouteBody:
		c.mu.Lock()
		onRoute := c.hooks.OnRouteMessage
		c.mu.Unlock()
		if onRoute == nil {
			return &ResBody{Status: 500, Data: "Error handling message"}
		}
		data, errMsg, hasErr := onRoute(v)
		if hasErr {
			return &ResBody{Status: 400, Data: errMsg}
		}
		if data == nil {
			return &ResBody{Status: 200, Data: "OK"}
		}
		return &ResBody{Status: 200, Data: data}

	case *UnknownBody:
		return &ResBody{Status: 500, Data: "Error handling message"}

	default:
		return &ResBody{Status: 500, Data: "Error handling message"}
	}
}

// handleResponse settles the pending callback for an acknowledged
// envelope. A 202 leaves the outbound bookkeeping untouched — the
// peer is still processing and may yet send a terminal response.
func (c *Connection) handleResponse(res *ResBody) {
	if res.Status == 202 {
		return
	}
	c.mu.Lock()
	cb, ok := c.callbacks[res.Target]
	delete(c.callbacks, res.Target)
	delete(c.messagesToAck, res.Target)
	c.mu.Unlock()
	if !ok || cb == nil {
		return
	}
	if res.Status == 200 {
		cb(RouteResponse{Data: res.Data})
	} else {
		cb(RouteResponse{Error: fmt.Sprint(res.Data)})
	}
}
