// Copyright 2025 The Wireline Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wireline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/duplexline/wireline/internal/routepattern"
	"github.com/duplexline/wireline/wireconfig"
)

// RequestContext is handed to an inbound route Handler: the matched
// path parameters, the request payload and headers, the originating
// Connection, and two out-params the handler fills in (Response,
// Error) to produce the reply.
type RequestContext struct {
	Params  map[string]string
	Data    Payload
	Headers map[string]string
	Sender  *Connection
	Route   string

	// Response and Error are out-parameters: a handler sets exactly
	// one of them before returning.
	Response Payload
	Error    string
}

// Handler is an inbound route handler.
type Handler func(ctx *RequestContext)

// Validator decides whether a given Connection, subscribed with the
// given params, should receive a particular broadcast. It returns a
// Tracked[bool] so a validator can be synchronous (wrap its answer
// with Settled) or asynchronous (return a pending Tracked and settle
// it later).
type Validator func(conn *Connection, params map[string]string) *Tracked[bool]

type inboundLayer struct {
	pattern *routepattern.Pattern
	verbs   map[Verb]Handler
}

type outboundListener struct {
	conn              *Connection
	paramsAtSubscribe []string
}

type outboundLayer struct {
	pattern   *routepattern.Pattern
	listeners []outboundListener
	validate  Validator
}

// Router is the connection directory and route table: it owns every
// server-side Connection, keyed by its secret, and the inbound/outbound
// route layers that give those connections meaning.
type Router struct {
	mu     sync.Mutex
	cfg    wireconfig.Config
	logger *slog.Logger

	directory    map[Secret]*Connection
	inbound      []*inboundLayer
	outbound     []*outboundLayer
	headerSchema *HeaderSchema
}

// NewRouter returns a Router with no connections and no routes
// registered.
func NewRouter(cfg wireconfig.Config) *Router {
	return &Router{
		cfg:       cfg,
		logger:    cfg.Logger("wireline.router"),
		directory: make(map[Secret]*Connection),
	}
}

// AddSocket accepts a newly arrived transport. If reconnectSecret
// names a Connection already in the directory, the transport is
// rebound to it (a reconnect); otherwise a fresh server Connection is
// constructed, its hooks wired back into this Router, and it
// registers itself in the directory the first time it receives a
// "set secret" handshake message.
func (r *Router) AddSocket(t Transport, reconnectSecret Secret) *Connection {
	if reconnectSecret != "" {
		r.mu.Lock()
		conn, ok := r.directory[reconnectSecret]
		r.mu.Unlock()
		if ok {
			conn.SetStrategy(t)
			return conn
		}
	}

	conn := NewConnection(false, r.cfg, Hooks{})
	conn.setHooks(Hooks{
		OnDataSet: func(key string, value Payload) {
			if key != "secret" {
				return
			}
			secret, _ := value.(string)
			if secret == "" {
				return
			}
			r.mu.Lock()
			if _, exists := r.directory[Secret(secret)]; !exists {
				r.directory[Secret(secret)] = conn
			}
			r.mu.Unlock()
		},
		OnRouteMessage: func(body *RouteBody) (Payload, string, bool) {
			return r.handleRouteMessage(conn, body)
		},
		OnSubscribeToRoute: func(route string) {
			r.SubscribeConnectionToRoute(route, conn.GetSecret())
		},
		OnUnsubscribeFromRoute: func(route string) {
			r.UnsubscribeConnectionFromRoute(route, conn.GetSecret())
		},
		OnClose: func() {
			r.removeConnection(conn)
		},
	})
	conn.SetStrategy(t)
	return conn
}

// OnGet registers h as the GET handler for routePattern. Inbound
// layers are matched in insertion order with no specificity
// reordering: register more specific patterns first if overlap
// matters to the caller.
func (r *Router) OnGet(routePattern string, h Handler) error { return r.onVerb(routePattern, VerbGet, h) }

// OnPost registers h as the POST handler for routePattern.
func (r *Router) OnPost(routePattern string, h Handler) error {
	return r.onVerb(routePattern, VerbPost, h)
}

// OnDelete registers h as the DELETE handler for routePattern.
func (r *Router) OnDelete(routePattern string, h Handler) error {
	return r.onVerb(routePattern, VerbDelete, h)
}

func (r *Router) onVerb(routePattern string, verb Verb, h Handler) error {
	compiled, err := routepattern.Compile(routePattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, layer := range r.inbound {
		if layer.pattern.String() == routePattern {
			layer.verbs[verb] = h
			return nil
		}
	}
	r.inbound = append(r.inbound, &inboundLayer{pattern: compiled, verbs: map[Verb]Handler{verb: h}})
	return nil
}

// OnValidateBroadcast declares routePattern as broadcastable and
// installs validator as its per-recipient gate.
func (r *Router) OnValidateBroadcast(routePattern string, validator Validator) error {
	compiled, err := routepattern.Compile(routePattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, layer := range r.outbound {
		if layer.pattern.String() == routePattern {
			layer.validate = validator
			return nil
		}
	}
	r.outbound = append(r.outbound, &outboundLayer{pattern: compiled, validate: validator})
	return nil
}

// SubscribeConnectionToRoute registers the Connection identified by
// secret as a listener on every outbound layer whose pattern matches
// path, keyed by the positional parameter vector captured from path —
// parameter names are not used for matching, only position.
func (r *Router) SubscribeConnectionToRoute(path string, secret Secret) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.directory[secret]
	if !ok {
		return
	}
	for _, layer := range r.outbound {
		params, ok := layer.pattern.PositionalParams(path)
		if !ok {
			continue
		}
		already := false
		for _, l := range layer.listeners {
			if l.conn == conn && equalParamVectors(l.paramsAtSubscribe, params) {
				already = true
				break
			}
		}
		if !already {
			layer.listeners = append(layer.listeners, outboundListener{conn: conn, paramsAtSubscribe: params})
		}
	}
}

// UnsubscribeConnectionFromRoute removes the Connection identified by
// secret from every outbound layer's listener list where it was
// subscribed under path's positional parameter vector.
func (r *Router) UnsubscribeConnectionFromRoute(path string, secret Secret) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.directory[secret]
	if !ok {
		return
	}
	for _, layer := range r.outbound {
		params, ok := layer.pattern.PositionalParams(path)
		if !ok {
			continue
		}
		filtered := layer.listeners[:0:0]
		for _, l := range layer.listeners {
			if l.conn == conn && equalParamVectors(l.paramsAtSubscribe, params) {
				continue
			}
			filtered = append(filtered, l)
		}
		layer.listeners = filtered
	}
}

// BroadcastPost dispatches a POST-verb broadcast to every subscriber
// whose subscribed path matches path, excluding exceptConn if
// non-nil.
func (r *Router) BroadcastPost(path string, payload Payload, exceptConn *Connection) {
	r.broadcast(VerbPost, path, payload, exceptConn)
}

// BroadcastDeletion dispatches a DELETE-verb broadcast.
func (r *Router) BroadcastDeletion(path string, payload Payload, exceptConn *Connection) {
	r.broadcast(VerbDelete, path, payload, exceptConn)
}

// BroadcastUpdate dispatches a LISTEN-verb broadcast: the verb
// reserved for unsolicited push notifications to an existing
// subscriber, as opposed to POST/DELETE which mirror the request verb
// that triggered the change.
func (r *Router) BroadcastUpdate(path string, payload Payload, exceptConn *Connection) {
	r.broadcast(VerbListen, path, payload, exceptConn)
}

func (r *Router) broadcast(verb Verb, path string, payload Payload, exceptConn *Connection) {
	type target struct {
		conn     *Connection
		validate Validator
		params   map[string]string
	}

	r.mu.Lock()
	var targets []target
	for _, layer := range r.outbound {
		params, ok := layer.pattern.Match(path)
		if !ok {
			continue
		}
		positional := make([]string, len(layer.pattern.ParamNames()))
		for i, name := range layer.pattern.ParamNames() {
			positional[i] = params[name]
		}
		for _, l := range layer.listeners {
			if l.conn == exceptConn {
				continue
			}
			if !equalParamVectors(l.paramsAtSubscribe, positional) {
				continue
			}
			targets = append(targets, target{conn: l.conn, validate: layer.validate, params: params})
		}
	}
	r.mu.Unlock()

	// No de-duplication across layers matching the same path: a
	// connection subscribed via two overlapping layers receives the
	// broadcast twice.
	for _, t := range targets {
		if t.validate != nil {
			ok, err := t.validate(t.conn, t.params).Wait(context.Background())
			if err != nil || !ok {
				continue
			}
		}
		t.conn.SendToRoute(path, verb, payload, nil, nil)
	}
}

// handleRouteMessage finds the inbound layer matching body.Route,
// dispatches to its handler for body.Verb, and translates the
// handler's outcome into a response payload or an error message.
func (r *Router) handleRouteMessage(sender *Connection, body *RouteBody) (Payload, string, bool) {
	if err := routepattern.ValidateClientRoute(body.Route); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoute, err).Error(), true
	}

	r.mu.Lock()
	var matched *inboundLayer
	var params map[string]string
	for _, layer := range r.inbound {
		if p, ok := layer.pattern.Match(body.Route); ok {
			matched = layer
			params = p
			break
		}
	}
	r.mu.Unlock()

	if matched == nil {
		return nil, fmt.Errorf("%w: no route matches %q", ErrNoRoute, body.Route).Error(), true
	}

	r.mu.Lock()
	handler, ok := matched.verbs[body.Verb]
	schema := r.headerSchema
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("Route %q %w %q", body.Route, ErrVerbMismatch, body.Verb).Error(), true
	}
	if err := schema.Validate(body.Headers); err != nil {
		return nil, err.Error(), true
	}

	ctx := &RequestContext{
		Params:  params,
		Data:    body.Data,
		Headers: body.Headers,
		Sender:  sender,
		Route:   body.Route,
	}
	handler(ctx)
	if ctx.Error != "" {
		return nil, ctx.Error, true
	}
	return ctx.Response, "", false
}

func (r *Router) removeConnection(conn *Connection) {
	secret := conn.GetSecret()
	r.mu.Lock()
	defer r.mu.Unlock()
	if secret != "" {
		if existing, ok := r.directory[secret]; ok && existing == conn {
			delete(r.directory, secret)
		}
	}
	for _, layer := range r.outbound {
		filtered := layer.listeners[:0:0]
		for _, l := range layer.listeners {
			if l.conn == conn {
				continue
			}
			filtered = append(filtered, l)
		}
		// The filtered slice must be reassigned onto the layer, or the
		// disconnected connection's listener entries linger forever.
		layer.listeners = filtered
	}
}

func equalParamVectors(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
