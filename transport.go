// Copyright 2025 The Wireline Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wireline

import "context"

// Kind classifies a Transport implementation, exposed to callers via
// Connection.GetStrategyType so application code can make
// transport-aware decisions (e.g. whether to expect sub-second
// latency) without type-asserting the concrete transport.
type Kind string

const (
	KindDuplexSocket Kind = "duplex-socket"
	KindPoll         Kind = "poll"
	KindMemory       Kind = "memory"
)

// Transport is the capability set a Connection needs from its
// underlying delivery mechanism: connect, disconnect, send one
// envelope, and three event hooks. A Transport never interprets
// envelope payloads; it only frames and delivers them.
//
// Two production implementations exist: DuplexSocketClient /
// DuplexSocketServer (duplexsocket.go, full-duplex framed socket) and
// PollClient / PollServer (poll.go, HTTP long-poll). A third,
// in-memory pair (memory.go) exists purely for tests.
type Transport interface {
	// Connect establishes the transport. It returns once the
	// transport is ready to send (for the duplex socket: handshake
	// complete; for poll: immediately, since there is no handshake).
	Connect(ctx context.Context) error

	// Disconnect tears the transport down. It is safe to call more
	// than once.
	Disconnect() error

	// Send delivers one envelope. It fails fast with a transient
	// error if the transport is not currently open; the engine treats
	// that as a recoverable condition and queues the envelope for
	// delivery on reconnect rather than failing outright.
	Send(ctx context.Context, env Envelope) error

	// OnMessage registers the callback invoked for every envelope the
	// transport receives. Only the most recently registered callback
	// is active.
	OnMessage(func(Envelope))

	// OnOpen registers the callback invoked once the transport
	// becomes ready to send.
	OnOpen(func())

	// OnClose registers the callback invoked when the transport stops
	// being able to send, whether by explicit Disconnect or by a
	// transport-level failure.
	OnClose(func())

	// IsConnected reports whether Send would currently be attempted
	// rather than queued.
	IsConnected() bool

	// Kind classifies the transport implementation.
	Kind() Kind
}
