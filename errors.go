// Copyright 2025 The Wireline Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wireline

import (
	"errors"
	"fmt"
)

// Sentinel errors returned from the public API. Callers should use
// errors.Is to test for these, since internal wrapping may add context.
var (
	// ErrClosed is returned by operations attempted on a Connection that
	// has already been closed and not reconnected.
	ErrClosed = errors.New("wireline: connection closed")

	// ErrUnknownBody is returned when marshaling an envelope whose Body
	// is nil or not one of the known body types. An inbound envelope
	// with an unrecognized "type" decodes to UnknownBody instead, which
	// the engine answers with a 500.
	ErrUnknownBody = errors.New("wireline: unknown message body")

	// ErrVerbMismatch is wrapped into the error text returned to a
	// caller when a route layer exists for a path but not for the
	// requested verb. Its own text is the fragment embedded between
	// the route and the verb in that message, not a standalone
	// sentence; use errors.Is against the unwrapped form, not the
	// RouteResponse.Error string sent over the wire.
	ErrVerbMismatch = errors.New("does not support verb")

	// ErrNoRoute is wrapped into the error text returned when no
	// inbound layer matches a route.
	ErrNoRoute = errors.New("wireline: no matching route")

	// ErrRateLimited is surfaced to the caller's callback (not returned
	// from Post/SendToRoute) when the per-connection send rate has been
	// exceeded. The limit is advisory: the send proceeds regardless.
	ErrRateLimited = errors.New("wireline: rate limit exceeded")

	// ErrInvalidRoute is wrapped into the error text returned when a
	// client-sent route fails the [a-zA-Z0-9_/-]+ syntax check (colons
	// are rejected explicitly).
	ErrInvalidRoute = errors.New("wireline: invalid route syntax")

	// ErrSelfAckAbuse marks the programmer error of sending a res
	// envelope through a path that itself expects an acknowledgement.
	// It is never returned; it is only ever the payload of a panic
	// raised by assertf.
	ErrSelfAckAbuse = errors.New("wireline: res envelope must not itself expect an acknowledgement")
)

// assertf panics if cond is false. It is reserved for programmer
// errors that are hard failures rather than protocol responses — e.g.
// attempting to send a res envelope through a path that expects an
// acknowledgement.
func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
