// Copyright 2025 The Wireline Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wireline

import (
	"context"
	"sync"
)

// Tracked is a single-assignment handle over an in-flight result whose
// settled state is observable without awaiting it. It is used by the
// connection engine's receivedMessages dedup log: a duplicate delivery
// while the original handler is still running needs to know "still
// pending" without blocking on the handler's completion.
type Tracked[T any] struct {
	mu      sync.Mutex
	done    chan struct{}
	once    sync.Once
	settled bool
	value   T
}

// NewTracked returns a Tracked handle in the pending state.
func NewTracked[T any]() *Tracked[T] {
	return &Tracked[T]{done: make(chan struct{})}
}

// Settled returns a Tracked handle that is already settled with v,
// useful when the result is known immediately (e.g. a synchronous
// validator outcome).
func Settled[T any](v T) *Tracked[T] {
	t := &Tracked[T]{done: make(chan struct{}), settled: true, value: v}
	close(t.done)
	return t
}

// IsPending reports whether the outcome has not yet settled.
func (t *Tracked[T]) IsPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.settled
}

// Settle assigns the outcome's value exactly once. Subsequent calls
// are no-ops, preserving single-assignment semantics.
func (t *Tracked[T]) Settle(v T) {
	t.once.Do(func() {
		t.mu.Lock()
		t.value = v
		t.settled = true
		t.mu.Unlock()
		close(t.done)
	})
}

// Peek returns the current value and whether it has settled, without
// blocking.
func (t *Tracked[T]) Peek() (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value, t.settled
}

// Wait blocks until the outcome settles or ctx is done, whichever
// comes first.
func (t *Tracked[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		v, _ := t.Peek()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
