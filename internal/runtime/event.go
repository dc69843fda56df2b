// Package runtime reifies the source's module-level mutable singleton
// (quota/rotation flags mixing asyncio primitives and threading.Event)
// into a single RuntimeState struct with an explicit synchronization
// primitive per field (spec §9 design note).
package runtime

import (
	"context"
	"sync"
)

// Event is an asyncio.Event/threading.Event equivalent: a level-triggered
// boolean signal multiple goroutines can wait on. Set/Clear are
// idempotent; Wait returns when the event becomes set or ctx is done.
type Event struct {
	mu sync.Mutex
	ch chan struct{}
	is bool
}

// NewEvent returns an Event in the given initial state.
func NewEvent(initiallySet bool) *Event {
	e := &Event{ch: make(chan struct{})}
	if initiallySet {
		close(e.ch)
		e.is = true
	}
	return e
}

// Set marks the event set, waking all current and future waiters until
// the next Clear.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.is {
		close(e.ch)
		e.is = true
	}
}

// Clear marks the event unset; subsequent Wait calls will block.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.is {
		e.ch = make(chan struct{})
		e.is = false
	}
}

// IsSet reports the current state without blocking.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.is
}

// Wait blocks until the event is set or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
