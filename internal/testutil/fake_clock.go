package testutil

import (
	"sync"
	"time"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

// FakeClock is a controllable gateway.Clock for deterministic tests.
// Sleep is a no-op: tests advance time explicitly via Advance rather
// than blocking on a wall-clock timer.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a FakeClock starting at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(time.Duration) {}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var _ gateway.Clock = (*FakeClock)(nil)
