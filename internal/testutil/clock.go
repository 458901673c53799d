package testutil

import (
	"sync"
	"time"
)

// FakeClock is a virtual clock whose After fires immediately and advances Now
// by the requested duration. Every requested wait is recorded.
type FakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

// NewFakeClock creates a clock starting at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the virtual time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After advances the virtual time by d and returns an already-fired channel.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d > 0 {
		c.now = c.now.Add(d)
	}
	c.waits = append(c.waits, d)

	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

// Advance moves the virtual time forward without recording a wait.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Waits returns a copy of every duration passed to After.
func (c *FakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	waits := make([]time.Duration, len(c.waits))
	copy(waits, c.waits)
	return waits
}
