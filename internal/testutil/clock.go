package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a wall clock for tests that only moves when told.
//
// Pass its Now method to engine.WithNow and train.WithNow so event
// timestamps, lock expiry and retention cutoffs are reproducible.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu  sync.Mutex
	now time.Time
}

// DefaultEpoch is where a new DeterministicClock starts.
var DefaultEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// NewDeterministicClock creates a clock at DefaultEpoch.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{now: DefaultEpoch}
}

// NewDeterministicClockAt creates a clock at t.
func NewDeterministicClockAt(t time.Time) *DeterministicClock {
	return &DeterministicClock{now: t.UTC()}
}

// Now returns the current time without advancing.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *DeterministicClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Reset puts the clock back at DefaultEpoch.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = DefaultEpoch
}
