package engine

import "sync/atomic"

// Clock is the monotonic logical clock that stamps event seqs.
//
// Thread-safety: Clock is safe for concurrent use, but only the Run loop
// calls Next.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock positioned at start, typically the log head.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// Reset moves the clock to seq. Used after a failed append, when the seq
// handed out by Next was never written.
func (c *Clock) Reset(seq int64) {
	c.seq.Store(seq)
}
