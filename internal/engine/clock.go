package engine

import "sync/atomic"

// Clock is the per-entity logical sequence.
//
// Every appended event is stamped with Current()+1, and the clock advances
// only after the append succeeded. Ordering never depends on wall time, so
// replay yields the same order.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations), but
// only the goroutine holding the entity lock advances it.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
// Used after restore to resume from the last replayed event.
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

// Reset moves the clock to seq.
func (c *Clock) Reset(seq int64) {
	c.seq.Store(seq)
}
