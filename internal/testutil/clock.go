package testutil

import (
	"sync"
	"time"
)

// Clock is a manually advanced clock for deterministic time-gated tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed, arbitrary instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func NewClockAt(t time.Time) *Clock {
	return &Clock{now: t.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// AdvanceSeconds moves the clock forward by n seconds.
func (c *Clock) AdvanceSeconds(n int64) {
	c.Advance(time.Duration(n) * time.Second)
}
