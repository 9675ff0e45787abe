// Package testutil holds helpers shared by package tests.
package testutil

import (
	"sync"
	"time"
)

// DefaultEpoch is the starting time of a ManualClock created with a zero
// start. Fixed so traces and stored timestamps are reproducible.
var DefaultEpoch = time.Date(2025, time.January, 1, 12, 0, 0, 0, time.UTC)

// ManualClock is a wall clock that only moves when told to.
//
// Pass clock.Now wherever a component accepts a func() time.Time.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock reading start, or DefaultEpoch if start is
// zero.
func NewManualClock(start time.Time) *ManualClock {
	if start.IsZero() {
		start = DefaultEpoch
	}
	return &ManualClock{now: start}
}

// Now returns the current reading.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new reading.
// Negative durations are ignored; the clock never goes backwards.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}

// Set jumps to t if t is after the current reading.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}
