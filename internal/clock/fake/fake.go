// Package fake provides a manually driven clock for tests.
package fake

import (
	"sync"
	"time"
)

// Clock is a settable clock. The zero value reports the zero time.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// New returns a Clock pinned at now.
func New(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the pinned time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set pins the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
