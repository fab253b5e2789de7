package queue

import (
	"sync"
	"time"
)

// Clock is the engine's only source of "now".
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is a settable clock for tests and replays.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

// Seconds converts a whole-second option value to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ExpiresAt returns start+ttl.
func ExpiresAt(start time.Time, ttl time.Duration) time.Time {
	return start.Add(ttl)
}

// Expired reports whether deadline has been reached at now. A deadline
// is exclusive: at exactly deadline the entity is already gone.
func Expired(now, deadline time.Time) bool {
	return !now.Before(deadline)
}

// Remaining is the time left until deadline, never negative.
func Remaining(now, deadline time.Time) time.Duration {
	if d := deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Age is the time elapsed since start, never negative.
func Age(now, start time.Time) time.Duration {
	if d := now.Sub(start); d > 0 {
		return d
	}
	return 0
}
