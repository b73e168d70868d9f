// Package ratelimit throttles repetitive log lines such as refused proxy
// loops or unreachable downstream servers.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter tracks how often an event happened and when it was last reported.
// It is safe for concurrent use.
type Counter struct {
	interval   time.Duration
	now        func() time.Time
	lastLog    atomic.Int64
	total      atomic.Uint64
	suppressed atomic.Uint64
}

// NewCounter allows a report at most once per interval. A zero or negative
// interval reports every event.
func NewCounter(interval time.Duration) *Counter {
	return &Counter{interval: interval, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (c *Counter) WithClock(now func() time.Time) *Counter {
	c.now = now
	return c
}

// Inc records one event. When reporting is allowed it returns the running
// total, the number of events swallowed since the previous report, and true.
func (c *Counter) Inc() (total, suppressed uint64, ok bool) {
	if c == nil {
		return 0, 0, false
	}
	total = c.total.Add(1)
	if c.interval <= 0 {
		return total, 0, true
	}
	now := c.now().UnixNano()
	last := c.lastLog.Load()
	if last != 0 && now-last < c.interval.Nanoseconds() {
		c.suppressed.Add(1)
		return total, 0, false
	}
	if !c.lastLog.CompareAndSwap(last, now) {
		c.suppressed.Add(1)
		return total, 0, false
	}
	return total, c.suppressed.Swap(0), true
}

// Total returns the number of events recorded.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}
