package ratelimit

import (
	"testing"
	"time"
)

func TestCounterThrottlesWithinInterval(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	c := NewCounter(time.Minute).WithClock(func() time.Time { return at })

	if total, suppressed, ok := c.Inc(); !ok || total != 1 || suppressed != 0 {
		t.Fatalf("first event should report: total=%d suppressed=%d ok=%v", total, suppressed, ok)
	}
	for i := 0; i < 3; i++ {
		if _, _, ok := c.Inc(); ok {
			t.Fatalf("event %d inside the interval should be throttled", i)
		}
	}
	at = at.Add(61 * time.Second)
	total, suppressed, ok := c.Inc()
	if !ok || total != 5 || suppressed != 3 {
		t.Fatalf("expected report with 3 suppressed, got total=%d suppressed=%d ok=%v", total, suppressed, ok)
	}
}

func TestCounterZeroIntervalAlwaysReports(t *testing.T) {
	c := NewCounter(0)
	for i := 0; i < 3; i++ {
		if _, _, ok := c.Inc(); !ok {
			t.Fatalf("event %d should report", i)
		}
	}
	if c.Total() != 3 {
		t.Fatalf("expected total 3, got %d", c.Total())
	}
}

func TestNilCounter(t *testing.T) {
	var c *Counter
	if _, _, ok := c.Inc(); ok {
		t.Fatalf("nil counter should never report")
	}
}
