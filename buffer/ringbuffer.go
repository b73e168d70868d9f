// Package buffer provides a lock-free ring of recent request records used by
// the dashboard and the admin endpoint. Each slot stores an atomic pointer so
// readers either see a complete record or the previous one, never a partially
// written structure.
package buffer

import (
	"sync/atomic"
	"time"
)

// Record summarizes one handled request. Identities are only ever stored as
// fingerprints.
type Record struct {
	ID          uint64        `json:"id"`
	ConnID      string        `json:"conn_id"`
	At          time.Time     `json:"at"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Route       string        `json:"route"`
	Path        string        `json:"path"`
	Rewritten   string        `json:"rewritten,omitempty"`
	Outcome     string        `json:"outcome"`
	Status      int           `json:"status,omitempty"`
	Bytes       int           `json:"bytes,omitempty"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

// RingBuffer is a thread-safe circular buffer for storing recent records.
// Writers atomically publish completed *Record values, and readers walk
// backwards from the newest index to gather a snapshot.
type RingBuffer struct {
	// Each slot is an atomic pointer so writers can publish a fully built record in one step.
	// Combined with the monotonic ID counter, this removes the need for a global mutex.
	slots    []atomic.Pointer[Record]
	capacity int
	total    atomic.Uint64 // Total records added (may exceed capacity)
}

// NewRingBuffer allocates a ring buffer with the specified capacity. A
// capacity below one is raised to one.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		slots:    make([]atomic.Pointer[Record], capacity),
		capacity: capacity,
	}
}

// Add publishes a record, assigning a monotonic ID so readers can skip over
// stale entries when the buffer wraps. The caller must not modify r after
// Add returns.
func (rb *RingBuffer) Add(r *Record) {
	if rb == nil || r == nil {
		return
	}
	newID := rb.total.Add(1)
	r.ID = newID

	idx := (newID - 1) % uint64(rb.capacity)
	rb.slots[idx].Store(r)
}

// GetRecent returns up to n records, newest first.
func (rb *RingBuffer) GetRecent(n int) []*Record {
	if rb == nil || n <= 0 {
		return []*Record{}
	}

	total := rb.total.Load()
	available := int(total)
	if available > rb.capacity {
		available = rb.capacity
	}
	if n > available {
		n = available
	}

	result := make([]*Record, 0, n)
	if total == 0 {
		return result
	}
	minIndex := total - uint64(available)
	for idx := total; idx > minIndex && len(result) < n; {
		idx--
		slot := idx % uint64(rb.capacity)
		// ID check skips over slots that have been overwritten after wraparound
		if rec := rb.slots[slot].Load(); rec != nil && rec.ID == idx+1 {
			result = append(result, rec)
		}
	}
	return result
}

// GetCount returns the total number of records added (may be > capacity)
func (rb *RingBuffer) GetCount() int {
	if rb == nil {
		return 0
	}
	return int(rb.total.Load())
}

// Capacity returns the number of slots.
func (rb *RingBuffer) Capacity() int {
	if rb == nil {
		return 0
	}
	return rb.capacity
}
