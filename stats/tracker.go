// Package stats tracks per-route and per-outcome request counters plus proxy
// byte totals for the dashboard and the periodic stats line.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Tracker tracks gateway request statistics.
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so per-request increments don't fight over a mutex
	routeCounts   sync.Map // string -> *atomic.Uint64
	outcomeCounts sync.Map // string -> *atomic.Uint64
	start         atomic.Int64
	connections   atomic.Uint64
	nullRequests  atomic.Uint64
	proxiedBytes  atomic.Uint64
	syncFailures  atomic.Uint64
}

// NewTracker creates a new stats tracker
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// IncrementRoute counts one classified request (clock, page, data, ...).
func (t *Tracker) IncrementRoute(route string) {
	incrementCounter(&t.routeCounts, route)
}

// IncrementOutcome counts how a request ended (redirect, proxy, refused, ...).
func (t *Tracker) IncrementOutcome(outcome string) {
	incrementCounter(&t.outcomeCounts, outcome)
}

// IncrementConnections counts one accepted client connection.
func (t *Tracker) IncrementConnections() {
	t.connections.Add(1)
}

// IncrementNullRequests counts a request that could not be parsed.
func (t *Tracker) IncrementNullRequests() {
	t.nullRequests.Add(1)
}

// IncrementSyncFailures counts an updatetime fetch that left the time unchanged.
func (t *Tracker) IncrementSyncFailures() {
	t.syncFailures.Add(1)
}

// AddProxiedBytes adds bytes relayed from a downstream server.
func (t *Tracker) AddProxiedBytes(n int) {
	if n > 0 {
		t.proxiedBytes.Add(uint64(n))
	}
}

// GetRouteCounts returns a copy of route counts
func (t *Tracker) GetRouteCounts() map[string]uint64 {
	return copyCounts(&t.routeCounts)
}

// GetOutcomeCounts returns a copy of outcome counts
func (t *Tracker) GetOutcomeCounts() map[string]uint64 {
	return copyCounts(&t.outcomeCounts)
}

// GetTotal returns the total count across all routes
func (t *Tracker) GetTotal() uint64 {
	var total uint64
	t.routeCounts.Range(func(_, value any) bool {
		total += value.(*atomic.Uint64).Load()
		return true
	})
	return total
}

// Connections returns the cumulative number of accepted connections.
func (t *Tracker) Connections() uint64 {
	return t.connections.Load()
}

// NullRequests returns the cumulative number of unparseable requests.
func (t *Tracker) NullRequests() uint64 {
	return t.nullRequests.Load()
}

// SyncFailures returns the cumulative number of failed updatetime fetches.
func (t *Tracker) SyncFailures() uint64 {
	return t.syncFailures.Load()
}

// ProxiedBytes returns the cumulative bytes relayed in pass-through mode.
func (t *Tracker) ProxiedBytes() uint64 {
	return t.proxiedBytes.Load()
}

// GetUptime returns how long the tracker has been running
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// Reset resets all counters
func (t *Tracker) Reset() {
	for _, m := range []*sync.Map{&t.routeCounts, &t.outcomeCounts} {
		m.Range(func(key, _ any) bool {
			m.Delete(key)
			return true
		})
	}
	t.connections.Store(0)
	t.nullRequests.Store(0)
	t.proxiedBytes.Store(0)
	t.syncFailures.Store(0)
	t.start.Store(time.Now().UnixNano())
}

// Snapshot is a point-in-time copy for JSON views.
type Snapshot struct {
	UptimeSeconds int64             `json:"uptime_seconds"`
	Connections   uint64            `json:"connections"`
	Requests      uint64            `json:"requests"`
	NullRequests  uint64            `json:"null_requests"`
	SyncFailures  uint64            `json:"sync_failures"`
	ProxiedBytes  uint64            `json:"proxied_bytes"`
	Routes        map[string]uint64 `json:"routes"`
	Outcomes      map[string]uint64 `json:"outcomes"`
}

// Snapshot copies every counter.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds: int64(t.GetUptime().Seconds()),
		Connections:   t.Connections(),
		Requests:      t.GetTotal(),
		NullRequests:  t.NullRequests(),
		SyncFailures:  t.SyncFailures(),
		ProxiedBytes:  t.ProxiedBytes(),
		Routes:        t.GetRouteCounts(),
		Outcomes:      t.GetOutcomeCounts(),
	}
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines(sessions int) []string {
	lines := make([]string, 0, 3)
	lines = append(lines, fmt.Sprintf("Connections: %s | Requests: %s | Sessions: %s | Proxied: %s | Null: %s | Sync failures: %s",
		humanize.Comma(int64(t.Connections())),
		humanize.Comma(int64(t.GetTotal())),
		humanize.Comma(int64(sessions)),
		humanize.Bytes(t.ProxiedBytes()),
		humanize.Comma(int64(t.NullRequests())),
		humanize.Comma(int64(t.SyncFailures())),
	))
	lines = append(lines, formatMapCounts("Requests by route", &t.routeCounts))
	lines = append(lines, formatMapCounts("Requests by outcome", &t.outcomeCounts))
	return lines
}

func copyCounts(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

func formatMapCounts(label string, counts *sync.Map) string {
	snapshot := copyCounts(counts)
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	for i, key := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%s", key, humanize.Comma(int64(snapshot[key])))
	}
	if len(keys) == 0 {
		builder.WriteString("(none)")
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
