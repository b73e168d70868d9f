package admin

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"timedrive/buffer"
	"timedrive/logging"
	"timedrive/munge"
	"timedrive/session"
	"timedrive/stats"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSources() Sources {
	now := func() time.Time { return time.Unix(1_700_000_000, 0) }
	store := session.NewStore(session.Options{Now: now})
	store.Update("10.0.0.1alice", munge.Update{Time: munge.Float(1000), Play: "pause"})

	recent := buffer.NewRingBuffer(8)
	for _, route := range []string{"clock", "data", "updatemunge"} {
		recent.Add(&buffer.Record{Route: route, Outcome: "synthetic"})
	}

	tracker := stats.NewTracker()
	tracker.IncrementRoute("data")
	tracker.IncrementOutcome("redirect")

	return Sources{
		Sessions: store.Entries,
		Recent:   recent,
		Stats:    tracker,
		Active:   func() int64 { return 2 },
	}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	rec := get(t, NewRouter(Sources{}), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestSessionsHideIdentities(t *testing.T) {
	rec := get(t, NewRouter(testSources()), "/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var entries []session.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, session.Fingerprint("10.0.0.1alice"), entries[0].Fingerprint)
	assert.Equal(t, 1000.0, entries[0].State.Time)
	assert.NotContains(t, rec.Body.String(), "alice")
	assert.Contains(t, rec.Body.String(), `"play":"pause"`)
}

func TestRecentLimitsAndOrders(t *testing.T) {
	h := NewRouter(testSources())

	rec := get(t, h, "/recent?n=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var records []buffer.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "updatemunge", records[0].Route)
	assert.Equal(t, "data", records[1].Route)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/recent?n=zero").Code)
	assert.Equal(t, "[]", strings.TrimSpace(get(t, NewRouter(Sources{}), "/recent").Body.String()))
}

func TestStats(t *testing.T) {
	rec := get(t, NewRouter(testSources()), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.EqualValues(t, 1, view["sessions"])
	assert.EqualValues(t, 2, view["active_connections"])
	assert.EqualValues(t, 1, view["requests"])
	assert.Equal(t, map[string]any{"redirect": float64(1)}, view["outcomes"])
}

func TestMetricsAndProfiler(t *testing.T) {
	h := NewRouter(Sources{})
	rec := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	assert.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/").Code)
}

func TestRateLimit(t *testing.T) {
	h := NewRouter(Sources{RequestsPerMinute: 2})
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(t, h, "/healthz").Code)
}

func TestWriteJSONReportsEncodeFailure(t *testing.T) {
	var buf bytes.Buffer
	logging.Init(logging.Config{Level: "info", Format: "json", Output: &buf})
	t.Cleanup(func() { logging.Init(logging.Config{Level: "info"}) })

	rec := httptest.NewRecorder()
	writeJSON(rec, httptest.NewRequest(http.MethodGet, "/stats", nil), make(chan int))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, buf.String(), `"component":"admin"`)
	assert.Contains(t, buf.String(), `"path":"/stats"`)
}
