// Package admin serves the operator endpoint: health, Prometheus metrics,
// session and request views, and pprof. It never exposes raw identities.
package admin

import (
	"net/http"
	"strconv"
	"time"

	"timedrive/buffer"
	"timedrive/logging"
	"timedrive/session"
	"timedrive/stats"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultRecent = 50
	maxRecent     = 1000
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sources are the read-only views the endpoint renders.
type Sources struct {
	Sessions func() []session.Entry
	Recent   *buffer.RingBuffer
	Stats    *stats.Tracker
	// Active reports connections in flight.
	Active func() int64
	// RequestsPerMinute limits each client IP. Zero disables limiting.
	RequestsPerMinute int
}

type statsView struct {
	stats.Snapshot
	Sessions int   `json:"sessions"`
	Active   int64 `json:"active_connections"`
}

// NewRouter builds the admin handler.
func NewRouter(src Sources) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if src.RequestsPerMinute > 0 {
		r.Use(httprate.LimitByIP(src.RequestsPerMinute, time.Minute))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/sessions", src.handleSessions)
	r.Get("/recent", src.handleRecent)
	r.Get("/stats", src.handleStats)
	r.Mount("/debug", middleware.Profiler())
	return r
}

func (src Sources) entries() []session.Entry {
	if src.Sessions == nil {
		return []session.Entry{}
	}
	return src.Sessions()
}

func (src Sources) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, src.entries())
}

// handleRecent returns the newest records first; ?n= bounds the count.
func (src Sources) handleRecent(w http.ResponseWriter, r *http.Request) {
	n := defaultRecent
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = min(v, maxRecent)
	}
	writeJSON(w, r, src.Recent.GetRecent(n))
}

func (src Sources) handleStats(w http.ResponseWriter, r *http.Request) {
	view := statsView{Sessions: len(src.entries())}
	if src.Stats != nil {
		view.Snapshot = src.Stats.Snapshot()
	}
	if src.Active != nil {
		view.Active = src.Active()
	}
	writeJSON(w, r, view)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log := logging.Component("admin")
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Encode response")
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// NewServer wraps the router in an http.Server with conservative timeouts.
func NewServer(addr string, src Sources) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(src),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}
}
