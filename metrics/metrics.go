// Package metrics registers the gateway's Prometheus instruments. They are
// exposed on the admin endpoint's /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "timedrive_connections_accepted_total",
			Help: "Client connections accepted by the gateway",
		},
	)

	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "timedrive_connections_active",
			Help: "Client connections currently being handled",
		},
	)

	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timedrive_requests_total",
			Help: "Requests by classified route",
		},
		[]string{"route"}, // rejected, auth, clock, page, updatetime, updatetocurrenttime, updatemunge, mungepage, data
	)

	Responses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timedrive_responses_total",
			Help: "Requests by how the gateway answered",
		},
		[]string{"outcome"}, // redirect, proxy, synthetic, unauthorized, refused, closed, error
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timedrive_request_duration_seconds",
			Help:    "Time from accept to close per route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	ProxiedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "timedrive_proxied_bytes_total",
			Help: "Bytes read from downstream servers in pass-through mode",
		},
	)

	Sessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "timedrive_sessions",
			Help: "Session clocks created since start",
		},
	)

	SyncFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timedrive_sync_fetches_total",
			Help: "updatetime fetches by result",
		},
		[]string{"result"}, // ok, error
	)
)

// ObserveRequest records one finished request.
func ObserveRequest(route, outcome string, elapsed time.Duration) {
	Requests.WithLabelValues(route).Inc()
	Responses.WithLabelValues(outcome).Inc()
	RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
