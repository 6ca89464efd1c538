// Package monitoring exposes the server's operational metrics via
// Prometheus.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors the request path and tick loop feed.
type Metrics struct {
	registry *prometheus.Registry

	VotesRecorded   *prometheus.CounterVec
	TicksProcessed  prometheus.Counter
	TickDuration    prometheus.Histogram
	RateLimitDenied prometheus.Counter
	AuthFailures    *prometheus.CounterVec
	BansEnforced    prometheus.Counter
}

// New creates and registers the server's collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		VotesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "votes_recorded_total",
			Help: "Votes accepted, by dedup status (new/changed/duplicate).",
		}, []string{"status"}),
		TicksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticks_processed_total",
			Help: "Completed tick quanta across all games.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tick_duration_seconds",
			Help:    "Wall time of one tick's work.",
			Buckets: prometheus.DefBuckets,
		}),
		RateLimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rate_limit_denied_total",
			Help: "Requests denied by the token bucket.",
		}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_failures_total",
			Help: "Authentication failures by reason.",
		}, []string{"reason"}),
		BansEnforced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bans_enforced_total",
			Help: "Requests rejected because of an active ban.",
		}),
	}
	reg.MustRegister(m.VotesRecorded, m.TicksProcessed, m.TickDuration,
		m.RateLimitDenied, m.AuthFailures, m.BansEnforced)
	return m
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
