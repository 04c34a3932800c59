package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for rate limit decisions.
type Metrics struct {
	Decisions   *prometheus.CounterVec
	StoreErrors *prometheus.CounterVec
	Latency     *prometheus.HistogramVec
}

// NewMetrics registers the rate limit collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emr_ratelimit_decisions_total",
				Help: "Total number of rate limit decisions",
			},
			[]string{"backend", "outcome"},
		),
		StoreErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emr_ratelimit_store_errors_total",
				Help: "Total number of failed rate limit store transactions",
			},
			[]string{"backend"},
		),
		Latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "emr_ratelimit_check_duration_seconds",
				Help:    "Duration of rate limit store transactions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
	}
}

func (m *Metrics) observe(backend string, d Decision, err error, took time.Duration) {
	m.Latency.WithLabelValues(backend).Observe(took.Seconds())
	if err != nil {
		m.StoreErrors.WithLabelValues(backend).Inc()
		return
	}
	outcome := "allowed"
	if !d.Allowed {
		outcome = "rejected"
	}
	m.Decisions.WithLabelValues(backend, outcome).Inc()
}
