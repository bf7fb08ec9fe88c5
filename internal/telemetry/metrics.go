// Package telemetry provides observability primitives for the Tollgate gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	CircuitOpens    *prometheus.CounterVec
	TTFT            prometheus.Histogram

	AffinityHits       prometheus.Counter
	AffinityMigrations prometheus.Counter

	TokensTotal  *prometheus.CounterVec
	SpendUSD     *prometheus.CounterVec
	LogsDropped  prometheus.Counter
	LogQueueSize prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "tollgate",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tollgate",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "upstream_attempts_total",
			Help:      "Total upstream attempts by outcome.",
		}, []string{"upstream", "outcome"}),

		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "tollgate",
			Name:                            "upstream_attempt_duration_seconds",
			Help:                            "Upstream attempt duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"upstream"}),

		CircuitOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "circuit_opens_total",
			Help:      "Total circuit breaker open transitions.",
		}, []string{"upstream"}),

		TTFT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:                       "tollgate",
			Name:                            "stream_ttft_seconds",
			Help:                            "Time to first streamed byte in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}),

		AffinityHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "affinity_hits_total",
			Help:      "Total sticky-session affinity hits.",
		}),

		AffinityMigrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "affinity_migrations_total",
			Help:      "Total sticky sessions migrated to a better tier.",
		}),

		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "tokens_total",
			Help:      "Total tokens relayed.",
		}, []string{"model", "type"}),

		SpendUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "spend_usd_total",
			Help:      "Total billed cost in USD.",
		}, []string{"upstream"}),

		LogsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "request_logs_dropped_total",
			Help:      "Total request logs dropped under sink pressure.",
		}),

		LogQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tollgate",
			Name:      "request_log_queue_length",
			Help:      "Current number of queued request logs.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.AttemptsTotal,
		m.AttemptDuration,
		m.CircuitOpens,
		m.TTFT,
		m.AffinityHits,
		m.AffinityMigrations,
		m.TokensTotal,
		m.SpendUSD,
		m.LogsDropped,
		m.LogQueueSize,
	)

	return m
}
