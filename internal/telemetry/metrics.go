// Package telemetry provides observability primitives for the palantir proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy and worker.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
	AuthFailures    prometheus.Counter

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamErrors    *prometheus.CounterVec
	UpstreamRetries   prometheus.Counter
	FirstTokenSeconds *prometheus.HistogramVec

	TokensProcessed *prometheus.CounterVec
	PoolSelects     *prometheus.CounterVec

	WriterQueueDepth prometheus.Gauge
	WriterDrops      prometheus.Counter
	WriterErrors     prometheus.Counter

	AnalysisJobs   *prometheus.CounterVec
	WatchdogResets prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "requests_total",
			Help:      "Total number of proxied requests.",
		}, []string{"domain", "type", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "request_duration_seconds",
			Help:                            "End-to-end request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"domain", "streaming"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "auth_failures_total",
			Help:      "Total rejected client authentications.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "upstream_errors_total",
			Help:      "Total upstream error responses.",
		}, []string{"status"}),

		UpstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "upstream_retries_total",
			Help:      "Total upstream connection retries before the first byte.",
		}),

		FirstTokenSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "first_token_seconds",
			Help:                            "Latency to the first response byte in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"model"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed, by direction.",
		}, []string{"domain", "account", "kind"}),

		PoolSelects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "pool_selects_total",
			Help:      "Total account pool selections, by outcome.",
		}, []string{"domain", "outcome"}),

		WriterQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "writer_queue_depth",
			Help:      "Current number of queued persistence records.",
		}),

		WriterDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "writer_drops_total",
			Help:      "Total records dropped from a full writer queue.",
		}),

		WriterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "writer_errors_total",
			Help:      "Total persistence failures after retries.",
		}),

		AnalysisJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "analysis_jobs_total",
			Help:      "Total analysis jobs processed, by outcome.",
		}, []string{"outcome"}),

		WatchdogResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "watchdog_resets_total",
			Help:      "Total stuck analysis jobs reset by the watchdog.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.AuthFailures,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.UpstreamRetries,
		m.FirstTokenSeconds,
		m.TokensProcessed,
		m.PoolSelects,
		m.WriterQueueDepth,
		m.WriterDrops,
		m.WriterErrors,
		m.AnalysisJobs,
		m.WatchdogResets,
	)

	return m
}
