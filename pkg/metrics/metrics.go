// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// StreamDuration tracks generation stream duration by provider and outcome.
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stream_duration_seconds",
			Help:    "Generation stream duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 120, 300, 600},
		},
		[]string{"provider", "outcome"},
	)

	// StreamsActive tracks in-flight generation streams.
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streams_active",
			Help: "Number of in-flight generation streams",
		},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"provider", "direction"},
	)

	// ArtifactsCommitted tracks artifact revisions committed by file kind.
	ArtifactsCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artifacts_committed_total",
			Help: "Artifact revisions committed",
		},
		[]string{"kind"},
	)

	// WSConnectionsActive tracks active socket connections.
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of active socket connections",
		},
	)

	// SSEConnectionsActive tracks active long-lived HTTP event streams.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE event streams",
		},
	)

	// EventsDropped tracks outbound events dropped by back-pressure handling.
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbound_events_dropped_total",
			Help: "Outbound events dropped by back-pressure handling",
		},
	)

	// RateLimitRejections tracks rejected requests by surface.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Requests rejected by the fixed-window limiter",
		},
		[]string{"surface"},
	)

	// ProjectsTotal tracks projects created by request kind.
	ProjectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projects_total",
			Help: "Projects created",
		},
		[]string{"kind"},
	)

	// ModeSwitches counts PLAN/ACT transitions across all sessions.
	ModeSwitches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mode_switches_total",
			Help: "Session mode transitions",
		},
	)

	// ProjectsCleaned counts terminal projects purged by cleanup.
	ProjectsCleaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "projects_cleaned_total",
			Help: "Terminal projects removed by cleanup",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordStream records metrics for a finished generation stream.
func RecordStream(provider, outcome string, duration float64, tokensIn, tokensOut int) {
	StreamDuration.WithLabelValues(provider, outcome).Observe(duration)
	LLMTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
}
