// Package metrics exposes Prometheus instrumentation for the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsSubmitted counts job submissions.
	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forgesyte",
		Name:      "jobs_submitted_total",
		Help:      "Total jobs submitted.",
	})

	// JobsCompleted counts jobs by terminal status.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgesyte",
		Name:      "jobs_terminal_total",
		Help:      "Total jobs reaching a terminal state.",
	}, []string{"status"})

	// FramesProcessed counts frames run through pipelines.
	FramesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forgesyte",
		Name:      "frames_processed_total",
		Help:      "Total video frames processed.",
	})

	// ToolInvocations counts plugin tool calls by plugin and outcome.
	ToolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgesyte",
		Name:      "tool_invocations_total",
		Help:      "Total plugin tool invocations.",
	}, []string{"plugin", "outcome"})

	// StreamSessions gauges live realtime sessions.
	StreamSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "forgesyte",
		Name:      "stream_sessions",
		Help:      "Currently open realtime sessions.",
	})

	// WSClients gauges attached WebSocket clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "forgesyte",
		Name:      "ws_clients",
		Help:      "Currently attached WebSocket clients.",
	})

	// HTTPDuration observes request latency per route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "forgesyte",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
