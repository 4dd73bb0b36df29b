// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeBlocked   = "blocked"
	OutcomeSkipped   = "skipped"
)

var (
	completionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_completions_total",
			Help: "Completions by provider, mode and outcome.",
		},
		[]string{"provider", "mode", "outcome"},
	)
	completionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_completion_duration_seconds",
			Help:    "Wall time from dispatch to finalization.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		},
		[]string{"provider", "mode"},
	)
	toolInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_tool_invocations_total",
			Help: "Server-side tool invocations by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)
	voiceClipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_voice_clips_total",
			Help: "Clause synthesis attempts by outcome.",
		},
		[]string{"outcome"},
	)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(completionsTotal)
	prometheus.MustRegister(completionDuration)
	prometheus.MustRegister(toolInvocationsTotal)
	prometheus.MustRegister(voiceClipsTotal)
	prometheus.MustRegister(httpRequestsTotal)
}

// ObserveCompletion records one finished completion.
func ObserveCompletion(provider, mode, outcome string, elapsed time.Duration) {
	completionsTotal.WithLabelValues(provider, mode, outcome).Inc()
	completionDuration.WithLabelValues(provider, mode).Observe(elapsed.Seconds())
}

// ObserveTool records one tool invocation.
func ObserveTool(tool, outcome string) {
	toolInvocationsTotal.WithLabelValues(tool, outcome).Inc()
}

// ObserveVoice records clause synthesis outcomes.
func ObserveVoice(outcome string, n int) {
	voiceClipsTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveHTTP records one served HTTP request.
func ObserveHTTP(method, path, status string) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}
