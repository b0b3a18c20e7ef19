// Package telemetry carries the daemon's observability surface:
// Prometheus metrics for task, permission, and token accounting, and an
// OpenTelemetry tracer around the streaming and permission-wait paths.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the daemon records.
//
// Tracked dimensions:
//   - Task outcomes and durations per agentic tool
//   - Permission gate volume and wait latency
//   - Token consumption and cumulative context-window sizes
//   - Message append volume and active-task concurrency
type Metrics struct {
	// TaskCompletions counts tasks reaching a terminal status.
	// Labels: tool (claude-code|gemini|codex|opencode), status
	TaskCompletions *prometheus.CounterVec

	// TaskDuration measures prompt-to-terminal-status latency in seconds.
	// Labels: tool
	TaskDuration *prometheus.HistogramVec

	// PermissionRequests counts permission gate decisions.
	// Labels: decision (allow|deny|aborted)
	PermissionRequests *prometheus.CounterVec

	// PermissionWait measures how long a pending request blocked the
	// streaming loop, in seconds.
	PermissionWait prometheus.Histogram

	// TokensUsed counts normalized tokens per tool and direction.
	// Labels: tool, type (input|output)
	TokensUsed *prometheus.CounterVec

	// ContextWindowTokens observes the computed cumulative context window
	// at each task completion. Labels: tool
	ContextWindowTokens *prometheus.HistogramVec

	// MessagesAppended counts transcript messages. Labels: role
	MessagesAppended *prometheus.CounterVec

	// ActiveTasks is the number of currently-running tasks.
	ActiveTasks prometheus.Gauge
}

// NewMetrics creates and registers all collectors on reg; a nil reg uses
// the default registry. Call once per registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TaskCompletions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agor_task_completions_total",
				Help: "Tasks reaching a terminal status, by tool and status",
			},
			[]string{"tool", "status"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agor_task_duration_seconds",
				Help:    "Prompt submission to terminal status, in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"tool"},
		),
		PermissionRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agor_permission_requests_total",
				Help: "Permission gate decisions, by outcome",
			},
			[]string{"decision"},
		),
		PermissionWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agor_permission_wait_seconds",
				Help:    "Time a pending permission request blocked the stream",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900},
			},
		),
		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agor_tokens_total",
				Help: "Normalized token consumption, by tool and direction",
			},
			[]string{"tool", "type"},
		),
		ContextWindowTokens: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agor_context_window_tokens",
				Help:    "Computed cumulative context window at task completion",
				Buckets: []float64{1000, 4000, 8000, 16000, 32000, 64000, 128000, 200000},
			},
			[]string{"tool"},
		),
		MessagesAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agor_messages_appended_total",
				Help: "Transcript messages appended, by role",
			},
			[]string{"role"},
		),
		ActiveTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agor_active_tasks",
				Help: "Tasks currently executing",
			},
		),
	}
}

// Handler serves the registry's metrics over HTTP. gatherer of nil uses
// the default gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
