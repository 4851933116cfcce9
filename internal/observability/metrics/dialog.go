package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// turnsTotal counts finished turns by outcome
	// (answer, approval, executed, cancelled, ambiguous, tool_not_found, failed).
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "turns_total",
		Help:      "Total number of conversation turns by outcome.",
	}, []string{"outcome"})

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "turn_duration_seconds",
		Help:      "End-to-end duration of a conversation turn.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tools",
		Name:      "calls_total",
		Help:      "Total number of tool executions by tool and status.",
	}, []string{"tool", "status"})

	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tools",
		Name:      "duration_seconds",
		Help:      "Tool execution duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"tool"})

	domainSelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "selector",
		Name:      "domain_selections_total",
		Help:      "Number of turns in which a tool domain was offered to the model.",
	}, []string{"domain"})

	selectedToolsCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "selector",
		Name:      "selected_tools",
		Help:      "Number of tools offered to the model per turn.",
		Buckets:   prometheus.LinearBuckets(1, 2, 10),
	})

	modelCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Total number of model calls by status.",
	}, []string{"status"})

	modelCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "call_duration_seconds",
		Help:      "Duration of model calls in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "notifications_total",
		Help:      "Notifications by stage (enqueued, dropped, delivered, failed).",
	}, []string{"stage"})
)

// ObserveTurn records a finished turn.
func ObserveTurn(outcome string, duration time.Duration) {
	turnsTotal.WithLabelValues(outcome).Inc()
	turnDuration.Observe(duration.Seconds())
}

// ObserveToolCall records a tool execution.
func ObserveToolCall(tool string, success bool, duration time.Duration) {
	toolCallsTotal.WithLabelValues(tool, status(success)).Inc()
	toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveSelection records the domains and tool count offered in one turn.
func ObserveSelection(domains []string, tools int) {
	for _, domain := range domains {
		domainSelectionsTotal.WithLabelValues(domain).Inc()
	}
	selectedToolsCount.Observe(float64(tools))
}

// ObserveModelCall records a model call.
func ObserveModelCall(success bool, duration time.Duration) {
	modelCallsTotal.WithLabelValues(status(success)).Inc()
	modelCallDuration.Observe(duration.Seconds())
}

// ObserveNotification records a notification lifecycle stage.
func ObserveNotification(stage string) {
	notificationsTotal.WithLabelValues(stage).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
