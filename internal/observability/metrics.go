package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects prometheus metrics for the orchestration engine.
//
// Tracked series:
//   - chat request counts and latency by provider, model, mode, and status
//   - token consumption by provider, model, and kind (prompt|completion)
//   - tool execution counts by tool and status
//   - provider fallback occurrences
type Metrics struct {
	// RequestCounter counts chat runs.
	// Labels: provider, model, mode (chat|stream), status (success|error).
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures run latency in seconds.
	// Labels: provider, model, mode.
	RequestDuration *prometheus.HistogramVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, kind (prompt|completion).
	TokensUsed *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, source (local|remote), status (success|error).
	ToolExecutions *prometheus.CounterVec

	// Fallbacks counts runs where a non-primary provider served the
	// request. Labels: from, to.
	Fallbacks *prometheus.CounterVec
}

// NewMetrics creates metrics registered on the given registerer. A nil
// registerer uses the default prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_chat_requests_total",
				Help: "Total chat runs by provider, model, mode, and status.",
			},
			[]string{"provider", "model", "mode", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maestro_chat_request_duration_seconds",
				Help:    "Chat run latency in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model", "mode"},
		),
		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_tokens_total",
				Help: "Token consumption by provider, model, and kind.",
			},
			[]string{"provider", "model", "kind"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_tool_executions_total",
				Help: "Tool invocations by tool, source, and status.",
			},
			[]string{"tool", "source", "status"},
		),
		Fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_provider_fallbacks_total",
				Help: "Runs served by a non-primary provider.",
			},
			[]string{"from", "to"},
		),
	}
}
