package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the centralized Prometheus metric set for the orchestrator.
type Metrics struct {
	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider calls.
	// Labels: provider, model, status (success|error|cancelled)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// PartsEmitted counts normalized parts by type.
	// Labels: part_type
	PartsEmitted *prometheus.CounterVec

	// SubscriberLagDrops counts parts dropped for slow subscribers.
	SubscriberLagDrops prometheus.Counter

	// ActiveRuns tracks runs currently streaming.
	ActiveRuns prometheus.Gauge

	// CompressionSavings tracks tokens saved by context compression.
	// Labels: model
	CompressionSavings *prometheus.CounterVec

	// CompressionFailures counts summarizer failures.
	// Labels: level
	CompressionFailures *prometheus.CounterVec

	// BackgroundJobCounter counts background job outcomes.
	// Labels: job (indexing|wiki), status (completed|failed)
	BackgroundJobCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics with the given
// registerer. Pass prometheus.DefaultRegisterer in production; tests use a
// fresh registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shadow_llm_request_duration_seconds",
				Help:    "Duration of LLM provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadow_llm_requests_total",
				Help: "Total LLM provider requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadow_llm_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadow_tool_executions_total",
				Help: "Total tool invocations by name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shadow_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		PartsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadow_parts_emitted_total",
				Help: "Normalized stream parts emitted by type",
			},
			[]string{"part_type"},
		),
		SubscriberLagDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shadow_subscriber_lag_drops_total",
				Help: "Parts dropped because a subscriber queue was full",
			},
		),
		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shadow_active_runs",
				Help: "Runs currently streaming",
			},
		),
		CompressionSavings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadow_compression_tokens_saved_total",
				Help: "Prompt tokens saved by context compression",
			},
			[]string{"model"},
		),
		CompressionFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadow_compression_failures_total",
				Help: "Summarizer failures by compression level",
			},
			[]string{"level"},
		),
		BackgroundJobCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadow_background_jobs_total",
				Help: "Background job outcomes by job and status",
			},
			[]string{"job", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shadow_http_request_duration_seconds",
				Help:    "HTTP API request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
