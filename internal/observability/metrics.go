package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agent007"

// MetricsCollector holds all Prometheus metrics for agent007.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Tool execution metrics.
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// Sandbox backend metrics.
	SandboxOperationsTotal   *prometheus.CounterVec
	SandboxOperationDuration *prometheus.HistogramVec

	// Agent run metrics.
	RunsTotal     *prometheus.CounterVec
	RunDuration   prometheus.Histogram
	RunIterations prometheus.Histogram
	EventsTotal   *prometheus.CounterVec
	ActiveRuns    prometheus.Gauge

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "direction"}),

		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Total tool executions.",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "execution_duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		SandboxOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "operations_total",
			Help:      "Total sandbox backend operations.",
		}, []string{"backend", "operation", "status"}),

		SandboxOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "operation_duration_seconds",
			Help:      "Sandbox backend operation duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
		}, []string{"backend", "operation"}),

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Total agent runs by outcome.",
		}, []string{"outcome"}),

		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "run_duration_seconds",
			Help:      "Agent run duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),

		RunIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "run_iterations",
			Help:      "Model round trips per agent run.",
			Buckets:   []float64{1, 2, 3, 5, 8, 12, 15},
		}),

		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Total events delivered to clients by type.",
		}, []string{"type"}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "active_runs",
			Help:      "Number of agent runs in progress.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.SandboxOperationsTotal,
		m.SandboxOperationDuration,
		m.RunsTotal,
		m.RunDuration,
		m.RunIterations,
		m.EventsTotal,
		m.ActiveRuns,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RegistryOrNil returns the registry, or nil for a nil collector.
func (m *MetricsCollector) RegistryOrNil() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.Registry
}

// RecordToolExecution records one tool call.
func (m *MetricsCollector) RecordToolExecution(tool string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RunStarted marks an agent run in progress. The returned func records its end.
func (m *MetricsCollector) RunStarted() func(outcome string, iterations int) {
	if m == nil {
		return func(string, int) {}
	}
	start := time.Now()
	m.ActiveRuns.Inc()
	return func(outcome string, iterations int) {
		m.ActiveRuns.Dec()
		m.RunsTotal.WithLabelValues(outcome).Inc()
		m.RunDuration.Observe(time.Since(start).Seconds())
		m.RunIterations.Observe(float64(iterations))
	}
}

// RecordEvent counts an event delivered to a client.
func (m *MetricsCollector) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType).Inc()
}
