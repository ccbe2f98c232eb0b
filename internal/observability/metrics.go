package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "edagate"

// MetricsCollector holds all Prometheus metrics for edagate.
// Uses a custom registry, no global state. All Record* methods are safe
// to call on a nil collector.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Request boundary.
	SecurityChecksTotal *prometheus.CounterVec
	RateLimitClients    prometheus.Gauge

	// Tool invocations.
	ToolInvocationsTotal   *prometheus.CounterVec
	ToolInvocationDuration *prometheus.HistogramVec

	// Sandbox runs.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Static file server.
	FileRequestsTotal *prometheus.CounterVec

	// Audit trail.
	AuditEventsDropped prometheus.Counter

	// HTTP.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SecurityChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "checks_total",
			Help:      "Request boundary checks by check and result.",
		}, []string{"check", "result"}),

		RateLimitClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "tracked_clients",
			Help:      "Client windows currently held by the rate limiter.",
		}),

		ToolInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "invocations_total",
			Help:      "Total tool invocations.",
		}, []string{"tool", "status"}),

		ToolInvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "invocation_duration_seconds",
			Help:      "Tool invocation duration in seconds.",
			Buckets:   []float64{0.01, 0.1, 1, 5, 30, 60, 300, 600},
		}, []string{"tool"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox runs by image and outcome.",
		}, []string{"image", "outcome"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox run duration in seconds.",
			Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"image"}),

		FileRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "files",
			Name:      "requests_total",
			Help:      "Static file requests by status code.",
		}, []string{"status_code"}),

		AuditEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_dropped_total",
			Help:      "Audit events discarded because the queue was full.",
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

	reg.MustRegister(
		m.SecurityChecksTotal,
		m.RateLimitClients,
		m.ToolInvocationsTotal,
		m.ToolInvocationDuration,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.FileRequestsTotal,
		m.AuditEventsDropped,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordSecurityCheck counts one boundary decision, e.g. ("rate_limit", "denied").
func (m *MetricsCollector) RecordSecurityCheck(check, result string) {
	if m == nil {
		return
	}
	m.SecurityChecksTotal.WithLabelValues(check, result).Inc()
}

// RecordToolInvocation counts one tool call and its duration.
func (m *MetricsCollector) RecordToolInvocation(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolInvocationsTotal.WithLabelValues(tool, status).Inc()
	m.ToolInvocationDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordFileRequest counts one static file response.
func (m *MetricsCollector) RecordFileRequest(code int) {
	if m == nil {
		return
	}
	m.FileRequestsTotal.WithLabelValues(statusCode(code)).Inc()
}

// RecordAuditDrop counts one dropped audit event.
func (m *MetricsCollector) RecordAuditDrop() {
	if m == nil {
		return
	}
	m.AuditEventsDropped.Inc()
}

// SetRateLimitClients publishes the limiter's client count.
func (m *MetricsCollector) SetRateLimitClients(n int) {
	if m == nil {
		return
	}
	m.RateLimitClients.Set(float64(n))
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
