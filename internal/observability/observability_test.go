package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/edagate/internal/config"
	"github.com/jkaninda/edagate/internal/sandbox"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
	if obs.MetricsOrNil() != nil || obs.AnomalyOrNil() != nil || obs.SpanTracer() != nil {
		t.Error("expected nil components from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// CounterVecs only appear in Gather after first use.
	m.RecordSecurityCheck("auth", "denied")
	m.RecordToolInvocation("run_yosys_synthesis", "success", time.Second)
	m.RecordFileRequest(http.StatusForbidden)
	m.RecordAuditDrop()
	m.SandboxExecutionsTotal.WithLabelValues("yosys:local", "success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"edagate_security_checks_total",
		"edagate_tool_invocations_total",
		"edagate_sandbox_executions_total",
		"edagate_files_requests_total",
		"edagate_audit_events_dropped_total",
		"edagate_http_requests_total",
		"edagate_ratelimit_tracked_clients",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_RecordAndGather(t *testing.T) {
	m := NewMetricsCollector()

	m.RecordSecurityCheck("rate_limit", "denied")
	m.RecordSecurityCheck("rate_limit", "denied")
	m.RecordSecurityCheck("rate_limit", "allowed")

	if got := counterValue(t, m.Registry, "edagate_security_checks_total", prometheus.Labels{"check": "rate_limit", "result": "denied"}); got != 2 {
		t.Errorf("denied = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "edagate_security_checks_total", prometheus.Labels{"check": "rate_limit", "result": "allowed"}); got != 1 {
		t.Errorf("allowed = %v, want 1", got)
	}

	m.SetRateLimitClients(7)
	families, _ := m.Registry.Gather()
	for _, f := range families {
		if f.GetName() == "edagate_ratelimit_tracked_clients" {
			if got := f.GetMetric()[0].GetGauge().GetValue(); got != 7 {
				t.Errorf("tracked clients = %v, want 7", got)
			}
		}
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.RecordSecurityCheck("auth", "denied")
	m.RecordToolInvocation("x", "error", time.Second)
	m.RecordFileRequest(200)
	m.RecordAuditDrop()
	m.SetRateLimitClients(1)
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return nil })
	h.AddCheck("sandbox", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["db"].Status != "ok" {
		t.Errorf("db check = %q, want ok", status.Checks["db"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("sandbox", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["db"].Status != "fail" {
		t.Errorf("db check = %q, want fail", status.Checks["db"].Status)
	}
	if status.Checks["sandbox"].Status != "ok" {
		t.Errorf("sandbox check = %q, want ok", status.Checks["sandbox"].Status)
	}
}

func TestHealthStatus_HTTPStatus(t *testing.T) {
	if got := (HealthStatus{Status: "ok"}).HTTPStatus(); got != http.StatusOK {
		t.Errorf("ok -> %d", got)
	}
	if got := (HealthStatus{Status: "degraded"}).HTTPStatus(); got != http.StatusServiceUnavailable {
		t.Errorf("degraded -> %d", got)
	}
}

func TestCommandCheck(t *testing.T) {
	if err := CommandCheck("sh", "-c", "exit 0")(context.Background()); err != nil {
		t.Errorf("passing command: %v", err)
	}
	if err := CommandCheck("sh", "-c", "echo daemon down >&2; exit 1")(context.Background()); err == nil {
		t.Error("expected error for failing command")
	}
	if err := CommandCheck("edagate-no-such-binary")(context.Background()); err == nil {
		t.Error("expected error for missing binary")
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	// All methods should be no-ops on nil receiver.
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if rate, n := a.ErrorRate("test"); rate != 0 || n != 0 {
		t.Errorf("nil ErrorRate = %v/%d", rate, n)
	}
}

func TestAnomalyDetector_ErrorRate(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	// 6 errors, 4 successes = 60% error rate > 50%
	for i := 0; i < 4; i++ {
		a.RecordSuccess("test_op")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("test_op")
	}

	rate, n := a.ErrorRate("test_op")
	if n != 10 {
		t.Errorf("samples = %d, want 10", n)
	}
	if rate != 0.6 {
		t.Errorf("rate = %v, want 0.6", rate)
	}
}

func TestAnomalyDetector_WindowExpires(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, WindowSeconds: 60}, nil)
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }

	a.RecordError("op")
	a.RecordError("op")
	now = now.Add(61 * time.Second)
	a.RecordSuccess("op")

	rate, n := a.ErrorRate("op")
	if n != 1 || rate != 0 {
		t.Errorf("rate=%v samples=%d, want 0/1 after expiry", rate, n)
	}
}

// --- InstrumentedExecutor (wrapper) ---

type fakeExecutor struct {
	result *sandbox.ExecutionResult
	calls  int
}

func (f *fakeExecutor) Run(ctx context.Context, spec sandbox.CommandSpec) *sandbox.ExecutionResult {
	f.calls++
	return f.result
}

func TestInstrumentedExecutor_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &fakeExecutor{result: &sandbox.ExecutionResult{Success: true, Duration: 100 * time.Millisecond}}

	e := NewInstrumentedExecutor(inner, metrics, nil, nil)
	result := e.Run(context.Background(), sandbox.CommandSpec{Image: "yosys:local", Command: "yosys -V"})
	if !result.Success {
		t.Fatal("expected success to pass through")
	}
	if inner.calls != 1 {
		t.Errorf("inner called %d times, want 1", inner.calls)
	}

	val := counterValue(t, metrics.Registry, "edagate_sandbox_executions_total", prometheus.Labels{"image": "yosys:local", "outcome": "success"})
	if val != 1 {
		t.Errorf("sandbox executions = %v, want 1", val)
	}
}

func TestInstrumentedExecutor_Outcomes(t *testing.T) {
	tests := []struct {
		exit    int
		outcome string
		isError bool
	}{
		{1, "program_failed", false},
		{sandbox.ExitTimeout, "timeout", true},
		{sandbox.ExitRuntimeMissing, "runtime_missing", true},
	}
	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			metrics := NewMetricsCollector()
			anomaly := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true}, nil)
			inner := &fakeExecutor{result: &sandbox.ExecutionResult{ExitCode: tt.exit}}

			e := NewInstrumentedExecutor(inner, metrics, nil, anomaly)
			result := e.Run(context.Background(), sandbox.CommandSpec{Image: "img"})
			if result.ExitCode != tt.exit {
				t.Errorf("exit = %d, want %d", result.ExitCode, tt.exit)
			}
			if got := counterValue(t, metrics.Registry, "edagate_sandbox_executions_total", prometheus.Labels{"image": "img", "outcome": tt.outcome}); got != 1 {
				t.Errorf("outcome %s count = %v, want 1", tt.outcome, got)
			}
			rate, _ := anomaly.ErrorRate("sandbox:img")
			if (rate == 1) != tt.isError {
				t.Errorf("error rate = %v, isError=%v", rate, tt.isError)
			}
		})
	}
}

func TestInstrumentedExecutor_NilMetrics(t *testing.T) {
	inner := &fakeExecutor{result: &sandbox.ExecutionResult{Success: true, Stdout: "ok"}}
	e := NewInstrumentedExecutor(inner, nil, nil, nil)
	if got := e.Run(context.Background(), sandbox.CommandSpec{}); got.Stdout != "ok" {
		t.Errorf("stdout = %q, want ok", got.Stdout)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	val := counterValue(t, metrics.Registry, "edagate_http_requests_total", prometheus.Labels{"method": "GET", "path": "/test", "status_code": "200"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_RecordsStatus(t *testing.T) {
	metrics := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))

	req := httptest.NewRequest("GET", "/files/a/b/c.v", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	val := counterValue(t, metrics.Registry, "edagate_http_requests_total", prometheus.Labels{"method": "GET", "path": "/files/a/*", "status_code": "403"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"":                          "/",
		"/":                         "/",
		"/healthz":                  "/healthz",
		"/v1/tools":                 "/v1/tools",
		"/v1/tools/run_yosys":       "/v1/tools/*",
		"/v1/tools/run_yosys/extra": "/v1/tools/*",
	}
	for in, want := range tests {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics.
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
