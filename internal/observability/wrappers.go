package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/edagate/internal/sandbox"
)

// InstrumentedExecutor wraps a sandbox.Executor with metrics, tracing, and anomaly detection.
type InstrumentedExecutor struct {
	inner   sandbox.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedExecutor wraps an executor with observability.
func NewInstrumentedExecutor(inner sandbox.Executor, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

// Run delegates to the wrapped executor and records the outcome.
func (e *InstrumentedExecutor) Run(ctx context.Context, spec sandbox.CommandSpec) *sandbox.ExecutionResult {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "sandbox.run",
			trace.WithAttributes(
				attribute.String("sandbox.image", spec.Image),
				attribute.Int("sandbox.cmd_len", len(spec.Command)),
			))
		defer span.End()
	}

	start := time.Now()
	result := e.inner.Run(ctx, spec)
	elapsed := time.Since(start)

	outcome := "success"
	if kind := result.Failure(); kind != sandbox.FailureNone {
		outcome = string(kind)
	}

	if span != nil {
		span.SetAttributes(
			attribute.Int("sandbox.exit_code", result.ExitCode),
			attribute.String("sandbox.outcome", outcome),
		)
		if !result.Success {
			span.SetStatus(codes.Error, outcome)
		}
	}

	if e.metrics != nil {
		e.metrics.SandboxExecutionsTotal.WithLabelValues(spec.Image, outcome).Inc()
		e.metrics.SandboxExecutionDuration.WithLabelValues(spec.Image).Observe(elapsed.Seconds())
	}

	// Program failures are the tool reporting bad input, not an unhealthy
	// sandbox; only launch-level failures feed the error rate.
	op := "sandbox:" + spec.Image
	switch result.Failure() {
	case sandbox.FailureNone, sandbox.FailureProgram:
		e.anomaly.RecordSuccess(op)
	default:
		e.anomaly.RecordError(op)
	}

	return result
}

var _ sandbox.Executor = (*InstrumentedExecutor)(nil)
