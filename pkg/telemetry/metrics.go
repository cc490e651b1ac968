package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ExecutionOutcome classifies how a decision execution ended.
type ExecutionOutcome string

const (
	OutcomeSuccess     ExecutionOutcome = "success"
	OutcomeError       ExecutionOutcome = "error"
	OutcomeTimeout     ExecutionOutcome = "timeout"
	OutcomeCircuitOpen ExecutionOutcome = "circuit_open"
	OutcomeRateLimited ExecutionOutcome = "rate_limited"
	OutcomeRejected    ExecutionOutcome = "resource_rejected"
	OutcomeFallback    ExecutionOutcome = "fallback"
)

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	executionCounter        metric.Int64Counter
	fallbackCounter         metric.Int64Counter
	circuitOpenCounter      metric.Int64Counter
	rateLimitedCounter      metric.Int64Counter
	resourceRejectedCounter metric.Int64Counter
	latencyHistogram        metric.Float64Histogram
	degradationHistogram    metric.Float64Histogram
)

// ExecutionMetrics captures the fields needed to record one decision execution.
type ExecutionMetrics struct {
	Component string
	Tier      int
	Outcome   ExecutionOutcome
	Duration  time.Duration
	// FallbackDepth and QualityDegradation are set when the execution was
	// resolved through the fallback ladder.
	FallbackDepth      int
	QualityDegradation float64
}

// RecordExecution emits counters and histograms describing decision execution
// behaviour.
func RecordExecution(ctx context.Context, metrics ExecutionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("component.name", metrics.Component),
		attribute.Int("component.tier", metrics.Tier),
		attribute.String("execution.outcome", string(metrics.Outcome)),
	}

	executionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		latencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	switch metrics.Outcome {
	case OutcomeCircuitOpen:
		circuitOpenCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case OutcomeRateLimited:
		rateLimitedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case OutcomeRejected:
		resourceRejectedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case OutcomeFallback:
		fallbackCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		degradationHistogram.Record(ctx, metrics.QualityDegradation, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("arbiter.orchestrator")

		executionCounter, metricsInitErr = meter.Int64Counter(
			"arbiter.executions_total",
			metric.WithDescription("Decision executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		fallbackCounter, metricsInitErr = meter.Int64Counter(
			"arbiter.fallbacks_total",
			metric.WithDescription("Executions resolved through the fallback ladder"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		circuitOpenCounter, metricsInitErr = meter.Int64Counter(
			"arbiter.circuit_open_total",
			metric.WithDescription("Executions skipped because the component breaker was open"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		rateLimitedCounter, metricsInitErr = meter.Int64Counter(
			"arbiter.rate_limited_total",
			metric.WithDescription("Executions rejected by the per-component throttle"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		resourceRejectedCounter, metricsInitErr = meter.Int64Counter(
			"arbiter.resource_rejected_total",
			metric.WithDescription("Executions rejected by resource admission control"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		latencyHistogram, metricsInitErr = meter.Float64Histogram(
			"arbiter.execution_duration_ms",
			metric.WithDescription("Observed decision execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		degradationHistogram, metricsInitErr = meter.Float64Histogram(
			"arbiter.fallback_degradation",
			metric.WithDescription("Quality degradation of fallback-resolved decisions"),
			metric.WithUnit("1"),
		)
	})

	return metricsInitErr
}

// RecordFallbackEvent attaches a coarse-grained fallback event to the provided
// span without leaking request payloads.
func RecordFallbackEvent(span trace.Span, original, substitute string, depth int, degradation float64) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.AddEvent("fallback.resolved", trace.WithAttributes(
		attribute.String("fallback.original", original),
		attribute.String("fallback.substitute", substitute),
		attribute.Int("fallback.depth", depth),
		attribute.Float64("fallback.degradation", degradation),
	))
}
