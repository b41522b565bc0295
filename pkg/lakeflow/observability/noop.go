package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

// RecordAppend does nothing.
func (NoopMetrics) RecordAppend(context.Context, string, bool) {}

// RecordCompletion does nothing.
func (NoopMetrics) RecordCompletion(context.Context, string, bool, int) {}

// RecordPredicate does nothing.
func (NoopMetrics) RecordPredicate(context.Context, string, time.Duration, error) {}

// RecordEmitFailure does nothing.
func (NoopMetrics) RecordEmitFailure(context.Context, string) {}

// RecordDeadLetter does nothing.
func (NoopMetrics) RecordDeadLetter(context.Context, string) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartReduceSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartReduceSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartEvaluateSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartEvaluateSpan(ctx context.Context, _ string, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
