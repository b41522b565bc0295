package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records lakeflow metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordAppend records a sibling event append; duplicate marks an
	// event id the chain already held.
	RecordAppend(ctx context.Context, reducer string, duplicate bool)

	// RecordCompletion records a completion attempt that passed its
	// predicate. won reports whether this caller claimed the chain.
	RecordCompletion(ctx context.Context, reducer string, won bool, eventCount int)

	// RecordPredicate records a completion predicate evaluation.
	RecordPredicate(ctx context.Context, reducer string, duration time.Duration, err error)

	// RecordEmitFailure records an aggregate that could not be emitted.
	RecordEmitFailure(ctx context.Context, reducer string)

	// RecordDeadLetter records a message moved to the dead-letter queue.
	RecordDeadLetter(ctx context.Context, topic string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	appended         metric.Int64Counter
	duplicates       metric.Int64Counter
	completed        metric.Int64Counter
	racesLost        metric.Int64Counter
	predicateLatency metric.Float64Histogram
	predicateErrors  metric.Int64Counter
	emitFailures     metric.Int64Counter
	aggregateSize    metric.Int64Histogram
	deadLettered     metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter("lakeflow"))
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates the instruments on meter.
func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	m := &otelMetrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.appended, "lakeflow.events.appended", "Sibling events recorded in the correlation store"},
		{&m.duplicates, "lakeflow.events.duplicates", "Redelivered events ignored by idempotent append"},
		{&m.completed, "lakeflow.chains.completed", "Chains claimed and reduced"},
		{&m.racesLost, "lakeflow.completion.races_lost", "Completion checks that found the chain already claimed"},
		{&m.predicateErrors, "lakeflow.predicate.errors", "Completion predicate failures"},
		{&m.emitFailures, "lakeflow.emit.failures", "Aggregates lost after the chain was claimed"},
		{&m.deadLettered, "lakeflow.bus.dead_lettered", "Messages moved to the dead-letter queue"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	m.predicateLatency, err = meter.Float64Histogram("lakeflow.predicate.latency_ms",
		metric.WithDescription("Completion predicate latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.aggregateSize, err = meter.Int64Histogram("lakeflow.aggregate.size_events",
		metric.WithDescription("Number of events in an emitted aggregate"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderWithMeter returns a recorder bound to a specific meter,
// bypassing the global provider. Tests use it with a ManualReader.
func NewMetricsRecorderWithMeter(meter metric.Meter) (MetricsRecorder, error) {
	return newOtelMetrics(meter)
}

func reducerAttr(reducer string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("reducer", reducer))
}

// RecordAppend records a sibling append.
func (m *otelMetrics) RecordAppend(ctx context.Context, reducer string, duplicate bool) {
	if duplicate {
		m.duplicates.Add(ctx, 1, reducerAttr(reducer))
		return
	}
	m.appended.Add(ctx, 1, reducerAttr(reducer))
}

// RecordCompletion records a completion attempt.
func (m *otelMetrics) RecordCompletion(ctx context.Context, reducer string, won bool, eventCount int) {
	if !won {
		m.racesLost.Add(ctx, 1, reducerAttr(reducer))
		return
	}
	m.completed.Add(ctx, 1, reducerAttr(reducer))
	m.aggregateSize.Record(ctx, int64(eventCount), reducerAttr(reducer))
}

// RecordPredicate records a predicate evaluation.
func (m *otelMetrics) RecordPredicate(ctx context.Context, reducer string, duration time.Duration, err error) {
	m.predicateLatency.Record(ctx, float64(duration.Microseconds())/1000, reducerAttr(reducer))
	if err != nil {
		m.predicateErrors.Add(ctx, 1, reducerAttr(reducer))
	}
}

// RecordEmitFailure records a lost aggregate.
func (m *otelMetrics) RecordEmitFailure(ctx context.Context, reducer string) {
	m.emitFailures.Add(ctx, 1, reducerAttr(reducer))
}

// RecordDeadLetter records a dead-lettered message.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, topic string) {
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
