// Package observability provides the structured logging, metrics, and
// tracing helpers shared by lakeflow components.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// The Log* helpers accept a nil logger and do nothing.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds chain context to a logger.
// Returns a new logger with reducer and chain_id fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "translations", "chain-123")
//	enriched.Info("appending") // includes reducer, chain_id
func EnrichLogger(logger *slog.Logger, reducer, chainID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("reducer", reducer),
		slog.String("chain_id", chainID),
	)
}

// LogAppend logs a sibling event being recorded for a chain.
func LogAppend(logger *slog.Logger, eventID string, appended, chainCreated bool) {
	if logger == nil {
		return
	}
	if !appended {
		logger.Debug("duplicate event ignored",
			slog.String("event_id", eventID),
		)
		return
	}
	logger.Debug("event appended",
		slog.String("event_id", eventID),
		slog.Bool("chain_created", chainCreated),
	)
}

// LogChainCompleted logs a chain's aggregate being emitted.
func LogChainCompleted(logger *slog.Logger, aggregateID string, eventCount int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("chain completed",
		slog.String("aggregate_id", aggregateID),
		slog.Int("event_count", eventCount),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogCompletionLost logs a completion check that lost the STATUS race.
func LogCompletionLost(logger *slog.Logger, trigger string) {
	if logger == nil {
		return
	}
	logger.Debug("completion already claimed",
		slog.String("trigger", trigger),
	)
}

// LogPredicateError logs a completion predicate failure. The check counts
// as not complete.
func LogPredicateError(logger *slog.Logger, eventID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("completion predicate failed",
		slog.String("event_id", eventID),
		slog.String("error", err.Error()),
	)
}

// LogEmitFailed logs an aggregate that could not be emitted after the
// chain was marked processed. The chain stays processed.
func LogEmitFailed(logger *slog.Logger, stage string, err error) {
	if logger == nil {
		return
	}
	logger.Error("aggregate emission failed, chain left processed",
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
}

// LogDeadLettered logs a message moved to the dead-letter queue.
func LogDeadLettered(logger *slog.Logger, topic, subscriber, eventID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("message dead-lettered",
		slog.String("topic", topic),
		slog.String("subscriber", subscriber),
		slog.String("event_id", eventID),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
