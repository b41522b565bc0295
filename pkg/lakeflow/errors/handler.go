package errors

import (
	"context"
	"log/slog"
)

// Disposition is the outcome of a handled execution.
type Disposition int

const (
	// Succeeded means fn eventually returned nil.
	Succeeded Disposition = iota

	// Rejected means the input was malformed and was handed to the
	// malformed callback without retrying.
	Rejected

	// Exhausted means retries ran out, or the error was permanent.
	Exhausted
)

// String returns the disposition name.
func (d Disposition) String() string {
	switch d {
	case Succeeded:
		return "succeeded"
	case Rejected:
		return "rejected"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Handler coordinates retry and failure routing for message handlers.
type Handler struct {
	retry       RetryConfig
	logger      *slog.Logger
	onMalformed func(err error)
	onExhausted func(err error)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// NewHandler creates a new error handler with the given options.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		retry:  DeliveryRetry,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) HandlerOption {
	return func(h *Handler) {
		h.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithOnMalformed sets a callback for malformed input, typically a
// dead-letter write.
func WithOnMalformed(fn func(err error)) HandlerOption {
	return func(h *Handler) {
		h.onMalformed = fn
	}
}

// WithOnExhausted sets a callback for when retries are exhausted or the
// error is permanent.
func WithOnExhausted(fn func(err error)) HandlerOption {
	return func(h *Handler) {
		h.onExhausted = fn
	}
}

// ExecuteResult contains the result of a handled execution.
type ExecuteResult struct {
	// Err is the error if failed.
	Err error

	// Attempts is the total number of attempts made.
	Attempts int

	// Disposition tells how the execution ended.
	Disposition Disposition
}

// Execute runs fn, retrying transient errors. Malformed errors are routed to
// the malformed callback immediately; anything else that still fails is
// routed to the exhausted callback.
func (h *Handler) Execute(ctx context.Context, fn func(ctx context.Context) error) ExecuteResult {
	retry := h.retry
	retry.RetryableFunc = func(err error) bool {
		return Categorize(err) == CategoryTransient
	}

	result := WithRetryContext(ctx, retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	if result.Err == nil {
		return ExecuteResult{Attempts: result.Attempts, Disposition: Succeeded}
	}

	if Categorize(result.Err) == CategoryMalformed {
		h.logger.Warn("rejecting malformed input", "error", result.Err)
		if h.onMalformed != nil {
			h.onMalformed(result.Err)
		}
		return ExecuteResult{Err: result.Err, Attempts: result.Attempts, Disposition: Rejected}
	}

	h.logger.Error("handler failed",
		"error", result.Err,
		"attempts", result.Attempts,
		"category", Categorize(result.Err).String(),
	)
	if h.onExhausted != nil {
		h.onExhausted(result.Err)
	}
	return ExecuteResult{Err: result.Err, Attempts: result.Attempts, Disposition: Exhausted}
}
