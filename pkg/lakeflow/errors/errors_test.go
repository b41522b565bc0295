package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

// discardLogger returns a logger that discards all output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type badInput struct{}

func (badInput) Error() string   { return "bad input" }
func (badInput) Malformed() bool { return true }

func TestCategoryString(t *testing.T) {
	tests := []struct {
		category Category
		expected string
	}{
		{CategoryTransient, "transient"},
		{CategoryPermanent, "permanent"},
		{CategoryMalformed, "malformed"},
		{Category(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.category.String(); got != tt.expected {
				t.Errorf("Category(%d).String() = %s, want %s", tt.category, got, tt.expected)
			}
		})
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"nil error", nil, CategoryPermanent},
		{"HTTP 429", &HTTPError{StatusCode: 429}, CategoryTransient},
		{"HTTP 503", &HTTPError{StatusCode: 503}, CategoryTransient},
		{"HTTP 500", &HTTPError{StatusCode: 500}, CategoryTransient},
		{"HTTP 408", &HTTPError{StatusCode: 408}, CategoryTransient},
		{"HTTP 400", &HTTPError{StatusCode: 400}, CategoryPermanent},
		{"HTTP 404", &HTTPError{StatusCode: 404}, CategoryPermanent},
		{"store unavailable", &StoreUnavailableError{Backend: "sqlite", Op: "append", Err: errors.New("busy")}, CategoryTransient},
		{"wrapped store unavailable", fmt.Errorf("append: %w", &StoreUnavailableError{Err: errors.New("x")}), CategoryTransient},
		{"timeout error", &TimeoutError{Operation: "predicate", Duration: "10s"}, CategoryTransient},
		{"deadline exceeded", fmt.Errorf("query: %w", context.DeadlineExceeded), CategoryTransient},
		{"malformed reporter", fmt.Errorf("parse: %w", badInput{}), CategoryMalformed},
		{"categorized error", &CategorizedError{Category: CategoryTransient}, CategoryTransient},
		{"unknown error", errors.New("unknown"), CategoryPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.expected {
				t.Errorf("Categorize() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestCategorizedError(t *testing.T) {
	t.Run("error message with context", func(t *testing.T) {
		err := NewCategorized(errors.New("failed"), CategoryTransient, "append")
		expected := "append: failed (category: transient, attempts: 0)"
		if got := err.Error(); got != expected {
			t.Errorf("Error() = %q, want %q", got, expected)
		}
	})

	t.Run("unwrap", func(t *testing.T) {
		inner := errors.New("inner error")
		err := NewCategorized(inner, CategoryPermanent, "test")
		if !errors.Is(err, inner) {
			t.Error("Unwrap should return inner error")
		}
	})
}

func TestErrorConstructors(t *testing.T) {
	inner := errors.New("test error")

	if err := Transient(inner, "ctx"); err.Category != CategoryTransient {
		t.Errorf("Category = %s, want transient", err.Category)
	}
	if err := Permanent(inner, "ctx"); err.Category != CategoryPermanent {
		t.Errorf("Category = %s, want permanent", err.Category)
	}
	if err := Malformed(inner, "ctx"); err.Category != CategoryMalformed {
		t.Errorf("Category = %s, want malformed", err.Category)
	}
}

func TestStoreUnavailableError(t *testing.T) {
	driver := errors.New("database is locked")
	err := &StoreUnavailableError{Backend: "sqlite", Op: "mark processed", Err: driver}

	if got := err.Error(); got != "sqlite unavailable during mark processed: database is locked" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, driver) {
		t.Error("expected driver error to unwrap")
	}
}

func TestHelperFunctions(t *testing.T) {
	if !IsRetryable(&HTTPError{StatusCode: 429}) {
		t.Error("429 should be retryable")
	}
	if IsRetryable(&HTTPError{StatusCode: 404}) {
		t.Error("404 should not be retryable")
	}
	if !IsMalformed(badInput{}) {
		t.Error("malformed reporter should be malformed")
	}
	if IsMalformed(errors.New("x")) {
		t.Error("plain error should not be malformed")
	}
}

func TestWithRetryContext(t *testing.T) {
	ctx := context.Background()

	t.Run("success on first try", func(t *testing.T) {
		calls := 0
		cfg := NewRetryConfig(WithMaxAttempts(3))
		result := WithRetryContext(ctx, cfg, func(context.Context) (string, error) {
			calls++
			return "success", nil
		})

		if result.Err != nil {
			t.Errorf("Unexpected error: %v", result.Err)
		}
		if result.Value != "success" || result.Attempts != 1 || calls != 1 {
			t.Errorf("got value=%q attempts=%d calls=%d", result.Value, result.Attempts, calls)
		}
	})

	t.Run("success on retry", func(t *testing.T) {
		calls := 0
		cfg := NewRetryConfig(WithMaxAttempts(3), WithInitialBackoff(time.Millisecond))
		result := WithRetryContext(ctx, cfg, func(context.Context) (string, error) {
			calls++
			if calls < 2 {
				return "", &StoreUnavailableError{Backend: "postgres", Op: "append", Err: errors.New("conn reset")}
			}
			return "success", nil
		})

		if result.Err != nil {
			t.Errorf("Unexpected error: %v", result.Err)
		}
		if result.Attempts != 2 {
			t.Errorf("Attempts = %d, want 2", result.Attempts)
		}
	})

	t.Run("max attempts exceeded", func(t *testing.T) {
		cfg := NewRetryConfig(WithMaxAttempts(3), WithInitialBackoff(time.Millisecond))
		result := WithRetryContext(ctx, cfg, func(context.Context) (string, error) {
			return "", &HTTPError{StatusCode: 503}
		})

		if result.Err == nil {
			t.Error("Expected error after max attempts")
		}
		if result.Attempts != 3 {
			t.Errorf("Attempts = %d, want 3", result.Attempts)
		}
	})

	t.Run("non-retryable error stops immediately", func(t *testing.T) {
		calls := 0
		cfg := NewRetryConfig(WithMaxAttempts(3))
		result := WithRetryContext(ctx, cfg, func(context.Context) (string, error) {
			calls++
			return "", badInput{}
		})

		if calls != 1 {
			t.Errorf("Calls = %d, want 1", calls)
		}
		if Categorize(result.Err) != CategoryMalformed {
			t.Errorf("expected category to survive wrapping, got %s", Categorize(result.Err))
		}
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		calls := 0
		WithRetryContext(ctx, RetryConfig{}, func(context.Context) (int, error) {
			calls++
			return 0, nil
		})
		if calls != 1 {
			t.Errorf("Calls = %d, want 1", calls)
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		result := WithRetryContext(cancelled, NewRetryConfig(), func(context.Context) (string, error) {
			return "never reached", nil
		})
		if result.Err == nil {
			t.Error("Expected error from cancelled context")
		}
	})

	t.Run("cancellation during backoff", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		calls := 0

		cfg := NewRetryConfig(WithMaxAttempts(5), WithInitialBackoff(100*time.Millisecond))
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		result := WithRetryContext(cancelled, cfg, func(context.Context) (string, error) {
			calls++
			return "", &HTTPError{StatusCode: 503}
		})
		if result.Err == nil {
			t.Error("Expected error from cancelled context")
		}
		if calls > 2 {
			t.Errorf("Calls = %d, expected <= 2", calls)
		}
	})
}

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), NewRetryConfig(WithInitialBackoff(time.Millisecond)), func(context.Context) error {
		calls++
		if calls < 3 {
			return &TimeoutError{Operation: "list events", Duration: "1s"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("Calls = %d, want 3", calls)
	}
}

func TestHandler(t *testing.T) {
	logger := discardLogger()
	fast := NewRetryConfig(WithMaxAttempts(2), WithInitialBackoff(time.Millisecond))

	t.Run("success", func(t *testing.T) {
		h := NewHandler(WithLogger(logger), WithRetryConfig(fast))
		result := h.Execute(context.Background(), func(context.Context) error { return nil })
		if result.Disposition != Succeeded || result.Err != nil {
			t.Errorf("got %s %v", result.Disposition, result.Err)
		}
	})

	t.Run("malformed goes to callback without retry", func(t *testing.T) {
		var rejected error
		calls := 0
		h := NewHandler(
			WithLogger(logger),
			WithRetryConfig(fast),
			WithOnMalformed(func(err error) { rejected = err }),
			WithOnExhausted(func(error) { t.Error("exhausted callback should not run") }),
		)
		result := h.Execute(context.Background(), func(context.Context) error {
			calls++
			return badInput{}
		})

		if result.Disposition != Rejected {
			t.Errorf("Disposition = %s, want rejected", result.Disposition)
		}
		if calls != 1 {
			t.Errorf("Calls = %d, want 1", calls)
		}
		if rejected == nil {
			t.Error("expected malformed callback")
		}
	})

	t.Run("transient exhausts retries", func(t *testing.T) {
		var exhausted error
		calls := 0
		h := NewHandler(
			WithLogger(logger),
			WithRetryConfig(fast),
			WithOnExhausted(func(err error) { exhausted = err }),
		)
		result := h.Execute(context.Background(), func(context.Context) error {
			calls++
			return &HTTPError{StatusCode: 503}
		})

		if result.Disposition != Exhausted || result.Attempts != 2 || calls != 2 {
			t.Errorf("got %s attempts=%d calls=%d", result.Disposition, result.Attempts, calls)
		}
		if exhausted == nil {
			t.Error("expected exhausted callback")
		}
	})
}

func TestDispositionString(t *testing.T) {
	for d, want := range map[Disposition]string{
		Succeeded:       "succeeded",
		Rejected:        "rejected",
		Exhausted:       "exhausted",
		Disposition(42): "unknown",
	} {
		if got := d.String(); got != want {
			t.Errorf("%d.String() = %s, want %s", d, got, want)
		}
	}
}

func TestNewRetryConfig(t *testing.T) {
	cfg := NewRetryConfig(
		WithMaxAttempts(5),
		WithInitialBackoff(2*time.Second),
		WithMaxBackoff(60*time.Second),
		WithBackoffFactor(3.0),
		WithJitter(0.2),
	)

	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.InitialBackoff != 2*time.Second {
		t.Errorf("InitialBackoff = %v, want 2s", cfg.InitialBackoff)
	}
	if cfg.MaxBackoff != 60*time.Second {
		t.Errorf("MaxBackoff = %v, want 60s", cfg.MaxBackoff)
	}
	if cfg.BackoffFactor != 3.0 {
		t.Errorf("BackoffFactor = %f, want 3.0", cfg.BackoffFactor)
	}
	if cfg.Jitter != 0.2 {
		t.Errorf("Jitter = %f, want 0.2", cfg.Jitter)
	}
}

func TestRetryConfig_Delay(t *testing.T) {
	cfg := NewRetryConfig(
		WithInitialBackoff(10*time.Millisecond),
		WithMaxBackoff(50*time.Millisecond),
		WithBackoffFactor(2),
		WithJitter(0),
	)
	want := []time.Duration{10, 20, 40, 50, 50}
	for i, w := range want {
		if got := cfg.Delay(i + 1); got != w*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}

	jittered := NewRetryConfig(WithInitialBackoff(100*time.Millisecond), WithJitter(0.5))
	for i := 0; i < 20; i++ {
		d := jittered.Delay(1)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("Delay(1) = %v outside jitter bounds", d)
		}
	}
}
