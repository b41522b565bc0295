package reducer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/config"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/transform"
)

// Type names a completion strategy.
type Type string

// Strategy types, as written in pipeline configuration.
const (
	StaticCounter Type = "STATIC_COUNTER"
	TimeWindow    Type = "TIME_WINDOW"
	Conditional   Type = "CONDITIONAL"
)

// ErrInvalidStrategy is returned for unusable strategy descriptors.
var ErrInvalidStrategy = errors.New("invalid reducer strategy")

// Strategy decides when a chain is complete. It is fixed at configuration
// time.
type Strategy struct {
	Type Type

	// EventCount is the static counter threshold.
	EventCount int

	// Window and Jitter time a TIME_WINDOW chain from its creation. The
	// timer fires after Window plus a random delay in [0, Jitter].
	Window time.Duration
	Jitter time.Duration

	// Expression is the CONDITIONAL completion predicate.
	Expression *transform.Spec
}

// NewStaticCounter completes a chain once it holds n events.
func NewStaticCounter(n int) Strategy {
	return Strategy{Type: StaticCounter, EventCount: n}
}

// NewTimeWindow completes a chain when its window closes.
func NewTimeWindow(window, jitter time.Duration) Strategy {
	return Strategy{Type: TimeWindow, Window: window, Jitter: jitter}
}

// NewConditional completes a chain once the predicate holds.
func NewConditional(spec transform.Spec) Strategy {
	return Strategy{Type: Conditional, Expression: &spec}
}

// Validate checks the type-specific fields.
func (s Strategy) Validate() error {
	switch s.Type {
	case StaticCounter:
		if s.EventCount < 1 {
			return fmt.Errorf("%w: eventCount must be at least 1, got %d", ErrInvalidStrategy, s.EventCount)
		}
	case TimeWindow:
		if s.Window <= 0 {
			return fmt.Errorf("%w: timeWindow must be positive", ErrInvalidStrategy)
		}
		if s.Jitter < 0 {
			return fmt.Errorf("%w: jitter must not be negative", ErrInvalidStrategy)
		}
	case Conditional:
		if s.Expression == nil {
			return fmt.Errorf("%w: conditional strategy needs an expression", ErrInvalidStrategy)
		}
		if err := s.Expression.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidStrategy, err)
		}
	default:
		return fmt.Errorf("%w: unknown reduceType %q", ErrInvalidStrategy, s.Type)
	}
	return nil
}

// wireStrategy is the configuration form. Durations are seconds.
type wireStrategy struct {
	ReduceType Type            `json:"reduceType"`
	EventCount int             `json:"eventCount,omitempty"`
	TimeWindow float64         `json:"timeWindow,omitempty"`
	Jitter     float64         `json:"jitter,omitempty"`
	Expression *transform.Spec `json:"expression,omitempty"`
}

// MarshalJSON encodes the configuration form.
func (s Strategy) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireStrategy{
		ReduceType: s.Type,
		EventCount: s.EventCount,
		TimeWindow: s.Window.Seconds(),
		Jitter:     s.Jitter.Seconds(),
		Expression: s.Expression,
	})
}

// UnmarshalJSON decodes the configuration form without validating it.
func (s *Strategy) UnmarshalJSON(data []byte) error {
	var w wireStrategy
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Strategy{
		Type:       w.ReduceType,
		EventCount: w.EventCount,
		Window:     seconds(w.TimeWindow),
		Jitter:     seconds(w.Jitter),
		Expression: w.Expression,
	}
	return nil
}

// ParseStrategy decodes and validates a JSON strategy descriptor.
func ParseStrategy(data []byte) (Strategy, error) {
	var s Strategy
	if err := json.Unmarshal(data, &s); err != nil {
		return Strategy{}, fmt.Errorf("%w: %v", ErrInvalidStrategy, err)
	}
	if err := s.Validate(); err != nil {
		return Strategy{}, err
	}
	return s, nil
}

// StrategyFromConfig reads a strategy from a pipeline config section.
// timeWindow and jitter accept seconds or duration strings; expression is
// a nested transform spec.
func StrategyFromConfig(cfg config.Config) (Strategy, error) {
	s := Strategy{
		Type:       Type(cfg.String("reduceType", "")),
		EventCount: cfg.Int("eventCount", 0),
		Window:     cfg.Duration("timeWindow", 0),
		Jitter:     cfg.Duration("jitter", 0),
	}
	if cfg.Has("expression") {
		spec, err := transform.SpecFromConfig(cfg.Section("expression"))
		if err != nil {
			return Strategy{}, fmt.Errorf("%w: expression: %w", ErrInvalidStrategy, err)
		}
		s.Expression = &spec
	}
	if err := s.Validate(); err != nil {
		return Strategy{}, err
	}
	return s, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
