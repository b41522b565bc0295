package transform

import (
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/config"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/expr"
)

// Mode selects how user logic runs.
type Mode string

// Execution modes.
const (
	ModeHandler Mode = "handler"
	ModeCUE     Mode = "cue"
	ModeExpr    Mode = "expr"
	ModeRemote  Mode = "remote"
)

// DefaultTimeout bounds an evaluation when the spec sets none.
const DefaultTimeout = 10 * time.Second

// Sentinel errors for evaluation.
var (
	ErrUnknownMode     = errors.New("unknown transform mode")
	ErrUnknownHandler  = errors.New("unknown transform handler")
	ErrInvalidSpec     = errors.New("invalid transform spec")
	ErrInvalidResult   = errors.New("invalid evaluation result")
	ErrForbiddenImport = errors.New("import not allowed in sandbox")
	ErrPanic           = errors.New("evaluation panicked")
)

// Spec describes user logic and where it runs.
type Spec struct {
	Mode Mode `json:"mode"`

	// Handler names a registered function (handler mode).
	Handler string `json:"handler,omitempty"`

	// Source is the CUE program or expression text (cue and expr modes).
	Source string `json:"source,omitempty"`

	// Endpoint and Function address the remote function (remote mode).
	Endpoint string `json:"endpoint,omitempty"`
	Function string `json:"function,omitempty"`

	// Timeout bounds one evaluation. Zero means DefaultTimeout.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Validate checks that the fields required by the mode are present.
func (s Spec) Validate() error {
	if s.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidSpec)
	}
	switch s.Mode {
	case ModeHandler:
		if s.Handler == "" {
			return fmt.Errorf("%w: handler mode needs a handler name", ErrInvalidSpec)
		}
	case ModeCUE:
		if s.Source == "" {
			return fmt.Errorf("%w: cue mode needs source", ErrInvalidSpec)
		}
	case ModeExpr:
		if err := expr.Validate(s.Source); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
	case ModeRemote:
		if s.Function == "" {
			return fmt.Errorf("%w: remote mode needs a function name", ErrInvalidSpec)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, s.Mode)
	}
	return nil
}

func (s Spec) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

// SpecFromConfig reads a spec from a pipeline config section. Timeouts
// accept duration strings or seconds.
func SpecFromConfig(cfg config.Config) (Spec, error) {
	s := Spec{
		Mode:     Mode(cfg.String("mode", "")),
		Handler:  cfg.String("handler", ""),
		Source:   cfg.String("source", ""),
		Endpoint: cfg.String("endpoint", ""),
		Function: cfg.String("function", ""),
		Timeout:  cfg.Duration("timeout", 0),
	}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}
