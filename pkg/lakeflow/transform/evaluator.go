package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	lferrors "github.com/randalmurphal/lakeflow/pkg/lakeflow/errors"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/observability"
)

// purpose tells a runner which question is being asked.
type purpose int

const (
	purposeTransform purpose = iota
	purposePredicate
)

// runner executes user logic in one mode.
type runner interface {
	run(ctx context.Context, p purpose, in Input) (any, error)
}

// Evaluator runs the logic described by a Spec.
type Evaluator struct {
	spec    Spec
	runner  runner
	timeout time.Duration
	logger  *slog.Logger
	spans   observability.SpanManager
}

type settings struct {
	registry *Registry
	invoker  Invoker
	logger   *slog.Logger
	spans    observability.SpanManager
}

// Option configures an Evaluator or Predicate.
type Option func(*settings)

// WithRegistry sets the registry used in handler mode.
func WithRegistry(r *Registry) Option {
	return func(s *settings) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithInvoker sets the remote invoker, replacing the HTTP invoker built
// from the spec's endpoint.
func WithInvoker(inv Invoker) Option {
	return func(s *settings) {
		s.invoker = inv
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSpanManager enables tracing of evaluations.
func WithSpanManager(spans observability.SpanManager) Option {
	return func(s *settings) {
		if spans != nil {
			s.spans = spans
		}
	}
}

// NewEvaluator validates spec and prepares its runner. Handler names are
// resolved and CUE programs compiled here, so configuration mistakes fail
// at wiring time rather than on the first event.
func NewEvaluator(spec Spec, opts ...Option) (*Evaluator, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	s := settings{
		registry: DefaultRegistry,
		logger:   slog.Default(),
		spans:    observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(&s)
	}

	var (
		r   runner
		err error
	)
	switch spec.Mode {
	case ModeHandler:
		h, ok := s.registry.Lookup(spec.Handler)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, spec.Handler)
		}
		r = handlerRunner(h)
	case ModeCUE:
		r, err = newCUERunner(spec.Source)
	case ModeExpr:
		r, err = newExprRunner(spec.Source)
	case ModeRemote:
		inv := s.invoker
		if inv == nil {
			if spec.Endpoint == "" {
				return nil, fmt.Errorf("%w: remote mode needs an endpoint or invoker", ErrInvalidSpec)
			}
			inv = NewHTTPInvoker(spec.Endpoint, &http.Client{Timeout: spec.timeout()})
		}
		r = &remoteRunner{function: spec.Function, invoker: inv}
	}
	if err != nil {
		return nil, err
	}

	return &Evaluator{
		spec:    spec,
		runner:  r,
		timeout: spec.timeout(),
		logger:  s.logger,
		spans:   s.spans,
	}, nil
}

// Spec returns the evaluator's spec.
func (e *Evaluator) Spec() Spec {
	return e.spec
}

// Evaluate transforms events. The inputs are copied, so user logic cannot
// alter the caller's events.
func (e *Evaluator) Evaluate(ctx context.Context, events []*event.Event) (out []*event.Event, err error) {
	ctx, span := e.spans.StartEvaluateSpan(ctx, string(e.spec.Mode), len(events))
	defer func() { e.spans.EndSpanWithError(span, err) }()

	in := Input{Events: cloneAll(events)}
	if len(in.Events) > 0 {
		in.Latest = in.Events[len(in.Events)-1]
	}

	raw, err := e.exec(ctx, purposeTransform, in)
	if err != nil {
		return nil, err
	}
	return asEvents(raw)
}

// test runs a predicate evaluation.
func (e *Evaluator) test(ctx context.Context, latest *event.Event, all []*event.Event) (ok bool, err error) {
	ctx, span := e.spans.StartEvaluateSpan(ctx, string(e.spec.Mode), len(all))
	defer func() { e.spans.EndSpanWithError(span, err) }()

	latest = latest.Clone()
	raw, err := e.exec(ctx, purposePredicate, Input{
		Events:   []*event.Event{latest},
		Siblings: cloneAll(all),
		Latest:   latest,
	})
	if err != nil {
		return false, err
	}
	return asBool(raw)
}

// exec runs the logic under the evaluation timeout. A runner that ignores
// its context is abandoned when the timeout passes.
func (e *Evaluator) exec(ctx context.Context, p purpose, in Input) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		v, err := e.runner.run(ctx, p, in)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, e.timeoutError()
		}
		return o.value, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, e.timeoutError()
		}
		return nil, ctx.Err()
	}
}

func (e *Evaluator) timeoutError() error {
	return &lferrors.TimeoutError{
		Operation: fmt.Sprintf("%s evaluation", e.spec.Mode),
		Duration:  e.timeout.String(),
	}
}

func handlerRunner(h Handler) runner {
	return runnerFunc(func(ctx context.Context, _ purpose, in Input) (any, error) {
		return h(ctx, in)
	})
}

type runnerFunc func(ctx context.Context, p purpose, in Input) (any, error)

func (f runnerFunc) run(ctx context.Context, p purpose, in Input) (any, error) {
	return f(ctx, p, in)
}

func cloneAll(events []*event.Event) []*event.Event {
	out := make([]*event.Event, 0, len(events))
	for _, evt := range events {
		if evt != nil {
			out = append(out, evt.Clone())
		}
	}
	return out
}

// asEvents coerces a transform result. JSON results, from CUE programs and
// remote functions, may be an array of events, a single event or null.
func asEvents(v any) ([]*event.Event, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case *event.Event:
		if r == nil {
			return nil, nil
		}
		return []*event.Event{r}, nil
	case []*event.Event:
		return r, nil
	case event.Event:
		return []*event.Event{&r}, nil
	case []event.Event:
		out := make([]*event.Event, len(r))
		for i := range r {
			out[i] = &r[i]
		}
		return out, nil
	case json.RawMessage:
		return decodeEvents(r)
	default:
		return nil, fmt.Errorf("%w: transform returned %T", ErrInvalidResult, v)
	}
}

func decodeEvents(data json.RawMessage) ([]*event.Event, error) {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return nil, nil
	case data[0] == '{':
		evt, err := event.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResult, err)
		}
		return []*event.Event{evt}, nil
	case data[0] == '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResult, err)
		}
		out := make([]*event.Event, 0, len(items))
		for i, item := range items {
			evt, err := event.Parse(item)
			if err != nil {
				return nil, fmt.Errorf("%w: item %d: %v", ErrInvalidResult, i, err)
			}
			out = append(out, evt)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: expected events, got %s", ErrInvalidResult, truncate(data))
	}
}

// asBool coerces a predicate result. Only real booleans count.
func asBool(v any) (bool, error) {
	switch r := v.(type) {
	case bool:
		return r, nil
	case json.RawMessage:
		var b bool
		if err := json.Unmarshal(bytes.TrimSpace(r), &b); err != nil {
			return false, fmt.Errorf("%w: predicate returned %s", ErrInvalidResult, truncate(r))
		}
		return b, nil
	default:
		return false, fmt.Errorf("%w: predicate returned %T", ErrInvalidResult, v)
	}
}

func truncate(data []byte) string {
	const limit = 64
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
