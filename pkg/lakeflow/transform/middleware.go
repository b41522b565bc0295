package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/bus"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/reference"
)

// Middleware is the generic Transform middleware: it evaluates its logic
// over each received event and publishes whatever comes out.
type Middleware struct {
	name     string
	eval     *Evaluator
	out      bus.Publisher
	resolver *reference.Resolver
	logger   *slog.Logger
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithResolver sets the resolver used to fetch composite documents.
// Register a blob fetcher on it to expand aggregates written by reducers.
func WithResolver(r *reference.Resolver) MiddlewareOption {
	return func(m *Middleware) {
		if r != nil {
			m.resolver = r
		}
	}
}

// WithMiddlewareLogger sets the logger.
func WithMiddlewareLogger(logger *slog.Logger) MiddlewareOption {
	return func(m *Middleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMiddleware creates a middleware named name that publishes to out.
func NewMiddleware(name string, eval *Evaluator, out bus.Publisher, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		name:   name,
		eval:   eval,
		out:    out,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.resolver == nil {
		m.resolver = reference.NewResolver(reference.WithLogger(m.logger))
	}
	return m
}

// Name returns the middleware name.
func (m *Middleware) Name() string {
	return m.name
}

// Handle processes one event. Composite documents are expanded into their
// constituent events first. Outputs that reuse an input's id are given a
// fresh one, outputs without a chain inherit the input's, and each output
// records this middleware on its call stack before being published.
func (m *Middleware) Handle(ctx context.Context, evt *event.Event) error {
	inputs, err := m.expand(ctx, evt)
	if err != nil {
		return err
	}

	outputs, err := m.eval.Evaluate(ctx, inputs)
	if err != nil {
		return fmt.Errorf("%s: %w", m.name, err)
	}

	seen := make(map[string]bool, len(inputs)+1)
	seen[evt.ID] = true
	for _, in := range inputs {
		seen[in.ID] = true
	}

	for _, out := range outputs {
		if out == nil {
			continue
		}
		if seen[out.ID] || out.ID == "" {
			out = out.Derive()
		}
		seen[out.ID] = true
		if out.Data.ChainID == "" {
			out.Data.ChainID = evt.ChainID()
		}
		out.PushCallStack(m.name)

		if err := m.out.Publish(ctx, out); err != nil {
			return fmt.Errorf("%s: publish %s: %w", m.name, out.ID, err)
		}
	}

	m.logger.Debug("transform applied",
		slog.String("middleware", m.name),
		slog.String("event_id", evt.ID),
		slog.Int("inputs", len(inputs)),
		slog.Int("outputs", len(outputs)),
	)
	return nil
}

// expand returns the events a composite document holds, or evt itself.
func (m *Middleware) expand(ctx context.Context, evt *event.Event) ([]*event.Event, error) {
	doc := evt.Data.Document
	if doc.Type != event.CompositeType {
		return []*event.Event{evt}, nil
	}

	data, err := m.resolver.Fetch(ctx, doc.URL)
	if errors.Is(err, reference.ErrNoFetcher) {
		return nil, &event.MalformedError{EventID: evt.ID, Reason: "composite document in an unreadable location", Err: err}
	}
	if err != nil {
		return nil, err
	}
	events, err := ParseComposite(data)
	if err != nil {
		return nil, &event.MalformedError{EventID: evt.ID, Reason: "unreadable composite document", Err: err}
	}
	return events, nil
}

// ParseComposite decodes a composite document body: a JSON array of events.
func ParseComposite(data []byte) ([]*event.Event, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode composite: %w", err)
	}
	events := make([]*event.Event, 0, len(items))
	for i, item := range items {
		evt, err := event.Parse(item)
		if err != nil {
			return nil, fmt.Errorf("composite item %d: %w", i, err)
		}
		events = append(events, evt)
	}
	return events, nil
}
