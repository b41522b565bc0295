// Package reducer correlates sibling events by chain and emits exactly one
// aggregate event per chain.
//
// Every strategy shares one state machine, pending then processed, kept in
// a correlation.Store. Strategies differ only in when the completion check
// runs and what it tests:
//
//   - STATIC_COUNTER checks on every append: complete once the chain holds
//     the configured number of events.
//   - TIME_WINDOW schedules one firing when the chain is created; whatever
//     arrived by then is the result.
//   - CONDITIONAL checks on every append by evaluating a user predicate over
//     the latest event and all stored siblings. Predicate failures count as
//     "not yet".
//
// Checks may run many times per chain. The store's conditional MarkProcessed
// lets exactly one caller through to reduce: list the chain, write the
// events as one composite document to the blob store, and publish an
// aggregate event pointing at it.
package reducer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/blob"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/bus"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/correlation"
	lferrors "github.com/randalmurphal/lakeflow/pkg/lakeflow/errors"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/observability"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/transform"
)

// ErrFireUnsupported is returned by Fire for strategies without a timer.
var ErrFireUnsupported = errors.New("fire is only supported by TIME_WINDOW reducers")

// EmitError reports a failure after this reducer won completion. The chain
// stays processed and no aggregate is emitted.
type EmitError struct {
	ChainID string
	Stage   string // list, store or publish
	Err     error
}

// Error implements the error interface.
func (e *EmitError) Error() string {
	return fmt.Sprintf("chain %s: aggregate %s failed: %v", e.ChainID, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *EmitError) Unwrap() error {
	return e.Err
}

// Outcome describes what handling one event or firing did.
type Outcome struct {
	// Appended is false for a redelivered event id.
	Appended bool

	// Aggregate is the emitted event when this call completed the chain.
	Aggregate *event.Event
}

// Reducer applies a strategy to incoming events.
type Reducer struct {
	name      string
	strategy  Strategy
	store     correlation.Store
	blobs     blob.Store
	out       bus.Publisher
	predicate *transform.Predicate
	scheduler Scheduler

	logger       *slog.Logger
	metrics      observability.MetricsRecorder
	spans        observability.SpanManager
	transformOps []transform.Option
	freshChainID bool
	jitter       func(limit time.Duration) time.Duration
}

// Option configures a Reducer.
type Option func(*Reducer)

// WithName names the reducer in logs, metrics, spans and call stacks.
// Default: "reducer".
func WithName(name string) Option {
	return func(r *Reducer) {
		if name != "" {
			r.name = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reducer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(r *Reducer) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithSpanManager enables tracing.
func WithSpanManager(s observability.SpanManager) Option {
	return func(r *Reducer) {
		if s != nil {
			r.spans = s
		}
	}
}

// WithScheduler sets the TIME_WINDOW scheduler. Default: a LocalScheduler.
func WithScheduler(s Scheduler) Option {
	return func(r *Reducer) {
		r.scheduler = s
	}
}

// WithFreshChainID gives aggregates a new chain id instead of the chain's
// own, so that a downstream reducer starts a separate chain.
func WithFreshChainID() Option {
	return func(r *Reducer) {
		r.freshChainID = true
	}
}

// WithTransformOptions passes options, such as a handler registry, to the
// CONDITIONAL predicate.
func WithTransformOptions(opts ...transform.Option) Option {
	return func(r *Reducer) {
		r.transformOps = append(r.transformOps, opts...)
	}
}

// New creates a reducer that stores chains in store, writes aggregate
// payloads to blobs and publishes aggregates to out.
func New(strategy Strategy, store correlation.Store, blobs blob.Store, out bus.Publisher, opts ...Option) (*Reducer, error) {
	if err := strategy.Validate(); err != nil {
		return nil, err
	}
	if store == nil || blobs == nil || out == nil {
		return nil, errors.New("reducer needs a store, a blob store and a publisher")
	}

	r := &Reducer{
		name:     "reducer",
		strategy: strategy,
		store:    store,
		blobs:    blobs,
		out:      out,
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		jitter: func(limit time.Duration) time.Duration {
			return rand.N(limit + 1)
		},
	}
	for _, opt := range opts {
		opt(r)
	}

	switch strategy.Type {
	case Conditional:
		topts := append([]transform.Option{
			transform.WithLogger(r.logger),
			transform.WithSpanManager(r.spans),
		}, r.transformOps...)
		pred, err := transform.NewPredicate(*strategy.Expression, topts...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidStrategy, err)
		}
		r.predicate = pred
	case TimeWindow:
		if r.scheduler == nil {
			r.scheduler = NewLocalScheduler(r.logger)
		}
	}
	return r, nil
}

// Name returns the reducer name.
func (r *Reducer) Name() string {
	return r.name
}

// Strategy returns the reducer's strategy.
func (r *Reducer) Strategy() Strategy {
	return r.strategy
}

// Status returns the chain's state as this reducer stores it.
func (r *Reducer) Status(ctx context.Context, chainID string) (correlation.ChainStatus, error) {
	return r.store.Status(ctx, chainID)
}

// Handle processes one event. It has the bus.Handler signature.
func (r *Reducer) Handle(ctx context.Context, evt *event.Event) error {
	_, err := r.Process(ctx, evt)
	return err
}

// Process appends evt to its chain and runs the strategy's completion
// check. Redelivered events are not counted again but still trigger the
// check, so a delivery retried after a transient failure can finish the
// work it started.
func (r *Reducer) Process(ctx context.Context, evt *event.Event) (out Outcome, err error) {
	if err := evt.Validate(); err != nil {
		return Outcome{}, err
	}

	chainID := evt.ChainID()
	logger := observability.EnrichLogger(r.logger, r.name, chainID)
	ctx, span := r.spans.StartReduceSpan(ctx, r.name, chainID)
	defer func() { r.spans.EndSpanWithError(span, err) }()

	res, err := r.store.AppendEvent(ctx, chainID, evt)
	if err != nil {
		return Outcome{}, fmt.Errorf("append %s: %w", evt.ID, err)
	}
	out.Appended = res.Appended
	observability.LogAppend(logger, evt.ID, res.Appended, res.ChainCreated)
	r.metrics.RecordAppend(ctx, r.name, !res.Appended)

	switch r.strategy.Type {
	case TimeWindow:
		// A redelivery may be the retry of the append that created the
		// chain, so it re-arms the timer; extra firings are harmless.
		if res.ChainCreated || !res.Appended {
			if err := r.schedule(ctx, chainID); err != nil {
				return out, err
			}
		}
		return out, nil

	case StaticCounter:
		records, err := r.store.ListEvents(ctx, chainID)
		if err != nil {
			return out, fmt.Errorf("list chain: %w", err)
		}
		if len(records) < r.strategy.EventCount {
			return out, nil
		}

	case Conditional:
		records, err := r.store.ListEvents(ctx, chainID)
		if err != nil {
			return out, fmt.Errorf("list chain: %w", err)
		}
		if !r.test(ctx, logger, evt, correlation.Events(records)) {
			return out, nil
		}
	}

	out.Aggregate, err = r.complete(ctx, logger, chainID, string(r.strategy.Type))
	return out, err
}

// Fire completes a TIME_WINDOW chain. Firing a chain that is unknown,
// expired or already processed does nothing.
func (r *Reducer) Fire(ctx context.Context, chainID string) (out Outcome, err error) {
	if r.strategy.Type != TimeWindow {
		return Outcome{}, ErrFireUnsupported
	}
	if chainID == "" {
		return Outcome{}, correlation.ErrEmptyChainID
	}

	logger := observability.EnrichLogger(r.logger, r.name, chainID)
	ctx, span := r.spans.StartReduceSpan(ctx, r.name, chainID)
	defer func() { r.spans.EndSpanWithError(span, err) }()

	out.Aggregate, err = r.complete(ctx, logger, chainID, "timer")
	return out, err
}

func (r *Reducer) schedule(ctx context.Context, chainID string) error {
	delay := r.strategy.Window
	if r.strategy.Jitter > 0 {
		delay += r.jitter(r.strategy.Jitter)
	}
	err := r.scheduler.Schedule(ctx, chainID, delay, func(ctx context.Context, chainID string) error {
		_, err := r.Fire(ctx, chainID)
		return err
	})
	if err != nil {
		return fmt.Errorf("schedule chain %s: %w", chainID, err)
	}
	return nil
}

// test evaluates the CONDITIONAL predicate. Errors are logged and count as
// false; a later sibling gets another chance.
func (r *Reducer) test(ctx context.Context, logger *slog.Logger, latest *event.Event, all []*event.Event) bool {
	start := time.Now()
	ok, err := r.predicate.Test(ctx, latest, all)
	r.metrics.RecordPredicate(ctx, r.name, time.Since(start), err)
	if err != nil {
		observability.LogPredicateError(logger, latest.ID, err)
		return false
	}
	return ok
}

// complete claims the chain and, if this call won, reduces and emits it.
func (r *Reducer) complete(ctx context.Context, logger *slog.Logger, chainID, trigger string) (*event.Event, error) {
	won, err := r.store.MarkProcessed(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("mark processed: %w", err)
	}
	if !won {
		observability.LogCompletionLost(logger, trigger)
		r.metrics.RecordCompletion(ctx, r.name, false, 0)
		return nil, nil
	}

	elapsed := observability.TimedOperation()
	agg, count, err := r.reduce(ctx, chainID)
	if err != nil {
		stage := "reduce"
		var emitErr *EmitError
		if errors.As(err, &emitErr) {
			stage = emitErr.Stage
		}
		observability.LogEmitFailed(logger, stage, err)
		r.metrics.RecordEmitFailure(ctx, r.name)
		// Retrying cannot help: the chain is already processed.
		return nil, lferrors.Permanent(err, r.name)
	}

	observability.AddSpanEvent(ctx, "aggregate.emitted")
	observability.LogChainCompleted(logger, agg.ID, count, elapsed())
	r.metrics.RecordCompletion(ctx, r.name, true, count)
	return agg, nil
}

// reduce writes the chain's events as one composite document and publishes
// an aggregate event for it. Errors are *EmitError.
func (r *Reducer) reduce(ctx context.Context, chainID string) (*event.Event, int, error) {
	records, err := r.store.ListEvents(ctx, chainID)
	if err != nil {
		return nil, 0, &EmitError{ChainID: chainID, Stage: "list", Err: err}
	}
	events := correlation.Events(records)
	if len(events) == 0 {
		return nil, 0, &EmitError{ChainID: chainID, Stage: "list", Err: correlation.ErrNotFound}
	}

	body, err := json.Marshal(events)
	if err != nil {
		return nil, 0, &EmitError{ChainID: chainID, Stage: "store", Err: err}
	}
	key := fmt.Sprintf("aggregates/%s/%s", chainID, uuid.NewString())
	doc, err := r.blobs.Put(ctx, key, body, event.CompositeType)
	if err != nil {
		return nil, 0, &EmitError{ChainID: chainID, Stage: "store", Err: err}
	}

	aggChain := chainID
	if r.freshChainID {
		aggChain = uuid.NewString()
	}
	agg := event.New(event.DocumentCreated, events[0].Data.Source,
		event.WithChainID(aggChain),
		event.WithDocument(doc),
		event.WithMetadata(event.Metadata{
			"reduce": map[string]any{
				"reducer":       r.name,
				"strategy":      string(r.strategy.Type),
				"sourceChainId": chainID,
				"eventCount":    len(events),
			},
		}),
	)
	agg.PushCallStack(r.name)

	if err := r.out.Publish(ctx, agg); err != nil {
		return nil, 0, &EmitError{ChainID: chainID, Stage: "publish", Err: err}
	}
	return agg, len(events), nil
}
