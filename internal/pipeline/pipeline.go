// Package pipeline assembles reducers and transform middlewares from a
// pipeline definition and binds them to the bus through the dispatch gate.
//
// A definition names each component once, under "reducers" or
// "transforms":
//
//	reducers:
//	  pages:
//	    strategy: {reduceType: STATIC_COUNTER, eventCount: 3}
//	    inputs:
//	      - topic: pages
//	    output: documents
//	transforms:
//	  translate:
//	    spec: {mode: cue, source: "result: events"}
//	    eligibility: {mimeTypes: ["text/*"]}
//	    inputs:
//	      - topic: ingress
//	        when: {data: {metadata: {language: [fr]}}}
//	    output: pages
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/blob"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/bus"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/config"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/correlation"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/gate"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/observability"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/reducer"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/reference"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/transform"
)

// ErrInvalidDefinition wraps every definition problem Build reports.
var ErrInvalidDefinition = errors.New("invalid pipeline definition")

// Deps are the shared services components are built on. Bus, Store and
// Blobs are required.
type Deps struct {
	Bus   *bus.LocalBus
	Store correlation.Store
	Blobs blob.Store

	// Scheduler times TIME_WINDOW chains. Nil means one LocalScheduler
	// owned by the pipeline.
	Scheduler reducer.Scheduler

	// Registry resolves handler-mode transforms and predicates.
	// Default: transform.DefaultRegistry
	Registry *transform.Registry

	// Resolver expands composite documents for transforms. Default: a
	// resolver that serves only blob:// URIs from Blobs.
	Resolver *reference.Resolver

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// Pipeline is a bound set of components.
type Pipeline struct {
	reducers    []*reducer.Reducer
	middlewares []*transform.Middleware
	subs        []bus.Subscription
	scheduler   *reducer.LocalScheduler
}

// Build creates every component in cfg and subscribes it to its inputs.
// On error nothing stays subscribed.
func Build(cfg config.Config, deps Deps) (*Pipeline, error) {
	if deps.Bus == nil || deps.Store == nil || deps.Blobs == nil {
		return nil, errors.New("pipeline needs a bus, a correlation store and a blob store")
	}
	deps = withDefaults(deps)

	p := &Pipeline{}
	if deps.Scheduler == nil {
		p.scheduler = reducer.NewLocalScheduler(deps.Logger)
		deps.Scheduler = p.scheduler
	}

	reducers := cfg.Section("reducers")
	transforms := cfg.Section("transforms")
	if len(reducers.Keys()) == 0 && len(transforms.Keys()) == 0 {
		p.Close()
		return nil, fmt.Errorf("%w: no reducers or transforms", ErrInvalidDefinition)
	}

	for _, name := range reducers.Keys() {
		if transforms.Has(name) {
			p.Close()
			return nil, fmt.Errorf("%w: %q is both a reducer and a transform", ErrInvalidDefinition, name)
		}
		if err := p.addReducer(name, reducers.Section(name), deps); err != nil {
			p.Close()
			return nil, err
		}
	}
	for _, name := range transforms.Keys() {
		if err := p.addTransform(name, transforms.Section(name), deps); err != nil {
			p.Close()
			return nil, err
		}
	}

	deps.Logger.Info("pipeline bound",
		slog.Int("reducers", len(p.reducers)),
		slog.Int("transforms", len(p.middlewares)),
		slog.Int("subscriptions", len(p.subs)),
	)
	return p, nil
}

func withDefaults(deps Deps) Deps {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NoopMetrics{}
	}
	if deps.Spans == nil {
		deps.Spans = observability.NoopSpanManager{}
	}
	if deps.Registry == nil {
		deps.Registry = transform.DefaultRegistry
	}
	if deps.Resolver == nil {
		deps.Resolver = reference.NewResolver(
			reference.WithFetcher(blob.Scheme, deps.Blobs),
			reference.WithLogger(deps.Logger),
		)
	}
	return deps
}

func (p *Pipeline) addReducer(name string, sec config.Config, deps Deps) error {
	strategy, err := reducer.StrategyFromConfig(sec.Section("strategy"))
	if err != nil {
		return fmt.Errorf("%w: reducer %s: %w", ErrInvalidDefinition, name, err)
	}
	output := sec.String("output", "")
	if output == "" {
		return fmt.Errorf("%w: reducer %s: no output topic", ErrInvalidDefinition, name)
	}

	opts := []reducer.Option{
		reducer.WithName(name),
		reducer.WithLogger(deps.Logger),
		reducer.WithMetrics(deps.Metrics),
		reducer.WithSpanManager(deps.Spans),
		reducer.WithScheduler(deps.Scheduler),
		reducer.WithTransformOptions(transform.WithRegistry(deps.Registry)),
	}
	if sec.Bool("freshChainId", false) {
		opts = append(opts, reducer.WithFreshChainID())
	}

	r, err := reducer.New(strategy,
		correlation.WithNamespace(deps.Store, name),
		deps.Blobs,
		deps.Bus.Topic(output),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("%w: reducer %s: %w", ErrInvalidDefinition, name, err)
	}
	if err := p.bind(name, sec, r.Handle, deps); err != nil {
		return err
	}
	p.reducers = append(p.reducers, r)
	return nil
}

func (p *Pipeline) addTransform(name string, sec config.Config, deps Deps) error {
	spec, err := transform.SpecFromConfig(sec.Section("spec"))
	if err != nil {
		return fmt.Errorf("%w: transform %s: %w", ErrInvalidDefinition, name, err)
	}
	output := sec.String("output", "")
	if output == "" {
		return fmt.Errorf("%w: transform %s: no output topic", ErrInvalidDefinition, name)
	}

	eval, err := transform.NewEvaluator(spec,
		transform.WithRegistry(deps.Registry),
		transform.WithLogger(deps.Logger),
		transform.WithSpanManager(deps.Spans),
	)
	if err != nil {
		return fmt.Errorf("%w: transform %s: %w", ErrInvalidDefinition, name, err)
	}

	mw := transform.NewMiddleware(name, eval, deps.Bus.Topic(output),
		transform.WithResolver(deps.Resolver),
		transform.WithMiddlewareLogger(deps.Logger),
	)
	if err := p.bind(name, sec, mw.Handle, deps); err != nil {
		return err
	}
	p.middlewares = append(p.middlewares, mw)
	return nil
}

// bind subscribes handler to every input edge of the component.
func (p *Pipeline) bind(name string, sec config.Config, handler bus.Handler, deps Deps) error {
	inputs := sections(sec, "inputs")
	if len(inputs) == 0 {
		return fmt.Errorf("%w: %s: no inputs", ErrInvalidDefinition, name)
	}

	edges := make([]gate.Edge, 0, len(inputs))
	for i, in := range inputs {
		edge, err := gate.EdgeFromConfig(in)
		if err != nil {
			return fmt.Errorf("%w: %s: input %d: %w", ErrInvalidDefinition, name, i, err)
		}
		edges = append(edges, edge)
	}

	mw := gate.Middleware{Name: name, Eligibility: gate.EligibilityFromConfig(sec.Section("eligibility"))}
	subs, err := gate.Bind(deps.Bus, mw, handler, edges...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	p.subs = append(p.subs, subs...)
	return nil
}

// sections reads a list of maps.
func sections(cfg config.Config, key string) []config.Config {
	items, _ := cfg.Any(key, nil).([]any)
	out := make([]config.Config, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, config.New(m))
		}
	}
	return out
}

// Reducers returns the built reducers in definition order.
func (p *Pipeline) Reducers() []*reducer.Reducer {
	return p.reducers
}

// Middlewares returns the built transform middlewares.
func (p *Pipeline) Middlewares() []*transform.Middleware {
	return p.middlewares
}

// Subscriptions returns every bound subscription.
func (p *Pipeline) Subscriptions() []bus.Subscription {
	return p.subs
}

// Close unsubscribes every component and stops the owned scheduler.
func (p *Pipeline) Close() {
	for _, s := range p.subs {
		s.Unsubscribe()
	}
	p.subs = nil
	if p.scheduler != nil {
		p.scheduler.Stop()
	}
}
