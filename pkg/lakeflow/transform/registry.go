package transform

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
)

// Input is what user logic sees.
type Input struct {
	// Events are the events being transformed. For a predicate this is
	// just the latest event.
	Events []*event.Event

	// Siblings are every event stored for the chain. Empty for transforms.
	Siblings []*event.Event

	// Latest is the event that triggered a predicate, or the last of
	// Events for a transform.
	Latest *event.Event
}

// Handler is a registered Go function.
//
// A transform handler returns *event.Event, []*event.Event, event.Event or
// []event.Event; nil means no output. A predicate handler returns a bool.
// Any other result fails the evaluation with ErrInvalidResult.
type Handler func(ctx context.Context, in Input) (any, error)

// Registry is a thread-safe set of named handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// DefaultRegistry is used by evaluators built without WithRegistry.
var DefaultRegistry = NewRegistry()

// Register adds or replaces a handler.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return errors.New("empty handler name")
	}
	if h == nil {
		return errors.New("nil handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	return nil
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Register adds a handler to DefaultRegistry.
func Register(name string, h Handler) error {
	return DefaultRegistry.Register(name, h)
}
