package reference

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
)

// Fetcher dereferences a URI to its content. Retries, if any, are the
// fetcher's concern.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, uri string) ([]byte, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, uri string) ([]byte, error) {
	return f(ctx, uri)
}

// Resolver turns references into values, fetching external content through
// fetchers registered per URI scheme.
type Resolver struct {
	fetchers map[string]Fetcher
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFetcher registers f for a URI scheme such as "https" or "blob".
func WithFetcher(scheme string, f Fetcher) Option {
	return func(r *Resolver) {
		r.fetchers[strings.ToLower(scheme)] = f
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver creates a resolver with no fetchers. Every scheme it may
// dereference, including http, https and file, must be registered with
// WithFetcher; anything else fails with ErrNoFetcher.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		fetchers: make(map[string]Fetcher),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup resolves Value and Attribute references synchronously.
// Pointer and URL references return ErrRequiresResolve.
func (r *Resolver) Lookup(evt *event.Event, ref Reference) (any, error) {
	switch ref.kind {
	case KindValue:
		return ref.value, nil
	case KindAttribute:
		return lookup(evt, ref)
	case KindPointer, KindURL:
		return nil, fmt.Errorf("%s: %w", ref, ErrRequiresResolve)
	default:
		return nil, fmt.Errorf("unknown reference kind %q", ref.kind)
	}
}

// Resolve resolves any reference. URL references and pointers to URIs
// yield the fetched bytes; pointers to inline values yield the value.
func (r *Resolver) Resolve(ctx context.Context, evt *event.Event, ref Reference) (any, error) {
	switch ref.kind {
	case KindValue, KindAttribute:
		return r.Lookup(evt, ref)

	case KindURL:
		return r.Fetch(ctx, ref.subject)

	case KindPointer:
		v, err := lookup(evt, ref)
		if err != nil {
			return nil, err
		}
		uri, ok := pointerURI(v)
		if !ok || !r.handles(uri) {
			return v, nil
		}
		r.logger.Debug("resolving pointer",
			"path", ref.subject,
			"uri", uri,
		)
		return r.Fetch(ctx, uri)

	default:
		return nil, fmt.Errorf("unknown reference kind %q", ref.kind)
	}
}

// ResolveAsync starts resolving ref and returns immediately.
func (r *Resolver) ResolveAsync(ctx context.Context, evt *event.Event, ref Reference) *Deferred {
	d := newDeferred()
	go func() {
		v, err := r.Resolve(ctx, evt, ref)
		d.complete(v, err)
	}()
	return d
}

// Fetch dereferences uri with the fetcher registered for its scheme.
func (r *Resolver) Fetch(ctx context.Context, uri string) ([]byte, error) {
	scheme := schemeOf(uri)
	f, ok := r.fetchers[scheme]
	if !ok {
		return nil, fmt.Errorf("%q: %w %q", uri, ErrNoFetcher, scheme)
	}
	data, err := f.Fetch(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}
	return data, nil
}

func (r *Resolver) handles(uri string) bool {
	_, ok := r.fetchers[schemeOf(uri)]
	return ok
}

func lookup(evt *event.Event, ref Reference) (any, error) {
	if evt != nil {
		if v, ok := evt.Lookup(ref.subject); ok {
			return v, nil
		}
	}
	if ref.hasDefault {
		return ref.def, nil
	}
	missing := &MissingAttributeError{Path: ref.subject}
	if evt != nil {
		missing.EventID = evt.ID
	}
	return nil, missing
}

// pointerURI extracts a URI from a pointer target: a string, or an object
// with a "url" field such as data.document.
func pointerURI(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, schemeOf(t) != ""
	case map[string]any:
		u, ok := t["url"].(string)
		return u, ok && schemeOf(u) != ""
	default:
		return "", false
	}
}

func schemeOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}
