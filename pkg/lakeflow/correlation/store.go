// Package correlation provides the durable chain store that reducers build
// on.
//
// Every chain is a partition keyed by its chain id. It holds one STATUS
// record (pending, then processed exactly once) and one append-only EVENT
// record per received sibling event. All records of a chain share the ttl
// fixed when the chain is created, and the store ignores them once expired.
//
// The STATUS transition is the only arbitrated write: MarkProcessed is a
// conditional update that reports whether this caller won. Losing that race
// is an expected outcome, not an error.
package correlation

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
)

// Store persists correlation records.
// Implementations must be safe for concurrent use across goroutines and,
// for the SQL backends, across processes.
type Store interface {
	// AppendEvent records evt under chainID, creating the chain's pending
	// STATUS record if it is absent. Appending an event id already recorded
	// for the chain is a no-op reported as Appended=false.
	AppendEvent(ctx context.Context, chainID string, evt *event.Event) (AppendResult, error)

	// ListEvents returns the chain's live EVENT records ordered by sort key.
	// Returns an empty slice (not error) for unknown chains.
	ListEvents(ctx context.Context, chainID string) ([]Record, error)

	// MarkProcessed flips the chain from pending to processed and reports
	// whether this call performed the transition. Missing or already
	// processed chains return false.
	MarkProcessed(ctx context.Context, chainID string) (bool, error)

	// Status returns the chain's STATUS record and live event count.
	// Returns ErrNotFound for unknown or expired chains.
	Status(ctx context.Context, chainID string) (ChainStatus, error)

	// PurgeExpired deletes records whose ttl is at or before now and
	// returns how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Status is the lifecycle state of a chain.
type Status string

// Chain states. A chain moves from pending to processed exactly once.
const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
)

// AppendResult reports what an append changed.
type AppendResult struct {
	// Appended is false when the event id was already recorded.
	Appended bool

	// ChainCreated is true when this append created the STATUS record.
	ChainCreated bool

	// SortKey is the key of the EVENT record, empty when not appended.
	SortKey string
}

// ChainStatus describes a chain's STATUS record.
type ChainStatus struct {
	ChainID    string
	Status     Status
	EventCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  time.Time
}

// Sentinel errors for correlation operations.
var (
	// ErrNotFound indicates a chain doesn't exist.
	ErrNotFound = errors.New("chain not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("correlation store closed")

	// ErrEmptyChainID indicates an operation without a chain id.
	ErrEmptyChainID = errors.New("empty chain id")
)

// DefaultTTL is how long records live when no ttl is configured.
const DefaultTTL = 24 * time.Hour

// Options holds settings shared by all backends.
type Options struct {
	TTL time.Duration
	Now func() time.Time
}

// Option configures a store.
type Option func(*Options)

// WithTTL sets the record ttl.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		if ttl > 0 {
			o.TTL = ttl
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Now = now
		}
	}
}

func newOptions(opts []Option) Options {
	o := Options{
		TTL: DefaultTTL,
		Now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validate(chainID string, evt *event.Event) error {
	if chainID == "" {
		return ErrEmptyChainID
	}
	if evt == nil {
		return errors.New("nil event")
	}
	if evt.ID == "" {
		return event.ErrMissingID
	}
	return nil
}
