package correlation

import (
	"context"
	"time"

	lferrors "github.com/randalmurphal/lakeflow/pkg/lakeflow/errors"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
)

// retryingStore retries transient store failures with backoff.
type retryingStore struct {
	Store
	cfg lferrors.RetryConfig
}

// WithRetry wraps s so that calls failing with a transient error are
// retried according to cfg. Conditional outcomes (a lost MarkProcessed,
// a duplicate append) are results, not errors, and are never retried.
func WithRetry(s Store, cfg lferrors.RetryConfig) Store {
	return &retryingStore{Store: s, cfg: cfg}
}

func (r *retryingStore) AppendEvent(ctx context.Context, chainID string, evt *event.Event) (AppendResult, error) {
	res := lferrors.WithRetryContext(ctx, r.cfg, func(ctx context.Context) (AppendResult, error) {
		return r.Store.AppendEvent(ctx, chainID, evt)
	})
	return res.Value, res.Err
}

func (r *retryingStore) ListEvents(ctx context.Context, chainID string) ([]Record, error) {
	res := lferrors.WithRetryContext(ctx, r.cfg, func(ctx context.Context) ([]Record, error) {
		return r.Store.ListEvents(ctx, chainID)
	})
	return res.Value, res.Err
}

func (r *retryingStore) MarkProcessed(ctx context.Context, chainID string) (bool, error) {
	res := lferrors.WithRetryContext(ctx, r.cfg, func(ctx context.Context) (bool, error) {
		return r.Store.MarkProcessed(ctx, chainID)
	})
	return res.Value, res.Err
}

func (r *retryingStore) Status(ctx context.Context, chainID string) (ChainStatus, error) {
	res := lferrors.WithRetryContext(ctx, r.cfg, func(ctx context.Context) (ChainStatus, error) {
		return r.Store.Status(ctx, chainID)
	})
	return res.Value, res.Err
}

func (r *retryingStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res := lferrors.WithRetryContext(ctx, r.cfg, func(ctx context.Context) (int, error) {
		return r.Store.PurgeExpired(ctx, now)
	})
	return res.Value, res.Err
}
