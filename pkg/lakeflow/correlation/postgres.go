package correlation

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	lferrors "github.com/randalmurphal/lakeflow/pkg/lakeflow/errors"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
)

// schemaSQL is embedded so the store can bootstrap its own table.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore persists correlation records to PostgreSQL. Several
// reducer processes may share one database; the conditional writes
// arbitrate between them.
type PostgresStore struct {
	opts   Options
	pool   *pgxpool.Pool
	mu     sync.RWMutex
	closed bool
}

// NewPostgresStore connects, fails fast if the database is unreachable,
// and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &PostgresStore{opts: newOptions(opts), pool: pool}, nil
}

// AppendEvent implements Store.
func (p *PostgresStore) AppendEvent(ctx context.Context, chainID string, evt *event.Event) (AppendResult, error) {
	if err := validate(chainID, evt); err != nil {
		return AppendResult{}, err
	}
	payload, err := encodeEvent(evt)
	if err != nil {
		return AppendResult{}, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return AppendResult{}, ErrStoreClosed
	}

	now := p.opts.Now()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return AppendResult{}, p.wrap("begin append", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `
		DELETE FROM correlation WHERE pk = $1 AND ttl <= $2
	`, chainID, now.Unix()); err != nil {
		return AppendResult{}, p.wrap("expire chain", err)
	}

	var result AppendResult
	tag, err := tx.Exec(ctx, `
		INSERT INTO correlation (pk, sk, status, created_at, updated_at, ttl)
		VALUES ($1, $2, $3, $4, $4, $5)
		ON CONFLICT (pk, sk) DO NOTHING
	`, chainID, StatusKey, string(StatusPending), now.UnixNano(), expiry(now, p.opts.TTL).Unix())
	if err != nil {
		return AppendResult{}, p.wrap("create status", err)
	}
	result.ChainCreated = tag.RowsAffected() == 1

	sk := EventSortKey(now)
	tag, err = tx.Exec(ctx, `
		INSERT INTO correlation (pk, sk, event_id, event, created_at, updated_at, ttl)
		SELECT $1, $2, $3, $4, $5, $5, ttl FROM correlation
		WHERE pk = $1 AND sk = $6
		ON CONFLICT DO NOTHING
	`, chainID, sk, evt.ID, payload, now.UnixNano(), StatusKey)
	if err != nil {
		return AppendResult{}, p.wrap("append event", err)
	}
	if tag.RowsAffected() == 1 {
		result.Appended = true
		result.SortKey = sk
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, p.wrap("commit append", err)
	}
	return result, nil
}

// ListEvents implements Store.
func (p *PostgresStore) ListEvents(ctx context.Context, chainID string) ([]Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrStoreClosed
	}

	rows, err := p.pool.Query(ctx, `
		SELECT sk, event_id, event, created_at, ttl
		FROM correlation
		WHERE pk = $1 AND sk LIKE 'EVENT##%' AND ttl > $2
		ORDER BY sk COLLATE "C"
	`, chainID, p.opts.Now().Unix())
	if err != nil {
		return nil, p.wrap("list events", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			r        Record
			payload  []byte
			received int64
			ttl      int64
		)
		if err := rows.Scan(&r.SortKey, &r.EventID, &payload, &received, &ttl); err != nil {
			return nil, fmt.Errorf("scan event record: %w", err)
		}
		if r.Event, err = decodeEvent(payload); err != nil {
			return nil, fmt.Errorf("record %s: %w", r.SortKey, err)
		}
		r.ChainID = chainID
		r.Received = time.Unix(0, received).UTC()
		r.ExpiresAt = time.Unix(ttl, 0).UTC()
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, p.wrap("iterate events", err)
	}
	return records, nil
}

// MarkProcessed implements Store.
func (p *PostgresStore) MarkProcessed(ctx context.Context, chainID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false, ErrStoreClosed
	}

	now := p.opts.Now()
	tag, err := p.pool.Exec(ctx, `
		UPDATE correlation
		SET status = $1, updated_at = $2
		WHERE pk = $3 AND sk = $4 AND status <> $1 AND ttl > $5
	`, string(StatusProcessed), now.UnixNano(), chainID, StatusKey, now.Unix())
	if err != nil {
		return false, p.wrap("mark processed", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Status implements Store.
func (p *PostgresStore) Status(ctx context.Context, chainID string) (ChainStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ChainStatus{}, ErrStoreClosed
	}

	now := p.opts.Now().Unix()
	var (
		st               ChainStatus
		status           string
		created, updated int64
		ttl              int64
	)
	err := p.pool.QueryRow(ctx, `
		SELECT s.status, s.created_at, s.updated_at, s.ttl,
			(SELECT COUNT(*) FROM correlation e
			 WHERE e.pk = s.pk AND e.sk LIKE 'EVENT##%' AND e.ttl > $3)
		FROM correlation s
		WHERE s.pk = $1 AND s.sk = $2 AND s.ttl > $3
	`, chainID, StatusKey, now).Scan(&status, &created, &updated, &ttl, &st.EventCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return ChainStatus{}, ErrNotFound
	}
	if err != nil {
		return ChainStatus{}, p.wrap("load status", err)
	}

	st.ChainID = chainID
	st.Status = Status(status)
	st.CreatedAt = time.Unix(0, created).UTC()
	st.UpdatedAt = time.Unix(0, updated).UTC()
	st.ExpiresAt = time.Unix(ttl, 0).UTC()
	return st, nil
}

// PurgeExpired implements Store.
func (p *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return 0, ErrStoreClosed
	}

	tag, err := p.pool.Exec(ctx, `DELETE FROM correlation WHERE ttl <= $1`, now.Unix())
	if err != nil {
		return 0, p.wrap("purge expired", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping is used by the readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close implements Store.
func (p *PostgresStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.pool.Close()
	return nil
}

func (p *PostgresStore) wrap(op string, err error) error {
	if isPostgresTransient(err) {
		return &lferrors.StoreUnavailableError{Backend: "postgres", Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isPostgresTransient reports connection failures, timeouts and the
// SQLSTATE classes that are safe to retry.
func isPostgresTransient(err error) bool {
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch {
	case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization failure, deadlock
		return true
	case strings.HasPrefix(pgErr.Code, "08"): // connection exception
		return true
	case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
		return true
	case pgErr.Code == "57P01", pgErr.Code == "57P03": // admin shutdown, cannot connect now
		return true
	}
	return false
}
