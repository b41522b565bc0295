package correlation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	lferrors "github.com/randalmurphal/lakeflow/pkg/lakeflow/errors"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
)

// SQLite result codes that mean "try again".
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// SQLiteStore persists correlation records to SQLite.
// It is suitable for single-node production use.
type SQLiteStore struct {
	opts   Options
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite correlation store.
// The path should be a file path (e.g., "./lakeflow.db") or ":memory:" for testing.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer; one connection also keeps ":memory:"
	// databases from splitting per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS correlation (
			pk TEXT NOT NULL,
			sk TEXT NOT NULL,
			status TEXT,
			event_id TEXT,
			event BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			ttl INTEGER NOT NULL,
			PRIMARY KEY (pk, sk)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_correlation_event
			ON correlation(pk, event_id) WHERE event_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_correlation_ttl ON correlation(ttl)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &SQLiteStore{opts: newOptions(opts), db: db}, nil
}

// AppendEvent implements Store.
func (s *SQLiteStore) AppendEvent(ctx context.Context, chainID string, evt *event.Event) (AppendResult, error) {
	if err := validate(chainID, evt); err != nil {
		return AppendResult{}, err
	}
	payload, err := encodeEvent(evt)
	if err != nil {
		return AppendResult{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return AppendResult{}, ErrStoreClosed
	}

	now := s.opts.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, s.wrap("begin append", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	// A chain whose ttl passed starts over.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM correlation WHERE pk = ? AND ttl <= ?
	`, chainID, now.Unix()); err != nil {
		return AppendResult{}, s.wrap("expire chain", err)
	}

	var result AppendResult
	res, err := tx.ExecContext(ctx, `
		INSERT INTO correlation (pk, sk, status, created_at, updated_at, ttl)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pk, sk) DO NOTHING
	`, chainID, StatusKey, string(StatusPending), now.UnixNano(), now.UnixNano(),
		expiry(now, s.opts.TTL).Unix())
	if err != nil {
		return AppendResult{}, s.wrap("create status", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		result.ChainCreated = true
	}

	sk := EventSortKey(now)
	res, err = tx.ExecContext(ctx, `
		INSERT INTO correlation (pk, sk, event_id, event, created_at, updated_at, ttl)
		SELECT ?, ?, ?, ?, ?, ?, ttl FROM correlation
		WHERE pk = ? AND sk = ?
		ON CONFLICT DO NOTHING
	`, chainID, sk, evt.ID, payload, now.UnixNano(), now.UnixNano(), chainID, StatusKey)
	if err != nil {
		return AppendResult{}, s.wrap("append event", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		result.Appended = true
		result.SortKey = sk
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, s.wrap("commit append", err)
	}
	return result, nil
}

// ListEvents implements Store.
func (s *SQLiteStore) ListEvents(ctx context.Context, chainID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sk, event_id, event, created_at, ttl
		FROM correlation
		WHERE pk = ? AND sk LIKE 'EVENT##%' AND ttl > ?
		ORDER BY sk
	`, chainID, s.opts.Now().Unix())
	if err != nil {
		return nil, s.wrap("list events", err)
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
		return nil, s.wrap("iterate events", err)
	}
	return records, nil
}

// MarkProcessed implements Store.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, chainID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	now := s.opts.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE correlation
		SET status = ?, updated_at = ?
		WHERE pk = ? AND sk = ? AND status <> ? AND ttl > ?
	`, string(StatusProcessed), now.UnixNano(), chainID, StatusKey, string(StatusProcessed), now.Unix())
	if err != nil {
		return false, s.wrap("mark processed", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, s.wrap("mark processed", err)
	}
	return n == 1, nil
}

// Status implements Store.
func (s *SQLiteStore) Status(ctx context.Context, chainID string) (ChainStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ChainStatus{}, ErrStoreClosed
	}

	now := s.opts.Now().Unix()
	var (
		st               ChainStatus
		status           string
		created, updated int64
		ttl              int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT status, created_at, updated_at, ttl
		FROM correlation
		WHERE pk = ? AND sk = ? AND ttl > ?
	`, chainID, StatusKey, now).Scan(&status, &created, &updated, &ttl)
	if errors.Is(err, sql.ErrNoRows) {
		return ChainStatus{}, ErrNotFound
	}
	if err != nil {
		return ChainStatus{}, s.wrap("load status", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM correlation
		WHERE pk = ? AND sk LIKE 'EVENT##%' AND ttl > ?
	`, chainID, now).Scan(&st.EventCount); err != nil {
		return ChainStatus{}, s.wrap("count events", err)
	}

	st.ChainID = chainID
	st.Status = Status(status)
	st.CreatedAt = time.Unix(0, created).UTC()
	st.UpdatedAt = time.Unix(0, updated).UTC()
	st.ExpiresAt = time.Unix(ttl, 0).UTC()
	return st, nil
}

// PurgeExpired implements Store.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM correlation WHERE ttl <= ?`, now.Unix())
	if err != nil {
		return 0, s.wrap("purge expired", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) wrap(op string, err error) error {
	if isSQLiteTransient(err) {
		return &lferrors.StoreUnavailableError{Backend: "sqlite", Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isSQLiteTransient(err error) bool {
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch coded.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}
