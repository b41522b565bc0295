package correlation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
)

// MemoryStore is an in-memory correlation store for testing and
// single-process pipelines. Data is lost when the process exits.
type MemoryStore struct {
	opts   Options
	mu     sync.RWMutex
	chains map[string]*memoryChain
	closed bool
}

type memoryChain struct {
	status    Status
	createdAt time.Time
	updatedAt time.Time
	expiresAt time.Time
	events    map[string]Record // sort key -> record
	eventIDs  map[string]string // event id -> sort key
}

// NewMemoryStore creates a new in-memory correlation store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:   newOptions(opts),
		chains: make(map[string]*memoryChain),
	}
}

// AppendEvent implements Store.
func (m *MemoryStore) AppendEvent(_ context.Context, chainID string, evt *event.Event) (AppendResult, error) {
	if err := validate(chainID, evt); err != nil {
		return AppendResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return AppendResult{}, ErrStoreClosed
	}

	now := m.opts.Now()
	m.purgeChainLocked(chainID, now)

	var result AppendResult
	chain, ok := m.chains[chainID]
	if !ok {
		chain = &memoryChain{
			status:    StatusPending,
			createdAt: now,
			updatedAt: now,
			expiresAt: expiry(now, m.opts.TTL),
			events:    make(map[string]Record),
			eventIDs:  make(map[string]string),
		}
		m.chains[chainID] = chain
		result.ChainCreated = true
	}

	if _, dup := chain.eventIDs[evt.ID]; dup {
		return result, nil
	}

	sk := EventSortKey(now)
	chain.events[sk] = Record{
		ChainID:   chainID,
		SortKey:   sk,
		EventID:   evt.ID,
		Event:     evt.Clone(),
		Received:  now,
		ExpiresAt: chain.expiresAt,
	}
	chain.eventIDs[evt.ID] = sk

	result.Appended = true
	result.SortKey = sk
	return result, nil
}

// ListEvents implements Store.
func (m *MemoryStore) ListEvents(_ context.Context, chainID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	chain, ok := m.chains[chainID]
	if !ok || !chain.expiresAt.After(m.opts.Now()) {
		return []Record{}, nil
	}

	records := make([]Record, 0, len(chain.events))
	for _, r := range chain.events {
		r.Event = r.Event.Clone()
		records = append(records, r)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].SortKey < records[j].SortKey
	})
	return records, nil
}

// MarkProcessed implements Store.
func (m *MemoryStore) MarkProcessed(_ context.Context, chainID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrStoreClosed
	}

	now := m.opts.Now()
	chain, ok := m.chains[chainID]
	if !ok || !chain.expiresAt.After(now) || chain.status == StatusProcessed {
		return false, nil
	}

	chain.status = StatusProcessed
	chain.updatedAt = now
	return true, nil
}

// Status implements Store.
func (m *MemoryStore) Status(_ context.Context, chainID string) (ChainStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ChainStatus{}, ErrStoreClosed
	}

	now := m.opts.Now()
	chain, ok := m.chains[chainID]
	if !ok || !chain.expiresAt.After(now) {
		return ChainStatus{}, ErrNotFound
	}

	return ChainStatus{
		ChainID:    chainID,
		Status:     chain.status,
		EventCount: len(chain.events),
		CreatedAt:  chain.createdAt,
		UpdatedAt:  chain.updatedAt,
		ExpiresAt:  chain.expiresAt,
	}, nil
}

// PurgeExpired implements Store.
func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	removed := 0
	for chainID := range m.chains {
		removed += m.purgeChainLocked(chainID, now)
	}
	return removed, nil
}

// purgeChainLocked drops an expired chain and returns the number of
// records removed, STATUS included. Caller must hold the write lock.
func (m *MemoryStore) purgeChainLocked(chainID string, now time.Time) int {
	chain, ok := m.chains[chainID]
	if !ok || chain.expiresAt.After(now) {
		return 0
	}
	delete(m.chains, chainID)
	return 1 + len(chain.events)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.chains = nil
	return nil
}

// Len returns the number of chains held, expired or not.
// Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chains)
}
