package blob

import (
	"context"
	"sync"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
)

// MemoryStore is an in-memory blob store for testing and single-process
// deployments. Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryStore creates a new in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, key string, data []byte, contentType string) (event.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return event.Document{}, ErrStoreClosed
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	m.data[key] = stored

	return document(key, data, contentType), nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	data, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Fetch implements Store.
func (m *MemoryStore) Fetch(ctx context.Context, uri string) ([]byte, error) {
	return fetch(ctx, m, uri)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Len returns the number of stored payloads.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
