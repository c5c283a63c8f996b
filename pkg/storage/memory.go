package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/firemarkets/fmsession/core"
)

// Ensure Memory implements KeyValueStoreWithStats
var _ core.KeyValueStoreWithStats = (*Memory)(nil)

// Memory implements an in-process key/value medium. Contents do not survive
// the process; use it for tests and short-lived tools.
type Memory struct {
	entries map[string][]byte
	mu      sync.RWMutex

	// counters
	hits    int64
	misses  int64
	sets    int64
	deletes int64
}

// NewMemory creates an empty in-memory medium
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string][]byte),
	}
}

// Get returns a copy of the stored value
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.entries[key]
	if !exists {
		atomic.AddInt64(&m.misses, 1)
		return nil, core.ErrKeyNotFound
	}

	atomic.AddInt64(&m.hits, 1)
	return append([]byte(nil), value...), nil
}

// Set stores a copy of value under key
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = append([]byte(nil), value...)
	atomic.AddInt64(&m.sets, 1)
	return nil
}

// Delete removes key if present
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, existed := m.entries[key]; existed {
		delete(m.entries, key)
		atomic.AddInt64(&m.deletes, 1)
	}
	return nil
}

// Len returns the number of stored keys
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Stats returns storage statistics
func (m *Memory) Stats() core.KeyValueStats {
	return core.KeyValueStats{
		Hits:    atomic.LoadInt64(&m.hits),
		Misses:  atomic.LoadInt64(&m.misses),
		Sets:    atomic.LoadInt64(&m.sets),
		Deletes: atomic.LoadInt64(&m.deletes),
		Size:    m.Len(),
	}
}
