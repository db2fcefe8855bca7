package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry struct {
	body      []byte
	expiresAt time.Time
}

// MemoryStore keeps bodies in a bounded LRU. It is safe for concurrent use.
type MemoryStore struct {
	entries *lru.Cache[string, entry]
	now     func() time.Time
}

// NewMemoryStore builds an LRU store holding at most size entries.
func NewMemoryStore(size int) (*MemoryStore, error) {
	entries, err := lru.New[string, entry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &MemoryStore{entries: entries, now: time.Now}, nil
}

// Get returns a copy of the cached body if present and not expired.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := m.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		m.entries.Remove(key)
		return nil, false, nil
	}
	return append([]byte(nil), e.body...), true, nil
}

// Set stores value under key. A non-positive ttl never expires.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{body: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries.Add(key, e)
	return nil
}

// Len returns the number of entries, including expired ones not yet evicted.
func (m *MemoryStore) Len() int {
	return m.entries.Len()
}

// Close drops all entries.
func (m *MemoryStore) Close() error {
	m.entries.Purge()
	return nil
}
