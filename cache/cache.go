// Package cache provides page body stores keyed by request URL.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store is a key-value store with per-entry expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Open returns the store described by addr: "" disables caching, "memory"
// selects an in-process LRU of size entries, anything else is a Redis
// address (host:port or redis:// URL).
func Open(addr string, size int) (Store, error) {
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "":
		return nil, nil
	case addr == "memory":
		store, err := NewMemoryStore(size)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := NewRedisStore(addr)
		if err != nil {
			return nil, fmt.Errorf("open redis cache %q: %w", addr, err)
		}
		return store, nil
	}
}
