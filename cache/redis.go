package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of *redis.Client the store needs.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisStore caches bodies in Redis with native key expiry.
type RedisStore struct {
	client RedisClient
}

// NewRedisStore connects lazily to addr, which is host:port or a redis:// URL.
func NewRedisStore(addr string) (*RedisStore, error) {
	var opts *redis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		opts = parsed
	} else {
		if !strings.Contains(addr, ":") {
			return nil, fmt.Errorf("address must be host:port")
		}
		opts = &redis.Options{Addr: addr}
	}
	return NewRedisStoreWithClient(redis.NewClient(opts)), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client RedisClient) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns the cached body; a missing key is a miss, not an error.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	body, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return body, true, nil
}

// Set stores value with the given expiry.
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the client's connections.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
