// Package dedupe records one-shot keys so an action runs at most once across
// scheduler ticks and, with the Redis backend, across instances.
package dedupe

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Deduper claims keys. Add reports true only for the first caller within ttl.
type Deduper interface {
	Add(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
}

// RedisDeduper stores claimed keys in Redis so all instances share them
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL
func NewRedisDeduper(client *redis.Client, prefix string, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisDeduper) key(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

// Add records the key if it does not already exist
func (r *RedisDeduper) Add(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(key), 1, r.ttl).Result()
}

// Remove deletes a claimed key so the action may run again
func (r *RedisDeduper) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// MemoryDeduper is the single-instance Deduper. A zero ttl keeps keys until removed.
type MemoryDeduper struct {
	keys *cache.Cache
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		return &MemoryDeduper{keys: cache.New(cache.NoExpiration, 0)}
	}
	return &MemoryDeduper{keys: cache.New(ttl, 2*ttl)}
}

func (m *MemoryDeduper) Add(_ context.Context, key string) (bool, error) {
	if err := m.keys.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *MemoryDeduper) Remove(_ context.Context, key string) error {
	m.keys.Delete(key)
	return nil
}
