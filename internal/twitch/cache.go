package twitch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	redis "github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how stale an enumerated list may be.
const DefaultCacheTTL = 30 * time.Second

// SnapshotCache stores enumerated lists between queries. Values are JSON
// encoded so every implementation round-trips the same way.
type SnapshotCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

type memoryEntry struct {
	payload []byte
	expires time.Time
}

// MemorySnapshotCache keeps snapshots in process.
type MemorySnapshotCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemorySnapshotCache builds an empty cache. now may be nil.
func NewMemorySnapshotCache(now func() time.Time) *MemorySnapshotCache {
	if now == nil {
		now = time.Now
	}
	return &MemorySnapshotCache{entries: make(map[string]memoryEntry), now: now}
}

func (c *MemorySnapshotCache) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && !c.now().Before(entry.expires) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(entry.payload, dest); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (c *MemorySnapshotCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{payload: payload, expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// RedisSnapshotCache shares snapshots between replicas through Redis keys
// with an expiry.
type RedisSnapshotCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSnapshotCache stores keys under prefix.
func NewRedisSnapshotCache(client redis.UniversalClient, prefix string) *RedisSnapshotCache {
	if prefix == "" {
		prefix = "credits:twitch:"
	}
	return &RedisSnapshotCache{client: client, prefix: prefix}
}

func (c *RedisSnapshotCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	payload, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (c *RedisSnapshotCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if err := c.client.Set(ctx, c.prefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Ping checks that Redis answers.
func (c *RedisSnapshotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (c *RedisSnapshotCache) Close() error {
	return c.client.Close()
}
