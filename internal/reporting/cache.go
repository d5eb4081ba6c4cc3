package reporting

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"campaign-dialer/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Cache holds JSON snapshots. Get returns utils.ErrCacheMiss for an absent
// or expired key.
type Cache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
}

type memoryEntry struct {
	raw     []byte
	expires time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memoryEntry{}, clock: time.Now}
}

func (c *MemoryCache) Get(ctx context.Context, key string, dest any) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !c.clock().Before(e.expires) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return utils.ErrCacheMiss
	}
	return json.Unmarshal(e.raw, dest)
}

func (c *MemoryCache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{raw: raw, expires: c.clock().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// RedisCache shares snapshots between API replicas.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache { return &RedisCache{rdb: rdb} }

func (c *RedisCache) Get(ctx context.Context, key string, dest any) error {
	return utils.GetJSON(ctx, c.rdb, utils.RedisKey("report", key), dest)
}

func (c *RedisCache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	return utils.SetJSON(ctx, c.rdb, utils.RedisKey("report", key), v, ttl)
}
