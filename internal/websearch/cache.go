package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/derekparent/wheelhouse/internal/websearch/models"
)

// Cache is the narrow read/upsert interface over the TTL-bounded
// result cache. Last-writer-wins on a racing Put is fine: competing
// writes for the same key are derivation-equivalent.
type Cache interface {
	Get(ctx context.Context, key string) ([]models.Result, bool)
	Put(ctx context.Context, key string, results []models.Result)
}

const cacheKeyPrefix = "websearch:"

// redisCache stores entries in Redis with a server-side TTL.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *log.Logger) Cache {
	if logger == nil {
		logger = log.New(log.Writer(), "[WEBCACHE] ", log.LstdFlags)
	}
	// A zero ttl would mean "no expiry" to redis SET; fall back to the
	// same default the in-memory cache gets.
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisCache{client: client, ttl: ttl, logger: logger}
}

func (c *redisCache) Get(ctx context.Context, key string) ([]models.Result, bool) {
	val, err := c.client.Get(ctx, cacheKeyPrefix+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Printf("cache get %s: %v", key, err)
		}
		return nil, false
	}
	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		c.logger.Printf("cache decode %s: %v", key, err)
		return nil, false
	}
	return entry.Results, true
}

func (c *redisCache) Put(ctx context.Context, key string, results []models.Result) {
	data, err := json.Marshal(models.CacheEntry{Results: results, CreatedAt: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+key, data, c.ttl).Err(); err != nil {
		c.logger.Printf("cache put %s: %v", key, err)
	}
}

// memoryCache is the in-process fallback when Redis is not configured.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	results []models.Result
	expires time.Time
}

func NewMemoryCache(ttl time.Duration) Cache {
	return &memoryCache{entries: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (c *memoryCache) Get(_ context.Context, key string) ([]models.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.results, true
}

func (c *memoryCache) Put(_ context.Context, key string, results []models.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{results: results, expires: c.now().Add(c.ttl)}
}
