package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"folio/internal/shared/logging"
)

// ResultCache stores scrape results under content-addressed keys. Lookups
// and writes are best-effort: a broken cache degrades to re-scraping.
type ResultCache interface {
	Get(ctx context.Context, key string) (*ScrapeResult, bool)
	Set(ctx context.Context, key string, result *ScrapeResult, ttl time.Duration)
}

// redisResultCache is the shared production cache.
type redisResultCache struct {
	client *redis.Client
	logger logging.Logger
}

// NewRedisResultCache wraps client as a ResultCache.
func NewRedisResultCache(client *redis.Client, logger logging.Logger) ResultCache {
	return &redisResultCache{client: client, logger: logging.OrNop(logger)}
}

func (c *redisResultCache) Get(ctx context.Context, key string) (*ScrapeResult, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("scrape cache read failed: %v", err)
		}
		return nil, false
	}

	var result ScrapeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.logger.Debug("scrape cache entry unreadable, dropping: %v", err)
		return nil, false
	}
	return &result, true
}

func (c *redisResultCache) Set(ctx context.Context, key string, result *ScrapeResult, ttl time.Duration) {
	payload, err := json.Marshal(result)
	if err != nil {
		c.logger.Debug("scrape cache marshal failed: %v", err)
		return
	}
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		c.logger.Debug("scrape cache write failed: %v", err)
	}
}

// memoryResultCache is the single-process cache used without redis.
type memoryResultCache struct {
	mu      sync.Mutex
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

type memoryCacheEntry struct {
	result    *ScrapeResult
	expiresAt time.Time
}

// NewMemoryResultCache creates an in-memory ResultCache.
func NewMemoryResultCache() ResultCache {
	return &memoryResultCache{
		entries: make(map[string]memoryCacheEntry),
		now:     time.Now,
	}
}

func (c *memoryResultCache) Get(_ context.Context, key string) (*ScrapeResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.result.clone(), true
}

func (c *memoryResultCache) Set(_ context.Context, key string, result *ScrapeResult, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	c.entries[key] = memoryCacheEntry{result: result.clone(), expiresAt: exp}
}

// clone copies the result so cached entries and caller-held results cannot
// mutate each other; the redis cache gets the same isolation from JSON
// round-tripping.
func (r *ScrapeResult) clone() *ScrapeResult {
	if r == nil {
		return nil
	}
	copied := *r
	if r.Data != nil {
		copied.Data = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			if values, ok := v.([]string); ok {
				copied.Data[k] = append([]string(nil), values...)
				continue
			}
			copied.Data[k] = v
		}
	}
	return &copied
}
