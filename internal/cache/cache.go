// Package cache implements the two-level search result cache: a small
// process-local accelerator (L1) over the durable shared store (L2).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clipseek/clipseek/internal/metrics"
	"github.com/clipseek/clipseek/internal/pipeline"
)

const (
	entryPrefix   = "cache:entry:"
	usageSet      = "cache:usage"
	accessSet     = "cache:access"
	lastAccessSet = "cache:last_access"

	defaultL1Capacity = 256
)

// Config controls cache behavior.
type Config struct {
	// L1Capacity bounds the in-process level. When full, the entry with the
	// oldest creation time is evicted.
	L1Capacity int
}

// entry is the durable L2 record. Expiry is enforced by the store's own TTL,
// so L2 never grows unbounded even if nothing reads the key again.
type entry struct {
	Items     []pipeline.ResultItem `json:"items"`
	CreatedAt time.Time             `json:"created_at"`
}

type l1Entry struct {
	items     []pipeline.ResultItem
	createdAt time.Time
	expiresAt time.Time
}

// Cache implements pipeline.Cache.
type Cache struct {
	store  pipeline.Store
	clock  pipeline.Clock
	logger *zap.Logger

	mu       sync.Mutex
	l1       map[string]l1Entry
	capacity int
}

// New constructs a Cache over the shared store.
func New(store pipeline.Store, clock pipeline.Clock, cfg Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	capacity := cfg.L1Capacity
	if capacity <= 0 {
		capacity = defaultL1Capacity
	}
	return &Cache{
		store:    store,
		clock:    clock,
		logger:   logger,
		l1:       make(map[string]l1Entry),
		capacity: capacity,
	}
}

// Get returns the payload for key when a live entry exists in either level.
// A hit bumps the access counters; an expired L1 entry is evicted lazily.
func (c *Cache) Get(ctx context.Context, key pipeline.SearchKey) ([]pipeline.ResultItem, bool, error) {
	now := c.clock.Now()
	keyStr := key.String()

	if items, ok := c.l1Get(keyStr, now); ok {
		c.touch(ctx, keyStr, now)
		metrics.CacheHit("l1")
		return items, true, nil
	}

	data, ok, err := c.store.Get(ctx, entryPrefix+keyStr)
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", keyStr, err)
	}
	if !ok {
		metrics.CacheMiss()
		return nil, false, nil
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		// A corrupt entry is treated as absent; the next completed job
		// rewrites it.
		c.logger.Warn("corrupt cache entry dropped", zap.String("key", keyStr), zap.Error(err))
		if delErr := c.store.Del(ctx, entryPrefix+keyStr); delErr != nil {
			c.logger.Warn("drop corrupt cache entry failed", zap.String("key", keyStr), zap.Error(delErr))
		}
		metrics.CacheMiss()
		return nil, false, nil
	}

	ttl, hasTTL, err := c.store.TTL(ctx, entryPrefix+keyStr)
	if err != nil {
		return nil, false, fmt.Errorf("cache ttl %s: %w", keyStr, err)
	}
	if hasTTL {
		c.l1Set(keyStr, e.Items, e.CreatedAt, now.Add(ttl))
	}
	c.touch(ctx, keyStr, now)
	metrics.CacheHit("l2")
	return e.Items, true, nil
}

// Peek reports whether a live entry exists without bumping counters.
func (c *Cache) Peek(ctx context.Context, key pipeline.SearchKey) (bool, error) {
	keyStr := key.String()
	c.mu.Lock()
	if e, ok := c.l1[keyStr]; ok && c.clock.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return true, nil
	}
	c.mu.Unlock()

	_, ok, err := c.store.TTL(ctx, entryPrefix+keyStr)
	if err != nil {
		return false, fmt.Errorf("cache peek %s: %w", keyStr, err)
	}
	return ok, nil
}

// Set inserts or fully replaces the entry for key in both levels.
func (c *Cache) Set(ctx context.Context, key pipeline.SearchKey, items []pipeline.ResultItem, ttl time.Duration) error {
	now := c.clock.Now()
	keyStr := key.String()
	data, err := json.Marshal(entry{Items: items, CreatedAt: now})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.store.Set(ctx, entryPrefix+keyStr, data, ttl); err != nil {
		return fmt.Errorf("cache set %s: %w", keyStr, err)
	}
	c.l1Set(keyStr, items, now, now.Add(ttl))
	return nil
}

// Invalidate removes the entry from both levels. Absent entries are a no-op.
func (c *Cache) Invalidate(ctx context.Context, key pipeline.SearchKey) error {
	keyStr := key.String()
	c.mu.Lock()
	delete(c.l1, keyStr)
	c.mu.Unlock()
	if err := c.store.Del(ctx, entryPrefix+keyStr); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", keyStr, err)
	}
	return nil
}

// RecordSearch bumps the distinct-search counter feeding TopByUsage. The
// counter survives invalidation so popularity outlives any one entry.
func (c *Cache) RecordSearch(ctx context.Context, key pipeline.SearchKey) error {
	if _, err := c.store.ZIncrBy(ctx, usageSet, 1, key.String()); err != nil {
		return fmt.Errorf("record search %s: %w", key, err)
	}
	return nil
}

// TopByUsage lists up to limit keys with searchCount >= min, most searched
// first. Served entirely from L2; not a hot path.
func (c *Cache) TopByUsage(ctx context.Context, minSearchCount, limit int64) ([]pipeline.SearchKey, error) {
	if minSearchCount < 1 {
		minSearchCount = 1
	}
	members, err := c.store.ZRevRangeByScore(ctx, usageSet, float64(minSearchCount), maxScore, limit)
	if err != nil {
		return nil, fmt.Errorf("top by usage: %w", err)
	}
	keys := make([]pipeline.SearchKey, 0, len(members))
	for _, m := range members {
		key, err := pipeline.ParseSearchKey(m.Member)
		if err != nil {
			c.logger.Warn("skip malformed usage member", zap.String("member", m.Member))
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// touch records one hit: access count and last-access time, both single
// atomic store operations.
func (c *Cache) touch(ctx context.Context, keyStr string, now time.Time) {
	if _, err := c.store.ZIncrBy(ctx, accessSet, 1, keyStr); err != nil {
		c.logger.Warn("bump access count failed", zap.String("key", keyStr), zap.Error(err))
	}
	if err := c.store.ZAdd(ctx, lastAccessSet, float64(now.UnixMilli()), keyStr); err != nil {
		c.logger.Warn("record last access failed", zap.String("key", keyStr), zap.Error(err))
	}
}

// Stats returns the usage counters for a key.
func (c *Cache) Stats(ctx context.Context, key pipeline.SearchKey) (pipeline.CacheStats, error) {
	keyStr := key.String()
	var stats pipeline.CacheStats
	if score, ok, err := c.store.ZScore(ctx, accessSet, keyStr); err != nil {
		return stats, fmt.Errorf("cache stats %s: %w", keyStr, err)
	} else if ok {
		stats.AccessCount = int64(score)
	}
	if score, ok, err := c.store.ZScore(ctx, usageSet, keyStr); err != nil {
		return stats, fmt.Errorf("cache stats %s: %w", keyStr, err)
	} else if ok {
		stats.SearchCount = int64(score)
	}
	if score, ok, err := c.store.ZScore(ctx, lastAccessSet, keyStr); err != nil {
		return stats, fmt.Errorf("cache stats %s: %w", keyStr, err)
	} else if ok {
		stats.LastAccessedAt = time.UnixMilli(int64(score)).UTC()
	}
	return stats, nil
}

func (c *Cache) l1Get(keyStr string, now time.Time) ([]pipeline.ResultItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.l1[keyStr]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		delete(c.l1, keyStr)
		return nil, false
	}
	out := make([]pipeline.ResultItem, len(e.items))
	copy(out, e.items)
	return out, true
}

func (c *Cache) l1Set(keyStr string, items []pipeline.ResultItem, createdAt, expiresAt time.Time) {
	copied := make([]pipeline.ResultItem, len(items))
	copy(copied, items)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.l1[keyStr]; !exists && len(c.l1) >= c.capacity {
		c.evictOldestLocked()
	}
	c.l1[keyStr] = l1Entry{items: copied, createdAt: createdAt, expiresAt: expiresAt}
}

// evictOldestLocked drops the entry with the oldest creation time. L1 is a
// short-lived accelerator over L2, so this simple bound is enough.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.l1 {
		if oldestKey == "" || e.createdAt.Before(oldest) {
			oldestKey = k
			oldest = e.createdAt
		}
	}
	if oldestKey != "" {
		delete(c.l1, oldestKey)
	}
}

const maxScore = 1 << 62
