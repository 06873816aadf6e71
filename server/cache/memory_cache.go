package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"
)

type MemoryCache struct {
	items     map[string]*CacheItem
	mutex     sync.RWMutex
	maxSize   int
	ttl       time.Duration
	logger    *zap.Logger
	cleanup   *time.Ticker
	stopCh    chan struct{}
	closeOnce sync.Once

	hits      int64
	misses    int64
	evictions int64

	now func() time.Time
}

type CacheItem struct {
	Value       []byte
	ExpiresAt   time.Time
	LastUsed    time.Time
	AccessCount int64
}

// NewMemoryCache returns an LRU cache whose entries expire after ttl. A
// maxSize below 1 disables storage entirely.
func NewMemoryCache(maxSize int, ttl time.Duration, logger *zap.Logger) *MemoryCache {
	cache := &MemoryCache{
		items:   make(map[string]*CacheItem),
		maxSize: maxSize,
		ttl:     ttl,
		logger:  logger,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	cache.cleanup = time.NewTicker(1 * time.Minute)
	go cache.cleanupExpired()

	return cache
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte) error {
	if c.maxSize < 1 {
		return nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		c.evictLRU()
	}

	c.items[key] = &CacheItem{
		Value:       clone(value),
		ExpiresAt:   now.Add(c.ttl),
		LastUsed:    now,
		AccessCount: 1,
	}

	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	item, exists := c.items[key]
	if !exists {
		c.misses++
		return nil, ErrCacheMiss
	}

	now := c.now()
	if now.After(item.ExpiresAt) {
		delete(c.items, key)
		c.misses++
		return nil, ErrCacheMiss
	}

	item.LastUsed = now
	item.AccessCount++
	c.hits++

	return clone(item.Value), nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, key)
	return nil
}

func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, exists := c.items[key]
	if !exists {
		return false, nil
	}

	return !c.now().After(item.ExpiresAt), nil
}

func (c *MemoryCache) Clear(ctx context.Context) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	n := len(c.items)
	c.items = make(map[string]*CacheItem)
	c.logger.Info("Cache cleared", zap.Int("items", n))
	return n, nil
}

func (c *MemoryCache) GetStats(ctx context.Context) (*CacheStats, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now()
	expired := 0
	for _, item := range c.items {
		if now.After(item.ExpiresAt) {
			expired++
		}
	}

	stats := &CacheStats{
		Items:     len(c.items),
		Expired:   expired,
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRatio = float64(c.hits) / float64(total)
	}

	return stats, nil
}

func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() {
		c.cleanup.Stop()
		close(c.stopCh)
	})
	return nil
}

func (c *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, item := range c.items {
		if oldestKey == "" || item.LastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.LastUsed
		}
	}

	if oldestKey != "" {
		delete(c.items, oldestKey)
		c.evictions++
	}
}

func (c *MemoryCache) removeExpired() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	removed := 0
	for key, item := range c.items {
		if now.After(item.ExpiresAt) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) cleanupExpired() {
	for {
		select {
		case <-c.cleanup.C:
			if n := c.removeExpired(); n > 0 {
				c.logger.Debug("Expired cache entries removed", zap.Int("count", n))
			}
		case <-c.stopCh:
			return
		}
	}
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// GenerateCacheKey hashes components with a separator so that ("ab", "c")
// and ("a", "bc") do not collide.
func GenerateCacheKey(components ...string) string {
	h := sha256.New()
	for _, component := range components {
		h.Write([]byte(component))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
