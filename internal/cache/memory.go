package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache keeps results in process memory with expiry
type MemoryCache struct {
	cache *gocache.Cache
	stats counters
}

// NewMemoryCache creates a new memory cache
func NewMemoryCache(defaultTTL, cleanupInterval time.Duration) *MemoryCache {
	return &MemoryCache{
		cache: gocache.New(defaultTTL, cleanupInterval),
	}
}

// Get retrieves an entry from the cache
func (c *MemoryCache) Get(ctx context.Context, key string) (*Entry, bool) {
	if val, found := c.cache.Get(key); found {
		c.stats.hit()
		return val.(*Entry), true
	}
	c.stats.miss()
	return nil, false
}

// Set stores an entry with the default TTL
func (c *MemoryCache) Set(ctx context.Context, key string, entry *Entry) error {
	c.cache.SetDefault(key, entry)
	return nil
}

// Stats returns hit and miss counts
func (c *MemoryCache) Stats() Stats {
	return c.stats.snapshot()
}

// Close flushes the cache
func (c *MemoryCache) Close() error {
	c.cache.Flush()
	return nil
}
