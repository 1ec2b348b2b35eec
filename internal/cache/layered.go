package cache

import (
	"context"
	"errors"
)

// LayeredCache checks a fast local layer before a shared one and backfills
// the local layer on shared hits.
type LayeredCache struct {
	local  ResultCache
	shared ResultCache
	stats  counters
}

// NewLayeredCache creates a two-level cache
func NewLayeredCache(local, shared ResultCache) *LayeredCache {
	return &LayeredCache{local: local, shared: shared}
}

// Get tries the local layer, then the shared one
func (c *LayeredCache) Get(ctx context.Context, key string) (*Entry, bool) {
	if entry, ok := c.local.Get(ctx, key); ok {
		c.stats.hit()
		return entry, true
	}
	if entry, ok := c.shared.Get(ctx, key); ok {
		_ = c.local.Set(ctx, key, entry)
		c.stats.hit()
		return entry, true
	}
	c.stats.miss()
	return nil, false
}

// Set writes through both layers
func (c *LayeredCache) Set(ctx context.Context, key string, entry *Entry) error {
	return errors.Join(c.local.Set(ctx, key, entry), c.shared.Set(ctx, key, entry))
}

// Stats returns combined hit and miss counts
func (c *LayeredCache) Stats() Stats {
	return c.stats.snapshot()
}

// Close closes both layers
func (c *LayeredCache) Close() error {
	return errors.Join(c.local.Close(), c.shared.Close())
}
