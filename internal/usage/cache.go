package usage

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Cache fronts an Aggregator with a Store: reads fall through to the
// aggregate on a miss and commits are written through as increments.
type Cache struct {
	store      Store
	aggregator Aggregator

	hits   atomic.Int64
	misses atomic.Int64
}

func NewCache(store Store, aggregator Aggregator) *Cache {
	return &Cache{store: store, aggregator: aggregator}
}

// Usage returns the owner's used bytes, loading and caching the aggregate on
// a miss. A failing store degrades to the aggregate.
func (c *Cache) Usage(ctx context.Context, ownerID string) (int64, error) {
	used, ok, err := c.store.Get(ctx, ownerID)
	if err != nil {
		log.Warn().Err(err).Str("ownerId", ownerID).Msg("[USAGE] Store read failed, falling back to aggregate")
	} else if ok {
		c.hits.Add(1)
		return used, nil
	}
	c.misses.Add(1)

	used, err = c.aggregator.AggregateUsage(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	used = clamp(used)

	if err := c.store.Set(ctx, ownerID, used); err != nil {
		log.Warn().Err(err).Str("ownerId", ownerID).Msg("[USAGE] Failed to cache usage")
	}
	return used, nil
}

// Add applies delta to a cached entry. Absent entries stay absent.
func (c *Cache) Add(ctx context.Context, ownerID string, delta int64) {
	if err := c.store.Increment(ctx, ownerID, delta); err != nil {
		// the entry may now be stale, drop it so the next read re-aggregates
		log.Warn().Err(err).Str("ownerId", ownerID).Msg("[USAGE] Failed to increment usage")
		c.Forget(ctx, ownerID)
	}
}

func (c *Cache) Forget(ctx context.Context, ownerID string) {
	if err := c.store.Evict(ctx, ownerID); err != nil {
		log.Warn().Err(err).Str("ownerId", ownerID).Msg("[USAGE] Failed to evict usage")
	}
}

func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Store exposes the backing store, e.g. for sweeping a MemoryStore.
func (c *Cache) Store() Store {
	return c.store
}
