// Package cache memoizes discovery output with a TTL so API reads and
// the monitor loop share one snapshot instead of hammering the host.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/siteflow/siteflow/internal/model"
)

// Builder produces a fresh snapshot. The discovery pipeline's Collect
// satisfies it.
type Builder func(ctx context.Context) (model.SitesSnapshot, error)

// Cache is a thread-safe TTL cache over one sites snapshot. A refresh
// is single-flighted: concurrent readers that miss all wait on the
// same underlying discovery pass and receive the same snapshot.
type Cache struct {
	build Builder
	ttl   time.Duration
	group singleflight.Group

	mu        sync.RWMutex
	snap      model.SitesSnapshot
	populated bool
	fetchedAt time.Time
}

// New returns a cache that refreshes via build when entries older than
// ttl are read.
func New(build Builder, ttl time.Duration) *Cache {
	return &Cache{build: build, ttl: ttl}
}

// Get returns the cached snapshot, refreshing when stale or when force
// is set. A refresh failure leaves any previous snapshot in place.
func (c *Cache) Get(ctx context.Context, force bool) (model.SitesSnapshot, error) {
	if !force {
		if snap, ok := c.fresh(); ok {
			return snap, nil
		}
	}
	v, err, _ := c.group.Do("sites", func() (any, error) {
		// A waiter queued behind a finished refresh is already
		// satisfied by it.
		if !force {
			if snap, ok := c.fresh(); ok {
				return snap, nil
			}
		}
		snap, err := c.build(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.snap = snap
		c.populated = true
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return model.SitesSnapshot{}, err
	}
	return v.(model.SitesSnapshot), nil
}

// Invalidate marks the snapshot stale. The next Get refreshes; Snapshot
// keeps serving the previous data until then.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// Snapshot returns the last known snapshot without refreshing, stale or
// not. ok is false until the first successful refresh.
func (c *Cache) Snapshot() (snap model.SitesSnapshot, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap, c.populated
}

func (c *Cache) fresh() (model.SitesSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.populated || time.Since(c.fetchedAt) >= c.ttl {
		return model.SitesSnapshot{}, false
	}
	return c.snap, true
}
