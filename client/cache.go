package client

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is a concurrency-safe keyed cache with optional expiry. Misses are
// fetched through a singleflight group so that concurrent misses on one key
// share a single fetch and never hold the lock other keys read through.
//
// Provider metadata and signing keys rotate on the provider's schedule, so a
// zero TTL (never expire) should be paired with explicit Invalidate calls.
type Cache[V any] struct {
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	items map[string]cacheEntry[V]
	group singleflight.Group
}

type cacheEntry[V any] struct {
	value   V
	fetched time.Time
	expires time.Time
}

// NewCache creates a cache whose entries live for ttl. A ttl of zero keeps
// entries until invalidated.
func NewCache[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]cacheEntry[V]),
	}
}

// Get returns the cached value for key, calling fetch on a miss or after
// expiry. Fetch errors are not cached.
func (c *Cache[V]) Get(ctx context.Context, key string, fetch func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Peek(key); ok {
		return v, nil
	}
	return c.load(ctx, key, fetch)
}

// Refresh unconditionally refetches key and replaces the cached value on success.
func (c *Cache[V]) Refresh(ctx context.Context, key string, fetch func(context.Context) (V, error)) (V, error) {
	return c.load(ctx, key, fetch)
}

// Peek returns the cached value for key without fetching.
func (c *Cache[V]) Peek(key string) (V, bool) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || c.expired(entry) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// FetchedAt reports when key was last stored.
func (c *Cache[V]) FetchedAt(key string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.items[key]
	return entry.fetched, ok
}

// Invalidate drops key.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Reset drops every entry.
func (c *Cache[V]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]cacheEntry[V])
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// load runs fetch once per key for all concurrent callers. The fetch is
// detached from the caller's cancellation so that one abandoned request does
// not fail the callers sharing it; the fetcher's HTTP client timeout bounds
// it instead. A cancelled caller stops waiting and gets ctx.Err().
func (c *Cache[V]) load(ctx context.Context, key string, fetch func(context.Context) (V, error)) (V, error) {
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		v, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		now := c.now()
		entry := cacheEntry[V]{value: v, fetched: now}
		if c.ttl > 0 {
			entry.expires = now.Add(c.ttl)
		}
		c.mu.Lock()
		c.items[key] = entry
		c.mu.Unlock()
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

func (c *Cache[V]) expired(entry cacheEntry[V]) bool {
	return !entry.expires.IsZero() && !c.now().Before(entry.expires)
}
