// Package cache provides a small thread-safe in-memory cache with TTL
// expiry. The dev gateway uses it to memoize verified room tokens so
// reconnecting clients do not pay the signature check twice.
package cache

import (
	"context"
	"sync"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

func (it *item[V]) expired() bool {
	return time.Now().After(it.expiresAt)
}

// Cache is a map with per-entry expiry and a background sweep.
type Cache[V any] struct {
	mu          sync.RWMutex
	items       map[string]*item[V]
	defaultTTL  time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// New creates a cache whose entries expire after defaultTTL unless a
// per-entry TTL is given. A sweep goroutine runs at half the TTL and
// keeps running until Stop.
func New[V any](defaultTTL time.Duration) *Cache[V] {
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	c := &Cache[V]{
		items:       make(map[string]*item[V]),
		defaultTTL:  defaultTTL,
		stopCleanup: make(chan struct{}),
	}
	go c.cleanup(defaultTTL / 2)
	return c
}

// Get retrieves a live value.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, exists := c.items[key]
	if !exists || it.expired() {
		var zero V
		return zero, false
	}
	return it.value, true
}

// Set stores a value with the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value with an explicit lifetime. Non-positive
// lifetimes fall back to the default.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &item[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

// GetOrSet returns the cached value for key, or runs fallback and
// caches its result for ttl (default TTL when ttl <= 0). Concurrent
// misses may each run the fallback; last write wins.
func (c *Cache[V]) GetOrSet(ctx context.Context, key string, ttl time.Duration, fallback func(context.Context) (V, error)) (V, error) {
	if value, found := c.Get(key); found {
		return value, nil
	}

	value, err := fallback(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	c.SetWithTTL(key, value, ttl)
	return value, nil
}

// Delete removes a key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*item[V])
}

// Len counts live entries.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, it := range c.items {
		if !it.expired() {
			n++
		}
	}
	return n
}

// Stop ends the sweep goroutine. Safe to call more than once.
func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}

func (c *Cache[V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, it := range c.items {
		if it.expired() {
			delete(c.items, key)
		}
	}
}

func (c *Cache[V]) cleanup(interval time.Duration) {
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCleanup:
			return
		}
	}
}
