// Package cache provides injectable, bounded TTL caches with invalidation hooks.
package cache

import (
	"context"
	"sync"
	"time"
)

const DefaultMaxEntries = 1024

type entry[V any] struct {
	value     V
	expiresAt time.Time
	storedAt  time.Time
}

// Option configures a TTLCache
type Option func(*options)

type options struct {
	maxEntries int
	now        func() time.Time
}

// WithMaxEntries bounds the number of cached keys. The oldest entry is evicted first.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		o.maxEntries = n
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// TTLCache is a concurrency-safe key/value cache whose entries expire after a fixed TTL.
type TTLCache[V any] struct {
	mu         sync.RWMutex
	entries    map[string]entry[V]
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	hooks      []func(key string)
}

// New creates a TTLCache. A ttl <= 0 disables caching: every Get misses.
func New[V any](ttl time.Duration, opts ...Option) *TTLCache[V] {
	o := options{maxEntries: DefaultMaxEntries, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxEntries <= 0 {
		o.maxEntries = DefaultMaxEntries
	}

	return &TTLCache[V]{
		entries:    make(map[string]entry[V]),
		ttl:        ttl,
		maxEntries: o.maxEntries,
		now:        o.now,
	}
}

// Get returns the cached value if present and not expired.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for the cache TTL.
func (c *TTLCache[V]) Set(key string, value V) {
	if c.ttl <= 0 {
		return
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl), storedAt: now}
}

// evictLocked drops expired entries, then the oldest one if still full.
func (c *TTLCache[V]) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}

	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.storedAt.Before(oldest) {
			oldestKey, oldest, first = k, e.storedAt, false
		}
	}
	delete(c.entries, oldestKey)
}

// GetOrLoad returns the cached value or calls load and caches its result.
// Errors are not cached.
func (c *TTLCache[V]) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err := load(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

// Invalidate drops key and notifies hooks.
func (c *TTLCache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	hooks := append([]func(string){}, c.hooks...)
	c.mu.Unlock()

	for _, h := range hooks {
		h(key)
	}
}

// InvalidateAll empties the cache. Hooks receive an empty key.
func (c *TTLCache[V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	hooks := append([]func(string){}, c.hooks...)
	c.mu.Unlock()

	for _, h := range hooks {
		h("")
	}
}

// OnInvalidate registers fn to run after every invalidation.
func (c *TTLCache[V]) OnInvalidate(fn func(key string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *TTLCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
