// Package cache provides an in-process TTL cache used by the Catalog for
// engine manifest lookups, so a hot DAG-building loop doesn't redo the same
// lookup on every job submission.
package cache

import (
	"context"
	"sync"
	"time"
)

// Entry is a cached value with its expiry and the manifest/registry
// generation it was computed under.
type Entry struct {
	Value      interface{}
	Expiration time.Time
	Version    int64
}

// Config controls TTL and background cleanup cadence.
type Config struct {
	DefaultTTL      time.Duration
	MaxSize         int
	CleanupInterval time.Duration
}

// DefaultConfig suits catalog lookups: short TTL since a manifest reload
// should become visible quickly, small size since the key space is just
// (stage, language, capability) tuples.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      30 * time.Second,
		MaxSize:         1000,
		CleanupInterval: 2 * time.Minute,
	}
}

// Cache is a generic, versioned, TTL-bounded in-process cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	config  Config
	version int64
	stop    chan struct{}
}

// New creates a Cache and starts its background cleanup goroutine.
func New(cfg Config) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 30 * time.Second
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 2 * time.Minute
	}

	c := &Cache{
		entries: make(map[string]*Entry),
		config:  cfg,
		stop:    make(chan struct{}),
	}
	go c.runCleanup()
	return c
}

// Close stops the background cleanup goroutine.
func (c *Cache) Close() {
	close(c.stop)
}

func (c *Cache) runCleanup() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.Expiration) {
			delete(c.entries, key)
		}
	}
}

// Get returns a cached value if present and unexpired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.Expiration) {
		return nil, false
	}
	return entry.Value, true
}

// GetVersioned returns a cached value along with the cache generation it was
// stored under, so a caller can detect a manifest reload that happened
// between Get calls.
func (c *Cache) GetVersioned(key string) (interface{}, int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.Expiration) {
		return nil, 0, false
	}
	return entry.Value, entry.Version, true
}

// Set stores value under key with ttl (or the cache default when ttl is 0).
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &Entry{
		Value:      value,
		Expiration: time.Now().Add(ttl),
		Version:    c.version,
	}
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateAll drops every cached entry without bumping the version,
// unlike BumpVersion.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
}

// BumpVersion invalidates every entry and advances the generation counter.
// The Catalog calls this after a manifest reload so stale (stage, language)
// lookups computed against the old manifest are never served.
func (c *Cache) BumpVersion() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.entries = make(map[string]*Entry)
	return c.version
}

// Version returns the current generation counter.
func (c *Cache) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Size returns the number of live entries (including not-yet-swept expired ones).
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TypedCache provides a namespaced view over a shared Cache: every key is
// stored under the view's prefix.
type TypedCache struct {
	cache  *Cache
	prefix string
}

// NewTypedCache creates a TypedCache over cache with the given key prefix.
func NewTypedCache(cache *Cache, prefix string) *TypedCache {
	return &TypedCache{cache: cache, prefix: prefix}
}

func (c *TypedCache) Get(ctx context.Context, key string) (interface{}, bool) {
	return c.cache.Get(c.prefix + key)
}

func (c *TypedCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	c.cache.Set(c.prefix+key, value, ttl)
}

func (c *TypedCache) Delete(ctx context.Context, key string) {
	c.cache.Invalidate(c.prefix + key)
}
