// Package cache holds the in-process plan cache.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InMemoryCache is a thread-safe TTL cache. Entries are evicted lazily on
// read and periodically by a janitor goroutine that stops on Close.
type InMemoryCache struct {
	mu    sync.RWMutex
	store map[string]cacheItem

	ttl             time.Duration
	cleanupInterval time.Duration
	maxEntries      int
	logger          zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type cacheItem struct {
	value      any
	expiration time.Time
}

// Option configures an InMemoryCache.
type Option func(*InMemoryCache)

// WithCleanupInterval sets how often expired entries are swept.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *InMemoryCache) {
		c.cleanupInterval = d
	}
}

// WithMaxEntries caps the number of live entries. When full, the entry
// closest to expiry is evicted. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(c *InMemoryCache) {
		c.maxEntries = n
	}
}

// WithLogger sets the cache logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *InMemoryCache) {
		c.logger = logger
	}
}

// NewInMemoryCache creates a cache whose entries live for ttl.
func NewInMemoryCache(ttl time.Duration, opts ...Option) *InMemoryCache {
	c := &InMemoryCache{
		store:           make(map[string]cacheItem),
		ttl:             ttl,
		cleanupInterval: 10 * time.Minute,
		logger:          log.Logger,
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cleanupInterval > 0 {
		go c.cleanupLoop(c.cleanupInterval)
	}
	return c
}

// Get returns the cached value for key. A missing or expired key is a
// not-found error.
func (c *InMemoryCache) Get(ctx context.Context, key string) (any, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	c.mu.RLock()
	item, found := c.store[key]
	c.mu.RUnlock()

	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}
	if time.Now().After(item.expiration) {
		c.mu.Lock()
		if cur, ok := c.store[key]; ok && cur.expiration.Equal(item.expiration) {
			delete(c.store, key)
		}
		c.mu.Unlock()
		c.logger.Debug().Str("key", key).Msg("cache entry expired")
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item expired", nil))
	}
	return item.value, nil
}

// Set stores value under key, replacing any previous entry.
func (c *InMemoryCache) Set(ctx context.Context, key string, value any) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.store[key]; !exists && c.maxEntries > 0 && len(c.store) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.store[key] = cacheItem{
		value:      value,
		expiration: time.Now().Add(c.ttl),
	}
	c.logger.Debug().Str("key", key).Msg("cache entry set")
	return nil
}

// Delete removes key if present.
func (c *InMemoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.store, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Close stops the janitor goroutine. The cache stays usable.
func (c *InMemoryCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *InMemoryCache) evictOldestLocked() {
	var (
		victim string
		oldest time.Time
	)
	for k, item := range c.store {
		if victim == "" || item.expiration.Before(oldest) {
			victim, oldest = k, item.expiration
		}
	}
	if victim != "" {
		delete(c.store, victim)
	}
}

func (c *InMemoryCache) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, item := range c.store {
		if now.After(item.expiration) {
			delete(c.store, key)
			removed++
		}
	}
	return removed
}

func (c *InMemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			if n := c.sweep(now); n > 0 {
				c.logger.Debug().Int("removed", n).Msg("cache sweep")
			}
		}
	}
}
