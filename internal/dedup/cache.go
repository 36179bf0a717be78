package dedup

import (
	"context"
	"sync"
	"time"
)

// Cache is the fast lane of the guard. Entries expire at the end of the UTC
// day they were written for.
type Cache interface {
	Get(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, expiresAt time.Time) error
	Clear(ctx context.Context) error
}

const defaultMaxEntries = 10000

// MemoryCache is a process-local Cache. It holds at most maxEntries keys;
// when full, expired keys are swept and, if that is not enough, the entry
// closest to expiry is evicted.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]time.Time
	maxEntries int
	now        func() time.Time
}

func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}

	return &MemoryCache{
		entries:    make(map[string]time.Time),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	if !c.now().Before(expiresAt) {
		delete(c.entries, key)
		return false, nil
	}

	return true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.sweepLocked()
		if len(c.entries) >= c.maxEntries {
			c.evictOldestLocked()
		}
	}

	c.entries[key] = expiresAt
	return nil
}

func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]time.Time)
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sweepLocked()
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func (c *MemoryCache) sweepLocked() int {
	now := c.now()
	removed := 0
	for key, expiresAt := range c.entries {
		if !now.Before(expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}

	return removed
}

func (c *MemoryCache) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for key, expiresAt := range c.entries {
		if oldestKey == "" || expiresAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = expiresAt
		}
	}
	delete(c.entries, oldestKey)
}
