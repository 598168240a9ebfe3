// Package cache stores resolved stream locators so repeat plays of the same
// chapter skip the upstream round trip.
package cache

import (
	"context"
	"sync"
	"time"
)

// LocatorCache is a TTL cache keyed by "itemID/chapterID".
type LocatorCache interface {
	// Get returns the cached locator for key, if present and not expired.
	Get(ctx context.Context, key string) (string, bool)
	// Set stores a locator under key for the given TTL.
	Set(ctx context.Context, key, locator string, ttl time.Duration)
	// Delete removes a cached locator.
	Delete(ctx context.Context, key string)
	// Close releases any held resources.
	Close() error
}

// Key builds the canonical cache key for a chapter.
func Key(itemID, chapterID string) string {
	return itemID + "/" + chapterID
}

type memoryEntry struct {
	locator    string
	expiration time.Time
}

// memoryCache is the in-process LocatorCache. Expired entries are pruned
// lazily on access and wholesale on Set.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryCache creates an in-memory locator cache.
func NewMemoryCache() LocatorCache {
	return &memoryCache{entries: make(map[string]memoryEntry)}
}

func (c *memoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.RLock()
	e, found := c.entries[key]
	c.mu.RUnlock()

	if !found {
		return "", false
	}
	if time.Now().After(e.expiration) {
		c.Delete(context.Background(), key)
		return "", false
	}
	return e.locator, true
}

func (c *memoryCache) Set(_ context.Context, key, locator string, ttl time.Duration) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if now.After(e.expiration) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = memoryEntry{locator: locator, expiration: now.Add(ttl)}
}

func (c *memoryCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *memoryCache) Close() error { return nil }
