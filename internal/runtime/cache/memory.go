package cache

import (
	"context"
	"sync"
	"time"
)

type memoryCache struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemory builds an in-process cache whose entries expire ttl after write.
// maxEntries of zero leaves the cache unbounded.
func NewMemory(ttl time.Duration, maxEntries int) ValueCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &memoryCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]Entry),
	}
}

// NewMemoryFactory yields fresh builders producing memory caches with the
// given base TTL and size bound.
func NewMemoryFactory(baseTTL time.Duration, maxEntries int) Factory {
	return func() *Builder {
		return &Builder{
			ttl:        baseTTL,
			maxEntries: maxEntries,
			construct: func(_ string, b *Builder) (ValueCache, error) {
				return NewMemory(b.ttl, b.maxEntries), nil
			},
		}
	}
}

func (c *memoryCache) Lookup(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if time.Now().After(entry.ExpiresAt) {
		delete(c.entries, key)
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (c *memoryCache) Store(_ context.Context, key string, payload []byte) error {
	now := time.Now().UTC()
	entry := Entry{
		Payload:   append([]byte(nil), payload...),
		StoredAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		c.evictLocked(now)
	}
	return nil
}

// evictLocked drops expired entries first, then the oldest writes until the
// bound holds again.
func (c *memoryCache) evictLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
		}
	}
	for len(c.entries) > c.maxEntries {
		var oldestKey string
		var oldest time.Time
		for key, entry := range c.entries {
			if oldestKey == "" || entry.StoredAt.Before(oldest) {
				oldestKey, oldest = key, entry.StoredAt
			}
		}
		delete(c.entries, oldestKey)
	}
}

func (c *memoryCache) Size(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
		}
	}
	return int64(len(c.entries)), nil
}

func (c *memoryCache) Close(context.Context) error {
	return nil
}

func cloneEntry(in Entry) Entry {
	return Entry{
		Payload:   append([]byte(nil), in.Payload...),
		StoredAt:  in.StoredAt,
		ExpiresAt: in.ExpiresAt,
	}
}
