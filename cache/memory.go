package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// memoryCache implements Cache using an in-memory map with lazy expiry.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func newMemoryCache() *memoryCache {
	return &memoryCache{
		entries: make(map[string]memoryEntry),
	}
}

// Get implements Cache.
func (c *memoryCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	c.mu.RLock()
	e, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return false, nil
	}
	if time.Now().After(e.expiresAt) {
		// Expired entries are collected on the next write to the same key;
		// reads just miss.
		return false, nil
	}

	if err := json.Unmarshal(e.value, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Set implements Cache.
func (c *memoryCache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{
		value:     val,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Delete implements Cache.
func (c *memoryCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

// Close implements Cache.
func (c *memoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	return nil
}
