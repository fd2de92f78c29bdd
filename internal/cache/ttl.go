// Package cache provides the in-process and shared caching primitives used
// by authentication, budget, and credential lookups.
package cache

import (
	"sync"
	"time"
)

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is a thread-safe map whose entries expire after a fixed duration.
// Expired entries are dropped lazily on read and swept when the cache grows
// past maxSize.
type TTLCache[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	maxSize int
	items   map[string]ttlEntry[V]

	now func() time.Time
}

// NewTTLCache creates a TTL cache. maxSize <= 0 disables the size sweep.
func NewTTLCache[V any](ttl time.Duration, maxSize int) *TTLCache[V] {
	return &TTLCache[V]{
		ttl:     ttl,
		maxSize: maxSize,
		items:   make(map[string]ttlEntry[V]),
		now:     time.Now,
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		if current, still := c.items[key]; still && c.now().After(current.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return entry.value, true
}

// Set stores value under key with the cache's TTL.
func (c *TTLCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = ttlEntry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	if c.maxSize > 0 && len(c.items) > c.maxSize {
		c.sweepLocked()
	}
}

// Delete removes key from the cache.
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes every entry.
func (c *TTLCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]ttlEntry[V])
}

// Len returns the number of stored entries, expired ones included.
func (c *TTLCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *TTLCache[V]) sweepLocked() {
	now := c.now()
	for key, entry := range c.items {
		if now.After(entry.expiresAt) {
			delete(c.items, key)
		}
	}
}
