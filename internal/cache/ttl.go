// Package cache provides a small expiring key-value map used for discovery
// memoization and externally-hosted study content. Entries expire after a
// fixed TTL and are never invalidated on writes; callers accept the staleness
// window. Nothing survives a restart.
package cache

import (
	"sync"
	"time"
)

// TTL is an expiring map from string keys to values of type V. The zero
// value is not usable; construct with NewTTL.
type TTL[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry[V]
	now     func() time.Time
}

type entry[V any] struct {
	value   V
	expires time.Time
}

// NewTTL creates a cache whose entries expire after ttl.
func NewTTL[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{
		ttl:     ttl,
		entries: make(map[string]entry[V]),
		now:     time.Now,
	}
}

// Get returns the cached value for key, or false when absent or expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.now().After(e.expires) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for one TTL period.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[V]{
		value:   value,
		expires: c.now().Add(c.ttl),
	}
}

// Len returns the number of entries, counting expired ones not yet evicted.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
