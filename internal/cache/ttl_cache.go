package cache

import (
	"sync"
	"time"
)

const sweepInterval = time.Minute

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache stores values in-memory with per-entry TTLs. Expired entries are
// dropped lazily on access and by a sweep that runs at most once a minute
// during writes.
type TTLCache[K comparable, V any] struct {
	mu        sync.RWMutex
	items     map[K]cacheEntry[V]
	clock     func() time.Time
	lastSweep time.Time
}

// NewTTLCache constructs a new TTLCache instance. A nil clock uses time.Now.
func NewTTLCache[K comparable, V any](clock func() time.Time) *TTLCache[K, V] {
	if clock == nil {
		clock = time.Now
	}
	return &TTLCache[K, V]{
		items:     make(map[K]cacheEntry[V]),
		clock:     clock,
		lastSweep: clock(),
	}
}

// Get returns a cached value if it exists and has not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if now := c.clock(); entry.expired(now) {
		c.deleteIfExpired(key, now)
		return zero, false
	}
	return entry.value, true
}

// deleteIfExpired re-reads the entry under the write lock so a value stored
// after the read in Get survives.
func (c *TTLCache[K, V]) deleteIfExpired(key K, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.items[key]; ok && entry.expired(now) {
		delete(c.items, key)
	}
}

// Set stores a value with the provided TTL. A non-positive TTL never expires.
func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if c == nil {
		return
	}
	now := c.clock()
	c.mu.Lock()
	c.maybeSweepLocked(now)
	c.items[key] = newEntry(value, now, ttl)
	c.mu.Unlock()
}

// PutIfAbsent stores the value only when no unexpired entry exists for key.
// The lookup and the insert happen under one lock, so concurrent callers
// racing on the same key observe exactly one successful store.
func (c *TTLCache[K, V]) PutIfAbsent(key K, value V, ttl time.Duration) bool {
	if c == nil {
		return false
	}
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeSweepLocked(now)
	if entry, ok := c.items[key]; ok && !entry.expired(now) {
		return false
	}
	c.items[key] = newEntry(value, now, ttl)
	return true
}

// Delete removes a cached entry.
func (c *TTLCache[K, V]) Delete(key K) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Sweep removes every expired entry and reports how many were dropped.
func (c *TTLCache[K, V]) Sweep() int {
	if c == nil {
		return 0
	}
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now)
}

// Len reports the number of stored entries, expired or not.
func (c *TTLCache[K, V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *TTLCache[K, V]) maybeSweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < sweepInterval {
		return
	}
	c.sweepLocked(now)
}

func (c *TTLCache[K, V]) sweepLocked(now time.Time) int {
	removed := 0
	for key, entry := range c.items {
		if entry.expired(now) {
			delete(c.items, key)
			removed++
		}
	}
	c.lastSweep = now
	return removed
}

func newEntry[V any](value V, now time.Time, ttl time.Duration) cacheEntry[V] {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	return cacheEntry[V]{value: value, expiresAt: expiresAt}
}

func (e cacheEntry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}
