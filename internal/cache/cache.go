package cache

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// Entry represents a cached item.
type Entry[V any] struct {
	Value     V
	ExpiresAt time.Time
}

// Stats holds cache statistics.
type Stats struct {
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// Cache is a bounded in-memory cache whose entries carry their own expiry.
// Lookups honour a freshness buffer: an entry is served only while it has
// more than the buffer left to live, so callers renew before expiry.
type Cache[V any] struct {
	mu       sync.Mutex
	entries  map[string]Entry[V]
	maxItems int
	buffer   time.Duration
	clock    clock.Clock
	stats    Stats
}

// New creates a cache holding at most maxItems entries.
func New[V any](maxItems int, buffer time.Duration, clk clock.Clock) *Cache[V] {
	if clk == nil {
		clk = clock.WallClock
	}
	if maxItems <= 0 {
		maxItems = 1024
	}
	return &Cache[V]{
		entries:  make(map[string]Entry[V]),
		maxItems: maxItems,
		buffer:   buffer,
		clock:    clk,
	}
}

func (c *Cache[V]) fresh(e Entry[V], now time.Time) bool {
	return now.Add(c.buffer).Before(e.ExpiresAt)
}

// Get returns the value under key if it is still fresh.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if !c.fresh(e, c.clock.Now()) {
		c.stats.Misses++
		return zero, false
	}
	c.stats.Hits++
	return e.Value, true
}

// Set stores value until expiresAt. Entries that would never be fresh are
// not stored.
func (c *Cache[V]) Set(key string, value V, expiresAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	e := Entry[V]{Value: value, ExpiresAt: expiresAt}
	if !c.fresh(e, now) {
		return false
	}

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxItems {
		c.evictExpiredLocked(now)
		if len(c.entries) >= c.maxItems {
			c.evictSoonestLocked()
		}
	}
	c.entries[key] = e
	return true
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes all entries and resets the statistics.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry[V])
	c.stats = Stats{}
}

// Prune removes entries that are no longer fresh and returns how many were
// removed.
func (c *Cache[V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictExpiredLocked(c.clock.Now())
}

// Stats returns cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Items = len(c.entries)
	return s
}

// evictExpiredLocked must be called with the lock held.
func (c *Cache[V]) evictExpiredLocked(now time.Time) int {
	n := 0
	for key, e := range c.entries {
		if !c.fresh(e, now) {
			delete(c.entries, key)
			c.stats.Evictions++
			n++
		}
	}
	return n
}

// evictSoonestLocked drops the entry closest to expiry. Must be called with
// the lock held.
func (c *Cache[V]) evictSoonestLocked() {
	var (
		victim string
		first  = true
		soon   time.Time
	)
	for key, e := range c.entries {
		if first || e.ExpiresAt.Before(soon) {
			victim, soon, first = key, e.ExpiresAt, false
		}
	}
	if !first {
		delete(c.entries, victim)
		c.stats.Evictions++
	}
}
