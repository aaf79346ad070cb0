// Package cache provides the bounded process-local L1 cache used by the
// session store and the authorization caches. Entries carry an absolute
// deadline and the map is size-capped; eviction removes the entry closest
// to expiry so a full cache keeps its freshest data.
package cache

import (
	"sync"
	"time"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a concurrency-safe, size-capped map with per-entry TTL.
// Reads of expired entries miss; expired entries are reclaimed lazily on
// write when the cache is at capacity.
type TTL[V any] struct {
	mu         sync.RWMutex
	entries    map[string]entry[V]
	ttl        time.Duration
	maxEntries int
	clock      domain.Clock
}

// NewTTL creates a cache holding at most maxEntries values for at most ttl.
func NewTTL[V any](ttl time.Duration, maxEntries int, clock domain.Clock) *TTL[V] {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &TTL[V]{
		entries:    make(map[string]entry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      clock,
	}
}

// Get returns the cached value for key, if present and not expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.clock.Now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the cache's default TTL.
func (c *TTL[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key with an explicit TTL. A TTL shorter than
// the cache default bounds staleness further (e.g. an access token expiring
// before the L1 window elapses).
func (c *TTL[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}
}

// Delete removes key from the cache.
func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of entries currently held, including entries that
// have expired but not yet been reclaimed.
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictLocked frees one slot: it drops every expired entry, and if nothing
// had expired it removes the entry with the nearest deadline.
func (c *TTL[V]) evictLocked(now time.Time) {
	var (
		victim   string
		earliest time.Time
		dropped  bool
	)
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			dropped = true
			continue
		}
		if victim == "" || e.expiresAt.Before(earliest) {
			victim = k
			earliest = e.expiresAt
		}
	}
	if !dropped && victim != "" {
		delete(c.entries, victim)
	}
}
