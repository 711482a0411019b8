// Package cache provides the expiring in-memory cache used to serve dashboard
// reads without re-querying the warehouse. The cache is advisory: a stale hit
// must never produce a write decision, so guardrails always reread the
// warehouse regardless of what is cached here.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTTL is the entry lifetime when none is configured.
const DefaultTTL = time.Hour

type entry struct {
	value      interface{}
	insertedAt time.Time
}

// Cache is a TTL-keyed memo of expensive warehouse queries. Safe for
// concurrent readers and writers; a Get racing an eviction observes either
// the whole value or a miss, never a torn value. Memory bound is soft:
// inserts past maxEntries evict the oldest entry first.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	log        zerolog.Logger
}

// New creates a cache with the given TTL and soft entry cap. ttl <= 0 falls
// back to DefaultTTL; maxEntries <= 0 means uncapped.
func New(ttl time.Duration, maxEntries int, log zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries:    make(map[string]entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		log:        log.With().Str("component", "cache").Logger(),
	}
}

// Get returns the value for key, or ok=false on miss. An entry past its TTL
// counts as a miss and is evicted.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, found := c.entries[key]
	c.mu.RUnlock()

	if !found {
		return nil, false
	}

	if c.now().Sub(e.insertedAt) > c.ttl {
		c.mu.Lock()
		// Re-check under the write lock: a Put may have refreshed the entry.
		if cur, still := c.entries[key]; still && cur.insertedAt.Equal(e.insertedAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return e.value, true
}

// Put stores value under key, refreshing the insertion timestamp.
func (c *Cache) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		if _, exists := c.entries[key]; !exists {
			c.evictOldestLocked()
		}
	}

	c.entries[key] = entry{value: value, insertedAt: c.now()}
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidatePrefix removes every key with the given prefix. The execution
// engine calls this per customer after a batch so dashboard reads see fresh
// state.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// PurgeExpired removes every entry past its TTL and returns the count.
func (c *Cache) PurgeExpired() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.insertedAt) > c.ttl {
			delete(c.entries, key)
			removed++
		}
	}

	if removed > 0 {
		c.log.Debug().Int("removed", removed).Msg("Purged expired cache entries")
	}
	return removed
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictOldestLocked drops the entry with the earliest insertion time.
// Caller holds the write lock.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for key, e := range c.entries {
		if first || e.insertedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.insertedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
