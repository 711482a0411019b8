package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newTestCache(ttl time.Duration, maxEntries int) *Cache {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	return New(ttl, maxEntries, log)
}

func TestGetPut(t *testing.T) {
	c := newTestCache(time.Hour, 0)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Put("k", 42)
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestExpiredEntryIsMissAndEvicted(t *testing.T) {
	c := newTestCache(time.Hour, 0)

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put("k", "v")

	// Advance past the TTL; the read must miss and evict.
	c.now = func() time.Time { return base.Add(time.Hour + time.Second) }
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestPutRefreshesTTL(t *testing.T) {
	c := newTestCache(time.Hour, 0)

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put("k", 1)

	c.now = func() time.Time { return base.Add(50 * time.Minute) }
	c.Put("k", 2)

	c.now = func() time.Time { return base.Add(90 * time.Minute) }
	v, ok := c.Get("k")
	assert.True(t, ok, "entry refreshed at t+50m should survive to t+90m")
	assert.Equal(t, 2, v)
}

func TestInvalidatePrefix(t *testing.T) {
	c := newTestCache(time.Hour, 0)

	c.Put("windows:9999999999:2026-08-20:KEYWORD", 1)
	c.Put("windows:9999999999:2026-08-20:CAMPAIGN", 2)
	c.Put("windows:1111111111:2026-08-20:KEYWORD", 3)

	removed := c.InvalidatePrefix("windows:9999999999:")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("windows:1111111111:2026-08-20:KEYWORD")
	assert.True(t, ok)
}

func TestPurgeExpired(t *testing.T) {
	c := newTestCache(time.Hour, 0)

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put("old", 1)

	c.now = func() time.Time { return base.Add(30 * time.Minute) }
	c.Put("fresh", 2)

	c.now = func() time.Time { return base.Add(70 * time.Minute) }
	removed := c.PurgeExpired()
	assert.Equal(t, 1, removed)

	_, ok := c.Get("fresh")
	assert.True(t, ok)
}

func TestOverflowEvictsOldestFirst(t *testing.T) {
	c := newTestCache(time.Hour, 3)

	base := time.Now()
	for i := 0; i < 3; i++ {
		offset := time.Duration(i) * time.Second
		c.now = func() time.Time { return base.Add(offset) }
		c.Put(fmt.Sprintf("k%d", i), i)
	}

	c.now = func() time.Time { return base.Add(10 * time.Second) }
	c.Put("k3", 3)

	assert.Equal(t, 3, c.Len())
	_, ok := c.Get("k0")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Get("k3")
	assert.True(t, ok)
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	c := newTestCache(time.Hour, 0)
	c.Put("k", "stable")

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Single writer per key alternating put/invalidate.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				c.Put("k", "stable")
			} else {
				c.Invalidate("k")
			}
		}
	}()

	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if v, ok := c.Get("k"); ok {
					// Hit or miss are both fine; a torn value is not.
					assert.Equal(t, "stable", v)
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()
}
