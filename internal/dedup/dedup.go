// Package dedup suppresses redelivered inbound messages. Messaging
// platforms retry webhooks, so the same message ID can arrive more than
// once; the pipeline must process it exactly once.
package dedup

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheSize = 2048
	defaultTTL       = 10 * time.Minute
)

// Cache remembers recently seen message IDs with a TTL. Entries past the
// TTL count as unseen again.
type Cache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
	now   func() time.Time
}

// New builds a dedup cache. Non-positive size and ttl fall back to the
// defaults.
func New(size int, ttl time.Duration) (*Cache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("message dedup init: %w", err)
	}
	return &Cache{cache: cache, ttl: ttl, now: time.Now}, nil
}

// WithClock replaces the cache's clock. Tests drive it.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Seen reports whether the message ID was already recorded inside the
// TTL, recording it as seen when it was not. An empty ID is never a
// duplicate.
func (c *Cache) Seen(messageID string) bool {
	if messageID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if ts, ok := c.cache.Get(messageID); ok {
		if now.Sub(ts) <= c.ttl {
			return true
		}
		c.cache.Remove(messageID)
	}
	c.cache.Add(messageID, now)
	return false
}

// Len reports how many IDs are currently tracked.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
