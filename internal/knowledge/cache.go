package knowledge

import (
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheSize = 512
	defaultCacheTTL  = 2 * time.Minute
)

type cacheEntry struct {
	learnings []Learning
	storedAt  time.Time
}

// learningCache is a read-through cache over Active lookups, keyed by
// (organization, category, trigger). Any write invalidates the whole
// cache; correctness beats hit rate here.
type learningCache struct {
	cache *lru.Cache[string, cacheEntry]
	ttl   time.Duration
	now   func() time.Time
}

func newLearningCache(size int, ttl time.Duration) *learningCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	cache, _ := lru.New[string, cacheEntry](size)
	return &learningCache{cache: cache, ttl: ttl, now: time.Now}
}

func cacheKey(orgID string, category Category, trigger string) string {
	return fmt.Sprintf("%s|%s|%s", orgID, category, strings.ToLower(strings.TrimSpace(trigger)))
}

func (c *learningCache) get(key string) ([]Learning, bool) {
	entry, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.cache.Remove(key)
		return nil, false
	}
	return entry.learnings, true
}

func (c *learningCache) put(key string, learnings []Learning) {
	c.cache.Add(key, cacheEntry{learnings: learnings, storedAt: c.now()})
}

func (c *learningCache) invalidate() {
	c.cache.Purge()
}
