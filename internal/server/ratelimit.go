package server

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	rateLimitMaxEntries = 4096
	rateLimitEntryTTL   = 15 * time.Minute
)

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userRateLimiter holds one token bucket per caller key. The LRU bounds
// memory under key churn; entries idle past the TTL restart with a fresh
// bucket.
type userRateLimiter struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *rateLimitEntry]
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

// newUserRateLimiter returns nil when limiting is disabled; a nil
// limiter allows everything.
func newUserRateLimiter(perMinute, burst int) *userRateLimiter {
	if perMinute <= 0 || burst <= 0 {
		return nil
	}
	entries, err := lru.New[string, *rateLimitEntry](rateLimitMaxEntries)
	if err != nil {
		return nil
	}
	return &userRateLimiter{
		entries: entries,
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		ttl:     rateLimitEntryTTL,
		now:     time.Now,
	}
}

func (r *userRateLimiter) allow(key string) bool {
	if r == nil || key == "" {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry, ok := r.entries.Get(key)
	if !ok || now.Sub(entry.lastSeen) > r.ttl {
		entry = &rateLimitEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries.Add(key, entry)
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}
