package knowledge

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultPendingMax = 256
	defaultPendingTTL = 10 * time.Minute
)

// PendingResolution parks an incoming learning whose conflicts need an
// explicit user choice. Nothing is persisted until the choice arrives;
// an expired pending simply lapses and the teach must be repeated.
type PendingResolution struct {
	ID        string         `json:"id"`
	Incoming  Learning       `json:"incoming"`
	Conflicts []ConflictInfo `json:"conflicts"`
	Question  string         `json:"question"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// PendingConflicts is a bounded in-memory parking lot for unresolved
// conflicts, keyed by resolution ID. LRU eviction plus a TTL checked on
// read keep it from growing with abandoned teaches.
type PendingConflicts struct {
	cache *lru.Cache[string, PendingResolution]
	ttl   time.Duration
	now   func() time.Time
}

// NewPendingConflicts builds the parking lot. Zero values fall back to
// 256 entries and a 10 minute TTL.
func NewPendingConflicts(maxEntries int, ttl time.Duration) *PendingConflicts {
	if maxEntries <= 0 {
		maxEntries = defaultPendingMax
	}
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	// lru.New only errors on a non-positive size, guarded above
	cache, _ := lru.New[string, PendingResolution](maxEntries)
	return &PendingConflicts{cache: cache, ttl: ttl, now: time.Now}
}

// WithClock replaces the clock. Tests drive expiry with it.
func (p *PendingConflicts) WithClock(now func() time.Time) *PendingConflicts {
	p.now = now
	return p
}

// Park stores a pending resolution and stamps its expiry.
func (p *PendingConflicts) Park(pending PendingResolution) PendingResolution {
	pending.CreatedAt = p.now()
	pending.ExpiresAt = pending.CreatedAt.Add(p.ttl)
	p.cache.Add(pending.ID, pending)
	return pending
}

// Get returns a pending resolution if it exists and has not expired.
// Expired entries are dropped by the read.
func (p *PendingConflicts) Get(id string) (PendingResolution, bool) {
	pending, ok := p.cache.Get(id)
	if !ok {
		return PendingResolution{}, false
	}
	if p.now().After(pending.ExpiresAt) {
		p.cache.Remove(id)
		return PendingResolution{}, false
	}
	return pending, true
}

// Remove drops a pending resolution once it has been applied.
func (p *PendingConflicts) Remove(id string) {
	p.cache.Remove(id)
}

// Len returns the number of parked resolutions, expired ones included
// until a read drops them.
func (p *PendingConflicts) Len() int {
	return p.cache.Len()
}
