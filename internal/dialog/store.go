package dialog

import (
	"context"
	"errors"
	"time"
)

// ErrStateNotFound is returned when no row exists for a key.
var ErrStateNotFound = errors.New("conversation state not found")

// Store persists at most one ConversationState per key with atomic
// upsert/delete semantics, last writer wins. Stores return rows as
// written; expiry is the machine's concern (lazy, at read time).
//
// A store that cannot deserialize a stored payload returns a
// *errors.StateCorruptionError so readers can fail open to NORMAL.
type Store interface {
	Get(ctx context.Context, key Key) (ConversationState, error)
	Put(ctx context.Context, state ConversationState) error
	Delete(ctx context.Context, key Key) error
	// DeleteExpired reclaims rows whose TTL elapsed before now. It exists
	// for scheduled maintenance only; correctness never depends on it.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}
