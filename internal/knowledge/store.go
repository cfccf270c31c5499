package knowledge

import (
	"context"
	"errors"
	"time"
)

// ErrLearningNotFound is returned when no learning exists for an ID.
var ErrLearningNotFound = errors.New("learning not found")

// Store persists learnings. Rows are append-mostly: superseding marks
// the old row instead of rewriting it, and Delete exists only for
// explicit authorized removal.
type Store interface {
	Put(ctx context.Context, learning Learning) error
	Get(ctx context.Context, id string) (Learning, error)
	// Active returns the non-superseded learnings for one
	// (organization, category, trigger) key that are valid at now.
	Active(ctx context.Context, orgID string, category Category, trigger string, now time.Time) ([]Learning, error)
	// List returns every learning active at now for an organization.
	List(ctx context.Context, orgID string, now time.Time) ([]Learning, error)
	MarkSuperseded(ctx context.Context, id, supersededBy string, now time.Time) error
	Delete(ctx context.Context, id string) error
	// PurgeSuperseded removes superseded rows whose supersession happened
	// before the cutoff. Scheduled maintenance only.
	PurgeSuperseded(ctx context.Context, before time.Time) (int, error)
	Close() error
}
