package knowledge

import (
	"context"
	"fmt"
	"time"

	banterr "banto/internal/errors"
	"banto/internal/logging"
)

// ResolutionOutcome says what a Resolve call did.
type ResolutionOutcome string

const (
	OutcomeAppliedNew   ResolutionOutcome = "applied_new"
	OutcomeKeptExisting ResolutionOutcome = "kept_existing"
	OutcomePending      ResolutionOutcome = "pending"
)

// Choice is the user's answer to a CONFIRM_USER resolution.
type Choice string

const (
	ChoiceNew      Choice = "new"
	ChoiceExisting Choice = "existing"
)

// ParseChoice normalizes a textual choice.
func ParseChoice(s string) (Choice, error) {
	switch Choice(trimLower(s)) {
	case ChoiceNew:
		return ChoiceNew, nil
	case ChoiceExisting:
		return ChoiceExisting, nil
	default:
		return "", banterr.NewValidation("choice", `choice must be "new" or "existing"`)
	}
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	ConflictID string            `json:"conflict_id"`
	Strategy   Strategy          `json:"strategy"`
	Outcome    ResolutionOutcome `json:"outcome"`
	Winner     *Learning         `json:"winner,omitempty"`
	Reason     string            `json:"reason"`
}

// Resolver applies resolution strategies, mutating the store only when a
// side actually wins. A CEO-authored existing learning is never
// displaced by a lower rank, whatever strategy or choice is requested.
type Resolver struct {
	store  Store
	logger logging.Logger
	now    func() time.Time
}

// NewResolver wires a resolver over a learning store.
func NewResolver(store Store, logger logging.Logger) *Resolver {
	return &Resolver{store: store, logger: logging.OrNop(logger), now: time.Now}
}

// WithClock replaces the resolver's clock. Tests drive it.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve applies one strategy to one conflict. NEWER_WINS supersedes
// the existing side unconditionally; HIGHER_AUTHORITY supersedes only
// when the incoming rank is strictly higher; CONFIRM_USER performs no
// mutation until an explicit choice arrives.
func (r *Resolver) Resolve(ctx context.Context, conflict ConflictInfo, strategy Strategy, choice Choice) (Resolution, error) {
	existing := conflict.Existing
	incoming := conflict.Incoming

	// the CEO side always stands, regardless of requested strategy or choice
	if existing.Authority == AuthorityCEO && CompareAuthority(incoming.Authority, AuthorityCEO) < 0 {
		return r.keepExisting(conflict, strategy, "a CEO-taught learning can only be superseded by the CEO"), nil
	}

	switch strategy {
	case StrategyNewerWins:
		return r.applyIncoming(ctx, conflict, strategy, "newer learning supersedes the existing one")
	case StrategyHigherAuthority:
		if CompareAuthority(incoming.Authority, existing.Authority) > 0 {
			return r.applyIncoming(ctx, conflict, strategy,
				fmt.Sprintf("%s outranks %s", incoming.Authority, existing.Authority))
		}
		return r.keepExisting(conflict, strategy,
			fmt.Sprintf("%s does not outrank %s", incoming.Authority, existing.Authority)), nil
	case StrategyConfirmUser:
		switch choice {
		case ChoiceNew:
			return r.applyIncoming(ctx, conflict, strategy, "user chose the new version")
		case ChoiceExisting:
			return r.keepExisting(conflict, strategy, "user kept the existing version"), nil
		default:
			return Resolution{
				ConflictID: conflict.ID,
				Strategy:   strategy,
				Outcome:    OutcomePending,
				Reason:     "awaiting an explicit new/existing choice",
			}, nil
		}
	default:
		return Resolution{}, banterr.NewValidation("strategy", fmt.Sprintf("unknown resolution strategy %q", strategy))
	}
}

func (r *Resolver) applyIncoming(ctx context.Context, conflict ConflictInfo, strategy Strategy, reason string) (Resolution, error) {
	now := r.now()
	incoming := conflict.Incoming
	if incoming.CreatedAt.IsZero() {
		incoming.CreatedAt = now
	}
	if incoming.ValidFrom.IsZero() {
		incoming.ValidFrom = now
	}
	incoming.UpdatedAt = now

	if err := r.store.Put(ctx, incoming); err != nil {
		return Resolution{}, fmt.Errorf("persist incoming learning: %w", err)
	}
	if err := r.store.MarkSuperseded(ctx, conflict.Existing.ID, incoming.ID, now); err != nil {
		return Resolution{}, fmt.Errorf("supersede learning %s: %w", conflict.Existing.ID, err)
	}
	r.logger.Info("learning %s superseded by %s (%s)", conflict.Existing.ID, incoming.ID, strategy)

	return Resolution{
		ConflictID: conflict.ID,
		Strategy:   strategy,
		Outcome:    OutcomeAppliedNew,
		Winner:     &incoming,
		Reason:     reason,
	}, nil
}

func (r *Resolver) keepExisting(conflict ConflictInfo, strategy Strategy, reason string) Resolution {
	existing := conflict.Existing
	return Resolution{
		ConflictID: conflict.ID,
		Strategy:   strategy,
		Outcome:    OutcomeKeptExisting,
		Winner:     &existing,
		Reason:     reason,
	}
}
