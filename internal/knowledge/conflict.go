package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ConflictType tags why two learnings contradict.
type ConflictType string

const (
	ConflictContentMismatch ConflictType = "CONTENT_MISMATCH"
	ConflictRule            ConflictType = "RULE_CONFLICT"
	ConflictCEO             ConflictType = "CEO_CONFLICT"
)

// Strategy names how a conflict gets resolved.
type Strategy string

const (
	StrategyNewerWins       Strategy = "NEWER_WINS"
	StrategyHigherAuthority Strategy = "HIGHER_AUTHORITY"
	StrategyConfirmUser     Strategy = "CONFIRM_USER"
)

// ConflictInfo is one contradicting pair: the stored learning versus the
// incoming one, with the tag and the suggested strategy.
type ConflictInfo struct {
	ID                string       `json:"id"`
	Existing          Learning     `json:"existing"`
	Incoming          Learning     `json:"incoming"`
	Type              ConflictType `json:"conflict_type"`
	SuggestedStrategy Strategy     `json:"suggested_strategy"`
	DetectedAt        time.Time    `json:"detected_at"`
}

// Detector finds active learnings contradicting an incoming one.
type Detector struct {
	store Store
	now   func() time.Time
}

// NewDetector wires a detector over a learning store.
func NewDetector(store Store) *Detector {
	return &Detector{store: store, now: time.Now}
}

// WithClock replaces the detector's clock. Tests drive it.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// DetectConflicts scans active learnings sharing the incoming learning's
// (category, trigger) and returns one ConflictInfo per contradicting
// pair. A non-CEO incoming that contradicts any CEO-authored learning is
// tagged CEO_CONFLICT regardless of the category rule.
func (d *Detector) DetectConflicts(ctx context.Context, incoming Learning) ([]ConflictInfo, error) {
	now := d.now()
	active, err := d.store.Active(ctx, incoming.OrganizationID, incoming.Category, incoming.Trigger, now)
	if err != nil {
		return nil, fmt.Errorf("scan active learnings: %w", err)
	}

	var conflicts []ConflictInfo
	for _, existing := range active {
		if existing.ID == incoming.ID {
			continue
		}
		if !existing.Content.Contradicts(incoming.Content, incoming.Category) {
			continue
		}

		conflictType := ConflictContentMismatch
		if incoming.Category == CategoryRule {
			conflictType = ConflictRule
		}
		if incoming.Authority != AuthorityCEO && existing.Authority == AuthorityCEO {
			conflictType = ConflictCEO
		}

		conflict := ConflictInfo{
			ID:         ksuid.New().String(),
			Existing:   existing,
			Incoming:   incoming,
			Type:       conflictType,
			DetectedAt: now,
		}
		conflict.SuggestedStrategy = SuggestStrategy(conflict)
		conflicts = append(conflicts, conflict)
	}
	return conflicts, nil
}

// SuggestStrategy maps a conflict to its resolution strategy:
// CEO_CONFLICT and rank-differing content mismatches resolve by
// authority; rule conflicts and equal-rank mismatches always go to the
// user.
func SuggestStrategy(conflict ConflictInfo) Strategy {
	switch conflict.Type {
	case ConflictCEO:
		return StrategyHigherAuthority
	case ConflictRule:
		return StrategyConfirmUser
	default:
		if CompareAuthority(conflict.Incoming.Authority, conflict.Existing.Authority) != 0 {
			return StrategyHigherAuthority
		}
		return StrategyConfirmUser
	}
}

// ConflictPrompt renders the user-facing question for a pending
// conflict, including a compact diff of the two content bodies so the
// user sees exactly what differs.
func ConflictPrompt(conflict ConflictInfo) string {
	existing := conflict.Existing.Content.Display()
	incoming := conflict.Incoming.Content.Display()

	var b strings.Builder
	fmt.Fprintf(&b, "I already know something different about %q.\n", conflict.Existing.Trigger)
	fmt.Fprintf(&b, "Current (%s): %s\n", conflict.Existing.Authority, existing)
	fmt.Fprintf(&b, "New (%s): %s\n", conflict.Incoming.Authority, incoming)
	if diff := renderDiff(existing, incoming); diff != "" {
		fmt.Fprintf(&b, "Difference: %s\n", diff)
	}
	b.WriteString("Reply 'new' to use the new version or 'existing' to keep the current one.")
	return b.String()
}

// renderDiff produces a compact inline diff: deletions in [-...-],
// insertions in {+...+}.
func renderDiff(before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var b strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			b.WriteString("[-" + d.Text + "-]")
		case diffmatchpatch.DiffInsert:
			b.WriteString("{+" + d.Text + "+}")
		default:
			b.WriteString(d.Text)
		}
	}
	return b.String()
}
