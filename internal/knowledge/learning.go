package knowledge

import (
	"fmt"
	"strings"
	"time"

	banterr "banto/internal/errors"
)

// AuthorityLevel ranks who taught a fact. The order is total:
// SYSTEM < USER < MANAGER < CEO.
type AuthorityLevel string

const (
	AuthoritySystem  AuthorityLevel = "SYSTEM"
	AuthorityUser    AuthorityLevel = "USER"
	AuthorityManager AuthorityLevel = "MANAGER"
	AuthorityCEO     AuthorityLevel = "CEO"
)

var authorityRanks = map[AuthorityLevel]int{
	AuthoritySystem:  0,
	AuthorityUser:    1,
	AuthorityManager: 2,
	AuthorityCEO:     3,
}

// Rank returns the numeric position in the total order. Unknown levels
// rank below SYSTEM so they never win a comparison.
func (l AuthorityLevel) Rank() int {
	if rank, ok := authorityRanks[l]; ok {
		return rank
	}
	return -1
}

// Valid reports whether l is one of the four defined levels.
func (l AuthorityLevel) Valid() bool {
	_, ok := authorityRanks[l]
	return ok
}

// CompareAuthority returns -1 when a ranks below b, 0 on equal rank,
// +1 when a outranks b.
func CompareAuthority(a, b AuthorityLevel) int {
	switch {
	case a.Rank() < b.Rank():
		return -1
	case a.Rank() > b.Rank():
		return 1
	default:
		return 0
	}
}

// ParseAuthority normalizes a textual authority level.
func ParseAuthority(s string) (AuthorityLevel, error) {
	level := AuthorityLevel(strings.ToUpper(strings.TrimSpace(s)))
	if !level.Valid() {
		return "", banterr.NewValidation("authority_level", fmt.Sprintf("unknown authority level %q", s))
	}
	return level, nil
}

// Category shapes a learning's content and selects its contradiction
// rule.
type Category string

const (
	CategoryAlias      Category = "alias"
	CategoryRule       Category = "rule"
	CategoryFact       Category = "fact"
	CategoryPreference Category = "preference"
	CategoryCorrection Category = "correction"
	CategoryProcedure  Category = "procedure"
	// CategoryOther carries free-form content via the fallback map.
	// Contradiction falls back to whole-content comparison.
	CategoryOther Category = "other"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryAlias, CategoryRule, CategoryFact, CategoryPreference,
		CategoryCorrection, CategoryProcedure, CategoryOther:
		return true
	default:
		return false
	}
}

// ParseCategory normalizes a textual category.
func ParseCategory(s string) (Category, error) {
	category := Category(strings.ToLower(strings.TrimSpace(s)))
	if !category.Valid() {
		return "", banterr.NewValidation("category", fmt.Sprintf("unknown category %q", s))
	}
	return category, nil
}

// Learning is one taught fact: scoped to an organization, keyed by
// (category, trigger), ranked by authority. Learnings are never edited
// in place; superseding writes a new row and marks the old one.
type Learning struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Category       Category       `json:"category"`
	Trigger        string         `json:"trigger"`
	Content        Content        `json:"content"`
	Authority      AuthorityLevel `json:"authority_level"`
	TaughtBy       string         `json:"taught_by,omitempty"`
	ValidFrom      time.Time      `json:"valid_from"`
	ValidUntil     time.Time      `json:"valid_until"`
	SupersededBy   string         `json:"superseded_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ActiveAt reports whether the learning is authoritative at the given
// instant: not superseded and inside its validity window.
func (l Learning) ActiveAt(now time.Time) bool {
	if l.SupersededBy != "" {
		return false
	}
	if !l.ValidFrom.IsZero() && now.Before(l.ValidFrom) {
		return false
	}
	if !l.ValidUntil.IsZero() && !now.Before(l.ValidUntil) {
		return false
	}
	return true
}

// Validate checks the fields a store refuses to persist without.
func (l Learning) Validate() error {
	if strings.TrimSpace(l.ID) == "" {
		return banterr.NewValidation("id", "learning id is required")
	}
	if strings.TrimSpace(l.OrganizationID) == "" {
		return banterr.NewValidation("organization_id", "organization id is required")
	}
	if !l.Category.Valid() {
		return banterr.NewValidation("category", fmt.Sprintf("unknown category %q", l.Category))
	}
	if strings.TrimSpace(l.Trigger) == "" {
		return banterr.NewValidation("trigger", "trigger is required")
	}
	if !l.Authority.Valid() {
		return banterr.NewValidation("authority_level", fmt.Sprintf("unknown authority level %q", l.Authority))
	}
	return nil
}
