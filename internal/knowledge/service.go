package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/ksuid"

	banterr "banto/internal/errors"
	"banto/internal/logging"
)

// ServiceOptions sizes the service's cache and pending-conflict parking.
type ServiceOptions struct {
	CacheSize  int
	CacheTTL   time.Duration
	PendingMax int
	PendingTTL time.Duration
}

// Service is the taught-knowledge surface: teach with conflict handling,
// explicit conflict resolution, cached active lookups, search, and
// authority-checked removal.
type Service struct {
	store    Store
	cache    *learningCache
	detector *Detector
	resolver *Resolver
	pending  *PendingConflicts
	logger   logging.Logger
	now      func() time.Time
}

// NewService wires the service over a learning store.
func NewService(store Store, opts ServiceOptions, logger logging.Logger) *Service {
	logger = logging.OrNop(logger)
	return &Service{
		store:    store,
		cache:    newLearningCache(opts.CacheSize, opts.CacheTTL),
		detector: NewDetector(store),
		resolver: NewResolver(store, logger),
		pending:  NewPendingConflicts(opts.PendingMax, opts.PendingTTL),
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the clock everywhere the service keeps time. Tests
// drive it.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.detector.WithClock(now)
	s.resolver.WithClock(now)
	s.pending.WithClock(now)
	s.cache.now = now
	return s
}

// TeachRequest is one taught fact arriving at the service.
type TeachRequest struct {
	OrganizationID string         `json:"organization_id"`
	Category       Category       `json:"category"`
	Trigger        string         `json:"trigger"`
	Content        string         `json:"content"`
	Authority      AuthorityLevel `json:"authority_level"`
	TaughtBy       string         `json:"taught_by,omitempty"`
	ValidUntil     time.Time      `json:"valid_until,omitempty"`
}

// TeachResult reports whether the fact was stored, and if not, why: the
// conflicts found, a pending resolution ID when the user must choose, or
// a rejection message when a higher authority keeps precedence.
type TeachResult struct {
	Accepted  bool           `json:"accepted"`
	Learning  *Learning      `json:"learning,omitempty"`
	Conflicts []ConflictInfo `json:"conflicts,omitempty"`
	PendingID string         `json:"pending_id,omitempty"`
	Question  string         `json:"question,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// ResolveResult reports the outcome of an explicit conflict choice.
type ResolveResult struct {
	Accepted bool      `json:"accepted"`
	Applied  bool      `json:"applied"`
	Learning *Learning `json:"resulting_learning,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// Teach validates and parses the fact, detects conflicts, and either
// stores it, auto-resolves by authority, parks a pending user choice, or
// rejects it outright when an existing higher authority keeps
// precedence. Nothing is persisted on the pending and rejection paths.
func (s *Service) Teach(ctx context.Context, req TeachRequest) (TeachResult, error) {
	if strings.TrimSpace(req.OrganizationID) == "" {
		return TeachResult{}, banterr.NewValidation("organization_id", "organization id is required")
	}
	if !req.Category.Valid() {
		return TeachResult{}, banterr.NewValidation("category", fmt.Sprintf("unknown category %q", req.Category))
	}
	if strings.TrimSpace(req.Trigger) == "" {
		return TeachResult{}, banterr.NewValidation("trigger", "trigger is required")
	}
	if !req.Authority.Valid() {
		return TeachResult{}, banterr.NewValidation("authority_level", fmt.Sprintf("unknown authority level %q", req.Authority))
	}

	content, err := ParseContent(req.Category, req.Trigger, req.Content)
	if err != nil {
		return TeachResult{}, err
	}

	now := s.now()
	learning := Learning{
		ID:             ksuid.New().String(),
		OrganizationID: strings.TrimSpace(req.OrganizationID),
		Category:       req.Category,
		Trigger:        strings.TrimSpace(req.Trigger),
		Content:        content,
		Authority:      req.Authority,
		TaughtBy:       strings.TrimSpace(req.TaughtBy),
		ValidFrom:      now,
		ValidUntil:     req.ValidUntil,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	conflicts, err := s.detector.DetectConflicts(ctx, learning)
	if err != nil {
		return TeachResult{}, err
	}

	if len(conflicts) == 0 {
		if err := s.store.Put(ctx, learning); err != nil {
			return TeachResult{}, fmt.Errorf("store learning: %w", err)
		}
		s.cache.invalidate()
		s.logger.Debug("learned %s fact (authority=%s)", learning.Category, learning.Authority)
		return TeachResult{Accepted: true, Learning: &learning}, nil
	}

	// classify before touching the store: any auto-rejection wins, then
	// any pending choice parks the whole teach
	var confirms []ConflictInfo
	for _, conflict := range conflicts {
		switch conflict.SuggestedStrategy {
		case StrategyConfirmUser:
			confirms = append(confirms, conflict)
		case StrategyHigherAuthority:
			if CompareAuthority(learning.Authority, conflict.Existing.Authority) <= 0 {
				return TeachResult{
					Accepted:  false,
					Conflicts: conflicts,
					Message:   rejectionMessage(conflict),
				}, nil
			}
		}
	}

	if len(confirms) > 0 {
		// park every conflict, not just the ones needing the choice: a
		// "new" answer must supersede all contradicting rows at once
		pending := s.pending.Park(PendingResolution{
			ID:        ksuid.New().String(),
			Incoming:  learning,
			Conflicts: conflicts,
			Question:  ConflictPrompt(confirms[0]),
		})
		return TeachResult{
			Accepted:  false,
			Conflicts: conflicts,
			PendingID: pending.ID,
			Question:  pending.Question,
			Message:   "a conflicting learning needs your choice",
		}, nil
	}

	var last Resolution
	for _, conflict := range conflicts {
		last, err = s.resolver.Resolve(ctx, conflict, StrategyHigherAuthority, "")
		if err != nil {
			return TeachResult{}, err
		}
	}
	s.cache.invalidate()
	return TeachResult{Accepted: true, Learning: &learning, Conflicts: conflicts, Message: last.Reason}, nil
}

// ResolveConflict applies the user's new/existing choice to a parked
// resolution.
func (s *Service) ResolveConflict(ctx context.Context, pendingID string, choice Choice) (ResolveResult, error) {
	pending, ok := s.pending.Get(strings.TrimSpace(pendingID))
	if !ok {
		return ResolveResult{}, banterr.NewValidation("conflict_id", "unknown or expired conflict id")
	}
	if choice != ChoiceNew && choice != ChoiceExisting {
		return ResolveResult{}, banterr.NewValidation("choice", `choice must be "new" or "existing"`)
	}

	if choice == ChoiceExisting {
		s.pending.Remove(pending.ID)
		existing := pending.Conflicts[0].Existing
		return ResolveResult{Accepted: true, Learning: &existing, Message: "kept the existing learning"}, nil
	}

	applied := false
	var winner *Learning
	for _, conflict := range pending.Conflicts {
		resolution, err := s.resolver.Resolve(ctx, conflict, StrategyConfirmUser, ChoiceNew)
		if err != nil {
			return ResolveResult{}, err
		}
		winner = resolution.Winner
		if resolution.Outcome == OutcomeAppliedNew {
			applied = true
		}
	}

	s.pending.Remove(pending.ID)
	s.cache.invalidate()

	message := "kept the existing learning"
	if applied {
		message = "the new learning replaced the previous one"
	}
	return ResolveResult{Accepted: true, Applied: applied, Learning: winner, Message: message}, nil
}

// Pending returns a parked resolution by ID, if it is still live.
func (s *Service) Pending(id string) (PendingResolution, bool) {
	return s.pending.Get(id)
}

// PendingCount reports how many resolutions are parked.
func (s *Service) PendingCount() int {
	return s.pending.Len()
}

// Active returns the authoritative learnings for one (category, trigger)
// key, through the read cache.
func (s *Service) Active(ctx context.Context, orgID string, category Category, trigger string) ([]Learning, error) {
	key := cacheKey(orgID, category, trigger)
	if cached, ok := s.cache.get(key); ok {
		return cached, nil
	}
	learnings, err := s.store.Active(ctx, orgID, category, trigger, s.now())
	if err != nil {
		return nil, err
	}
	s.cache.put(key, learnings)
	return learnings, nil
}

// Search scans the organization's active learnings for a query substring
// in the trigger or the displayed content.
func (s *Service) Search(ctx context.Context, orgID, query string) ([]Learning, error) {
	all, err := s.store.List(ctx, orgID, s.now())
	if err != nil {
		return nil, err
	}
	query = trimLower(query)
	if query == "" {
		return all, nil
	}
	var matched []Learning
	for _, learning := range all {
		if strings.Contains(trimLower(learning.Trigger), query) ||
			strings.Contains(trimLower(learning.Content.Display()), query) {
			matched = append(matched, learning)
		}
	}
	return matched, nil
}

// Remove hard-deletes a learning. The remover must rank at least as high
// as the author; CEO-taught learnings are never removable, only
// superseded by another CEO teach.
func (s *Service) Remove(ctx context.Context, id string, remover AuthorityLevel) error {
	learning, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if learning.Authority == AuthorityCEO {
		return banterr.NewAuthority("learning_remove", string(AuthorityCEO), string(remover))
	}
	if CompareAuthority(remover, learning.Authority) < 0 {
		return banterr.NewAuthority("learning_remove", string(learning.Authority), string(remover))
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.cache.invalidate()
	s.logger.Info("learning %s removed (remover=%s)", id, remover)
	return nil
}

// PurgeSuperseded removes superseded rows older than the cutoff.
// Scheduled maintenance calls this.
func (s *Service) PurgeSuperseded(ctx context.Context, before time.Time) (int, error) {
	removed, err := s.store.PurgeSuperseded(ctx, before)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.cache.invalidate()
	}
	return removed, nil
}

func rejectionMessage(conflict ConflictInfo) string {
	if conflict.Type == ConflictCEO {
		return "this contradicts a CEO-set learning; only the CEO can change it"
	}
	return fmt.Sprintf("an existing %s learning keeps precedence over this %s teach",
		conflict.Existing.Authority, conflict.Incoming.Authority)
}

func trimLower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
