package knowledge

import (
	"context"
	"strings"
	"testing"
	"time"
)

var detectNow = time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC)

func seedLearning(t *testing.T, store *InMemoryStore, id, trigger string, category Category, authority AuthorityLevel, raw string) Learning {
	t.Helper()
	content, err := ParseContent(category, trigger, raw)
	if err != nil {
		t.Fatalf("parse content: %v", err)
	}
	learning := Learning{
		ID:             id,
		OrganizationID: "org-1",
		Category:       category,
		Trigger:        trigger,
		Content:        content,
		Authority:      authority,
		TaughtBy:       "seed",
		ValidFrom:      detectNow.Add(-time.Hour),
		CreatedAt:      detectNow.Add(-time.Hour),
		UpdatedAt:      detectNow.Add(-time.Hour),
	}
	if err := store.Put(context.Background(), learning); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return learning
}

func incomingLearning(t *testing.T, trigger string, category Category, authority AuthorityLevel, raw string) Learning {
	t.Helper()
	content, err := ParseContent(category, trigger, raw)
	if err != nil {
		t.Fatalf("parse content: %v", err)
	}
	return Learning{
		ID:             "incoming",
		OrganizationID: "org-1",
		Category:       category,
		Trigger:        trigger,
		Content:        content,
		Authority:      authority,
		TaughtBy:       "teacher",
		ValidFrom:      detectNow,
		CreatedAt:      detectNow,
	}
}

func TestDetectConflictsPerCategory(t *testing.T) {
	cases := []struct {
		name     string
		category Category
		trigger  string
		existing string
		incoming string
		conflict bool
	}{
		{
			name:     "alias same target different person",
			category: CategoryAlias,
			trigger:  "社長",
			existing: `{"from": "社長", "to": "Tanaka-san"}`,
			incoming: `{"from": "社長", "to": "Suzuki-san"}`,
			conflict: true,
		},
		{
			name:     "alias different source no conflict",
			category: CategoryAlias,
			trigger:  "boss",
			existing: `{"from": "社長", "to": "Tanaka-san"}`,
			incoming: `{"from": "部長", "to": "Suzuki-san"}`,
			conflict: false,
		},
		{
			name:     "rule same condition different action",
			category: CategoryRule,
			trigger:  "invoice over 100k",
			existing: `{"condition": "invoice over 100k", "action": "escalate to manager"}`,
			incoming: `{"condition": "invoice over 100k", "action": "auto approve"}`,
			conflict: true,
		},
		{
			name:     "fact same subject different value",
			category: CategoryFact,
			trigger:  "office wifi",
			existing: `{"subject": "office wifi", "value": "Banto-2024"}`,
			incoming: `{"subject": "office wifi", "value": "Banto-2026"}`,
			conflict: true,
		},
		{
			name:     "fact restated identically is not a conflict",
			category: CategoryFact,
			trigger:  "office wifi",
			existing: `{"subject": "office wifi", "value": "Banto-2026"}`,
			incoming: `{"subject": "Office WiFi", "value": "banto-2026"}`,
			conflict: false,
		},
		{
			name:     "preference flips",
			category: CategoryPreference,
			trigger:  "report format",
			existing: `{"subject": "report format", "preference": "PDF"}`,
			incoming: `{"subject": "report format", "preference": "spreadsheet"}`,
			conflict: true,
		},
		{
			name:     "correction changes the replacement",
			category: CategoryCorrection,
			trigger:  "weekly sync",
			existing: `{"wrong_pattern": "weekly sync", "correct_pattern": "weekly standup"}`,
			incoming: `{"wrong_pattern": "weekly sync", "correct_pattern": "weekly review"}`,
			conflict: true,
		},
		{
			name:     "procedure reorders steps",
			category: CategoryProcedure,
			trigger:  "monthly report",
			existing: `{"task": "monthly report", "steps": ["collect", "summarize", "send"]}`,
			incoming: `{"task": "monthly report", "steps": ["summarize", "collect", "send"]}`,
			conflict: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewInMemoryStore()
			seedLearning(t, store, "existing", tc.trigger, tc.category, AuthorityUser, tc.existing)

			detector := NewDetector(store).WithClock(func() time.Time { return detectNow })
			incoming := incomingLearning(t, tc.trigger, tc.category, AuthorityUser, tc.incoming)

			conflicts, err := detector.DetectConflicts(context.Background(), incoming)
			if err != nil {
				t.Fatalf("detect: %v", err)
			}
			if got := len(conflicts) > 0; got != tc.conflict {
				t.Fatalf("conflict = %v, want %v (found %d)", got, tc.conflict, len(conflicts))
			}
		})
	}
}

func TestDetectConflictsIgnoresSupersededAndOtherTriggers(t *testing.T) {
	store := NewInMemoryStore()
	old := seedLearning(t, store, "old", "office wifi", CategoryFact, AuthorityUser, `{"subject": "office wifi", "value": "Banto-2023"}`)
	old.SupersededBy = "newer"
	old.UpdatedAt = detectNow.Add(-30 * time.Minute)
	if err := store.Put(context.Background(), old); err != nil {
		t.Fatalf("supersede: %v", err)
	}
	seedLearning(t, store, "other", "guest wifi", CategoryFact, AuthorityUser, `{"subject": "guest wifi", "value": "Guest-2026"}`)

	detector := NewDetector(store).WithClock(func() time.Time { return detectNow })
	incoming := incomingLearning(t, "office wifi", CategoryFact, AuthorityUser, `{"subject": "office wifi", "value": "Banto-2026"}`)

	conflicts, err := detector.DetectConflicts(context.Background(), incoming)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("superseded and unrelated rows must not conflict, got %d", len(conflicts))
	}
}

func TestDetectConflictsMatchesTriggerCaseInsensitively(t *testing.T) {
	store := NewInMemoryStore()
	seedLearning(t, store, "existing", "Office WiFi", CategoryFact, AuthorityUser, `{"subject": "office wifi", "value": "Banto-2024"}`)

	detector := NewDetector(store).WithClock(func() time.Time { return detectNow })
	incoming := incomingLearning(t, "office wifi", CategoryFact, AuthorityUser, `{"subject": "office wifi", "value": "Banto-2026"}`)

	conflicts, err := detector.DetectConflicts(context.Background(), incoming)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("trigger match must ignore case, got %d conflicts", len(conflicts))
	}
}

func TestConflictTyping(t *testing.T) {
	t.Run("rule conflicts carry RULE_CONFLICT", func(t *testing.T) {
		store := NewInMemoryStore()
		seedLearning(t, store, "existing", "late invoice", CategoryRule, AuthorityManager, `{"condition": "late invoice", "action": "ping accounting"}`)

		detector := NewDetector(store).WithClock(func() time.Time { return detectNow })
		incoming := incomingLearning(t, "late invoice", CategoryRule, AuthorityManager, `{"condition": "late invoice", "action": "ignore"}`)

		conflicts, err := detector.DetectConflicts(context.Background(), incoming)
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		if len(conflicts) != 1 || conflicts[0].Type != ConflictRule {
			t.Fatalf("want RULE_CONFLICT, got %+v", conflicts)
		}
		if conflicts[0].SuggestedStrategy != StrategyConfirmUser {
			t.Fatalf("rule conflicts must go to the user, got %s", conflicts[0].SuggestedStrategy)
		}
	})

	t.Run("CEO tag overrides the category rule", func(t *testing.T) {
		store := NewInMemoryStore()
		seedLearning(t, store, "existing", "late invoice", CategoryRule, AuthorityCEO, `{"condition": "late invoice", "action": "escalate to me"}`)

		detector := NewDetector(store).WithClock(func() time.Time { return detectNow })
		incoming := incomingLearning(t, "late invoice", CategoryRule, AuthorityManager, `{"condition": "late invoice", "action": "ignore"}`)

		conflicts, err := detector.DetectConflicts(context.Background(), incoming)
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		if len(conflicts) != 1 || conflicts[0].Type != ConflictCEO {
			t.Fatalf("want CEO_CONFLICT, got %+v", conflicts)
		}
		if conflicts[0].SuggestedStrategy != StrategyHigherAuthority {
			t.Fatalf("CEO conflicts resolve by authority, got %s", conflicts[0].SuggestedStrategy)
		}
	})

	t.Run("CEO teaching over CEO stays a content mismatch", func(t *testing.T) {
		store := NewInMemoryStore()
		seedLearning(t, store, "existing", "office wifi", CategoryFact, AuthorityCEO, `{"subject": "office wifi", "value": "Banto-2024"}`)

		detector := NewDetector(store).WithClock(func() time.Time { return detectNow })
		incoming := incomingLearning(t, "office wifi", CategoryFact, AuthorityCEO, `{"subject": "office wifi", "value": "Banto-2026"}`)

		conflicts, err := detector.DetectConflicts(context.Background(), incoming)
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		if len(conflicts) != 1 || conflicts[0].Type != ConflictContentMismatch {
			t.Fatalf("want CONTENT_MISMATCH, got %+v", conflicts)
		}
	})
}

func TestSuggestStrategyTable(t *testing.T) {
	mk := func(conflictType ConflictType, incoming, existing AuthorityLevel) ConflictInfo {
		return ConflictInfo{
			Type:     conflictType,
			Incoming: Learning{Authority: incoming},
			Existing: Learning{Authority: existing},
		}
	}

	cases := []struct {
		name     string
		conflict ConflictInfo
		want     Strategy
	}{
		{"ceo conflict", mk(ConflictCEO, AuthorityManager, AuthorityCEO), StrategyHigherAuthority},
		{"rule conflict", mk(ConflictRule, AuthorityCEO, AuthorityUser), StrategyConfirmUser},
		{"mismatch higher incoming", mk(ConflictContentMismatch, AuthorityManager, AuthorityUser), StrategyHigherAuthority},
		{"mismatch lower incoming", mk(ConflictContentMismatch, AuthorityUser, AuthorityManager), StrategyHigherAuthority},
		{"mismatch equal ranks", mk(ConflictContentMismatch, AuthorityUser, AuthorityUser), StrategyConfirmUser},
	}
	for _, tc := range cases {
		if got := SuggestStrategy(tc.conflict); got != tc.want {
			t.Errorf("%s: strategy = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestConflictPromptShowsBothSidesAndDiff(t *testing.T) {
	store := NewInMemoryStore()
	existing := seedLearning(t, store, "existing", "office wifi", CategoryFact, AuthorityManager, `{"subject": "office wifi", "value": "Banto-2024"}`)
	incoming := incomingLearning(t, "office wifi", CategoryFact, AuthorityUser, `{"subject": "office wifi", "value": "Banto-2026"}`)

	prompt := ConflictPrompt(ConflictInfo{Existing: existing, Incoming: incoming})
	for _, want := range []string{
		"office wifi",
		"Current (MANAGER)",
		"New (USER)",
		"Banto-2024",
		"Banto-2026",
		"[-", "{+",
		"'new'", "'existing'",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
