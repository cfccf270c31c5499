package knowledge

import (
	"context"
	"errors"
	"testing"
	"time"

	banterr "banto/internal/errors"
)

func newResolverFixture(t *testing.T, existingAuthority, incomingAuthority AuthorityLevel) (*Resolver, *InMemoryStore, ConflictInfo) {
	t.Helper()
	store := NewInMemoryStore()
	existing := seedLearning(t, store, "existing", "office wifi", CategoryFact, existingAuthority, `{"subject": "office wifi", "value": "Banto-2024"}`)
	incoming := incomingLearning(t, "office wifi", CategoryFact, incomingAuthority, `{"subject": "office wifi", "value": "Banto-2026"}`)

	resolver := NewResolver(store, nil).WithClock(func() time.Time { return detectNow })
	conflict := ConflictInfo{
		ID:         "c-1",
		Existing:   existing,
		Incoming:   incoming,
		Type:       ConflictContentMismatch,
		DetectedAt: detectNow,
	}
	return resolver, store, conflict
}

func assertUntouched(t *testing.T, store *InMemoryStore, conflict ConflictInfo) {
	t.Helper()
	existing, err := store.Get(context.Background(), conflict.Existing.ID)
	if err != nil {
		t.Fatalf("existing row vanished: %v", err)
	}
	if existing.SupersededBy != "" {
		t.Fatalf("existing row was superseded by %s", existing.SupersededBy)
	}
	if _, err := store.Get(context.Background(), conflict.Incoming.ID); !errors.Is(err, ErrLearningNotFound) {
		t.Fatalf("incoming row must not be stored, got err=%v", err)
	}
}

func TestCEOLearningSurvivesEveryStrategy(t *testing.T) {
	attempts := []struct {
		name     string
		strategy Strategy
		choice   Choice
	}{
		{"newer wins", StrategyNewerWins, ""},
		{"higher authority", StrategyHigherAuthority, ""},
		{"user chose new", StrategyConfirmUser, ChoiceNew},
	}

	for _, attempt := range attempts {
		t.Run(attempt.name, func(t *testing.T) {
			resolver, store, conflict := newResolverFixture(t, AuthorityCEO, AuthorityManager)

			resolution, err := resolver.Resolve(context.Background(), conflict, attempt.strategy, attempt.choice)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if resolution.Outcome != OutcomeKeptExisting {
				t.Fatalf("outcome = %s, want kept_existing", resolution.Outcome)
			}
			if resolution.Winner == nil || resolution.Winner.ID != conflict.Existing.ID {
				t.Fatalf("winner = %+v, want the CEO learning", resolution.Winner)
			}
			assertUntouched(t, store, conflict)
		})
	}
}

func TestCEOMaySupersedeCEO(t *testing.T) {
	resolver, store, conflict := newResolverFixture(t, AuthorityCEO, AuthorityCEO)

	resolution, err := resolver.Resolve(context.Background(), conflict, StrategyNewerWins, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.Outcome != OutcomeAppliedNew {
		t.Fatalf("outcome = %s, want applied_new", resolution.Outcome)
	}
	existing, err := store.Get(context.Background(), conflict.Existing.ID)
	if err != nil {
		t.Fatalf("get existing: %v", err)
	}
	if existing.SupersededBy != conflict.Incoming.ID {
		t.Fatalf("superseded_by = %q, want %q", existing.SupersededBy, conflict.Incoming.ID)
	}
}

func TestNewerWinsSupersedes(t *testing.T) {
	resolver, store, conflict := newResolverFixture(t, AuthorityUser, AuthorityUser)

	resolution, err := resolver.Resolve(context.Background(), conflict, StrategyNewerWins, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.Outcome != OutcomeAppliedNew {
		t.Fatalf("outcome = %s, want applied_new", resolution.Outcome)
	}

	stored, err := store.Get(context.Background(), conflict.Incoming.ID)
	if err != nil {
		t.Fatalf("incoming must be stored: %v", err)
	}
	if !stored.UpdatedAt.Equal(detectNow) {
		t.Fatalf("updated_at = %v, want resolution time", stored.UpdatedAt)
	}
	existing, err := store.Get(context.Background(), conflict.Existing.ID)
	if err != nil {
		t.Fatalf("get existing: %v", err)
	}
	if existing.SupersededBy != conflict.Incoming.ID {
		t.Fatalf("superseded_by = %q, want %q", existing.SupersededBy, conflict.Incoming.ID)
	}
}

func TestHigherAuthorityRequiresStrictlyHigherRank(t *testing.T) {
	t.Run("manager over user wins", func(t *testing.T) {
		resolver, store, conflict := newResolverFixture(t, AuthorityUser, AuthorityManager)
		resolution, err := resolver.Resolve(context.Background(), conflict, StrategyHigherAuthority, "")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if resolution.Outcome != OutcomeAppliedNew {
			t.Fatalf("outcome = %s, want applied_new", resolution.Outcome)
		}
		if _, err := store.Get(context.Background(), conflict.Incoming.ID); err != nil {
			t.Fatalf("incoming must be stored: %v", err)
		}
	})

	t.Run("equal rank keeps existing", func(t *testing.T) {
		resolver, store, conflict := newResolverFixture(t, AuthorityUser, AuthorityUser)
		resolution, err := resolver.Resolve(context.Background(), conflict, StrategyHigherAuthority, "")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if resolution.Outcome != OutcomeKeptExisting {
			t.Fatalf("outcome = %s, want kept_existing", resolution.Outcome)
		}
		assertUntouched(t, store, conflict)
	})

	t.Run("lower rank keeps existing", func(t *testing.T) {
		resolver, store, conflict := newResolverFixture(t, AuthorityManager, AuthorityUser)
		resolution, err := resolver.Resolve(context.Background(), conflict, StrategyHigherAuthority, "")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if resolution.Outcome != OutcomeKeptExisting {
			t.Fatalf("outcome = %s, want kept_existing", resolution.Outcome)
		}
		assertUntouched(t, store, conflict)
	})
}

func TestConfirmUserWithoutChoiceStaysPending(t *testing.T) {
	resolver, store, conflict := newResolverFixture(t, AuthorityUser, AuthorityUser)

	resolution, err := resolver.Resolve(context.Background(), conflict, StrategyConfirmUser, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.Outcome != OutcomePending {
		t.Fatalf("outcome = %s, want pending", resolution.Outcome)
	}
	if resolution.Winner != nil {
		t.Fatalf("pending resolution must not name a winner, got %+v", resolution.Winner)
	}
	assertUntouched(t, store, conflict)
}

func TestConfirmUserHonorsChoices(t *testing.T) {
	t.Run("new", func(t *testing.T) {
		resolver, store, conflict := newResolverFixture(t, AuthorityUser, AuthorityUser)
		resolution, err := resolver.Resolve(context.Background(), conflict, StrategyConfirmUser, ChoiceNew)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if resolution.Outcome != OutcomeAppliedNew {
			t.Fatalf("outcome = %s, want applied_new", resolution.Outcome)
		}
		if _, err := store.Get(context.Background(), conflict.Incoming.ID); err != nil {
			t.Fatalf("incoming must be stored: %v", err)
		}
	})

	t.Run("existing", func(t *testing.T) {
		resolver, store, conflict := newResolverFixture(t, AuthorityUser, AuthorityUser)
		resolution, err := resolver.Resolve(context.Background(), conflict, StrategyConfirmUser, ChoiceExisting)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if resolution.Outcome != OutcomeKeptExisting {
			t.Fatalf("outcome = %s, want kept_existing", resolution.Outcome)
		}
		assertUntouched(t, store, conflict)
	})
}

func TestResolveRejectsUnknownStrategy(t *testing.T) {
	resolver, _, conflict := newResolverFixture(t, AuthorityUser, AuthorityUser)
	_, err := resolver.Resolve(context.Background(), conflict, Strategy("COIN_FLIP"), "")
	var verr *banterr.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestParseChoice(t *testing.T) {
	if choice, err := ParseChoice("  NEW "); err != nil || choice != ChoiceNew {
		t.Fatalf("parse new: %v %v", choice, err)
	}
	if choice, err := ParseChoice("existing"); err != nil || choice != ChoiceExisting {
		t.Fatalf("parse existing: %v %v", choice, err)
	}
	if _, err := ParseChoice("maybe"); err == nil {
		t.Fatal("unknown choice must error")
	}
}
