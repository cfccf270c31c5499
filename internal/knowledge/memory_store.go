package knowledge

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a map-backed Store for tests and the REPL.
type InMemoryStore struct {
	mu        sync.RWMutex
	learnings map[string]Learning
}

// NewInMemoryStore constructs an in-memory learning store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{learnings: make(map[string]Learning)}
}

func (s *InMemoryStore) Put(_ context.Context, learning Learning) error {
	if err := learning.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.learnings[learning.ID] = learning
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Learning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	learning, ok := s.learnings[id]
	if !ok {
		return Learning{}, ErrLearningNotFound
	}
	return learning, nil
}

func (s *InMemoryStore) Active(_ context.Context, orgID string, category Category, trigger string, now time.Time) ([]Learning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Learning
	for _, learning := range s.learnings {
		if learning.OrganizationID != orgID || learning.Category != category {
			continue
		}
		if !strings.EqualFold(learning.Trigger, trigger) {
			continue
		}
		if !learning.ActiveAt(now) {
			continue
		}
		matched = append(matched, learning)
	}
	sortLearnings(matched)
	return matched, nil
}

func (s *InMemoryStore) List(_ context.Context, orgID string, now time.Time) ([]Learning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Learning
	for _, learning := range s.learnings {
		if learning.OrganizationID != orgID || !learning.ActiveAt(now) {
			continue
		}
		matched = append(matched, learning)
	}
	sortLearnings(matched)
	return matched, nil
}

func (s *InMemoryStore) MarkSuperseded(_ context.Context, id, supersededBy string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	learning, ok := s.learnings[id]
	if !ok {
		return ErrLearningNotFound
	}
	learning.SupersededBy = supersededBy
	learning.UpdatedAt = now
	s.learnings[id] = learning
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.learnings[id]; !ok {
		return ErrLearningNotFound
	}
	delete(s.learnings, id)
	return nil
}

func (s *InMemoryStore) PurgeSuperseded(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, learning := range s.learnings {
		if learning.SupersededBy != "" && learning.UpdatedAt.Before(before) {
			delete(s.learnings, id)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// Len returns the number of stored rows, superseded included. Test
// helper.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.learnings)
}

// stable ordering: newest teach first
func sortLearnings(learnings []Learning) {
	sort.Slice(learnings, func(i, j int) bool {
		if !learnings[i].CreatedAt.Equal(learnings[j].CreatedAt) {
			return learnings[i].CreatedAt.After(learnings[j].CreatedAt)
		}
		return learnings[i].ID > learnings[j].ID
	})
}
