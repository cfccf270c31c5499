package dialog

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a lightweight Store for tests and the REPL.
type InMemoryStore struct {
	mu     sync.RWMutex
	states map[Key]ConversationState
}

// NewInMemoryStore constructs an in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{states: make(map[Key]ConversationState)}
}

func (s *InMemoryStore) Get(_ context.Context, key Key) (ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[key]
	if !ok {
		return ConversationState{}, ErrStateNotFound
	}
	return state, nil
}

func (s *InMemoryStore) Put(_ context.Context, state ConversationState) error {
	if err := state.Key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Key] = state
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
	return nil
}

func (s *InMemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, state := range s.states {
		if state.Expired(now) {
			delete(s.states, key)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// Len returns the number of stored rows. Test helper.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
