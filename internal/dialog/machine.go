package dialog

import (
	"context"
	"fmt"
	"strings"
	"time"

	banterr "banto/internal/errors"
	"banto/internal/logging"
)

// MachineConfig carries the state machine knobs, threaded in explicitly.
type MachineConfig struct {
	ConfirmationTTL time.Duration
	TaskPendingTTL  time.Duration
	ListContextTTL  time.Duration
	CancelKeywords  []string
	// MaxRetries is the retry count at which re-entering CONFIRMATION
	// falls back instead of repeating the prompt.
	MaxRetries int
}

// DefaultMachineConfig returns the stock TTLs and keyword set.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		ConfirmationTTL: 5 * time.Minute,
		TaskPendingTTL:  10 * time.Minute,
		ListContextTTL:  10 * time.Minute,
		CancelKeywords: []string{
			"cancel", "stop", "quit", "never mind",
			"キャンセル", "やめる", "やめて", "中止", "取消", "取り消し",
		},
		MaxRetries: 2,
	}
}

// Machine computes dialogue state transitions over a Store: idempotent
// upsert on transition, lazy expiry on read, loop prevention on repeated
// confirmation prompts, cancel-keyword short-circuit.
type Machine struct {
	store          Store
	cfg            MachineConfig
	cancelKeywords []string // normalized
	logger         logging.Logger
	now            func() time.Time
}

// NewMachine wires a Machine over a store. Zero TTLs fall back to defaults.
func NewMachine(store Store, cfg MachineConfig, logger logging.Logger) (*Machine, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	defaults := DefaultMachineConfig()
	if cfg.ConfirmationTTL <= 0 {
		cfg.ConfirmationTTL = defaults.ConfirmationTTL
	}
	if cfg.TaskPendingTTL <= 0 {
		cfg.TaskPendingTTL = defaults.TaskPendingTTL
	}
	if cfg.ListContextTTL <= 0 {
		cfg.ListContextTTL = defaults.ListContextTTL
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if len(cfg.CancelKeywords) == 0 {
		cfg.CancelKeywords = defaults.CancelKeywords
	}

	normalized := make([]string, 0, len(cfg.CancelKeywords))
	for _, keyword := range cfg.CancelKeywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword != "" {
			normalized = append(normalized, keyword)
		}
	}

	return &Machine{
		store:          store,
		cfg:            cfg,
		cancelKeywords: normalized,
		logger:         logging.OrNop(logger),
		now:            time.Now,
	}, nil
}

// WithClock replaces the machine's clock. Tests drive expiry with it.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

func (m *Machine) keyLogger(key Key) logging.Logger {
	return logging.WithConversation(m.logger, key.ConversationID, key.UserID)
}

// Current returns the active state for a key, applying lazy expiry: an
// expired row is deleted by the read itself and NORMAL is returned. A
// corrupt row also reads as NORMAL (fail open) and is removed so the
// conversation is not wedged.
func (m *Machine) Current(ctx context.Context, key Key) (ConversationState, error) {
	if err := key.Validate(); err != nil {
		return ConversationState{}, err
	}

	state, err := m.store.Get(ctx, key)
	switch {
	case err == ErrStateNotFound:
		return Normal(key), nil
	case banterr.IsStateCorruption(err):
		m.keyLogger(key).Warn("discarding corrupt state: kind=%s", banterr.KindOf(err))
		if delErr := m.store.Delete(ctx, key); delErr != nil {
			m.keyLogger(key).Warn("failed to discard corrupt state: %v", delErr)
		}
		return Normal(key), nil
	case err != nil:
		return ConversationState{}, err
	}

	if state.Expired(m.now()) {
		m.keyLogger(key).Debug("state expired, clearing (type=%s)", state.Type)
		if delErr := m.store.Delete(ctx, key); delErr != nil {
			m.keyLogger(key).Warn("failed to clear expired state: %v", delErr)
		}
		return Normal(key), nil
	}
	return state, nil
}

// Transition upserts a fresh state row with the default TTL for the
// target type. Any prior row for the key is replaced and expiry restarts
// from now. Fresh transitions always start with a zero retry count.
func (m *Machine) Transition(ctx context.Context, key Key, to StateType, step string, payload Payload) (ConversationState, error) {
	return m.TransitionTTL(ctx, key, to, step, payload, m.ttlFor(to))
}

// TransitionTTL is Transition with an explicit TTL.
func (m *Machine) TransitionTTL(ctx context.Context, key Key, to StateType, step string, payload Payload, ttl time.Duration) (ConversationState, error) {
	if err := key.Validate(); err != nil {
		return ConversationState{}, err
	}
	if !to.Valid() {
		return ConversationState{}, fmt.Errorf("cannot transition to %q; NORMAL is reached via Clear", to)
	}
	if ttl <= 0 {
		ttl = m.ttlFor(to)
	}

	now := m.now()
	state := ConversationState{
		Key:       key,
		Type:      to,
		Step:      step,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.store.Put(ctx, state); err != nil {
		return ConversationState{}, err
	}
	m.keyLogger(key).Debug("transition to %s (step=%s, ttl=%s)", to, step, ttl)
	return state, nil
}

// Clear deletes the state row, returning the key to NORMAL. Used on
// cancellation and successful completion.
func (m *Machine) Clear(ctx context.Context, key Key, reason string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, key); err != nil {
		return err
	}
	m.keyLogger(key).Debug("state cleared (reason=%s)", reason)
	return nil
}

// Reprompt re-enters the current state after an unparseable reply. The
// retry count increments and expiry restarts. Once the count reaches the
// configured limit the state resets to NORMAL instead and fellBack is
// true: the caller must answer with a fallback message distinct from the
// repeated prompt, so no identical prompt is shown more than twice in a
// row.
func (m *Machine) Reprompt(ctx context.Context, key Key) (state ConversationState, fellBack bool, err error) {
	current, err := m.Current(ctx, key)
	if err != nil {
		return ConversationState{}, false, err
	}
	if current.IsNormal() {
		return current, false, nil
	}

	next := current.RetryCount + 1
	if next >= m.cfg.MaxRetries {
		if err := m.Clear(ctx, key, "retry limit reached"); err != nil {
			return ConversationState{}, false, err
		}
		return Normal(key), true, nil
	}

	now := m.now()
	current.RetryCount = next
	current.UpdatedAt = now
	current.ExpiresAt = now.Add(m.ttlFor(current.Type))
	if err := m.store.Put(ctx, current); err != nil {
		return ConversationState{}, false, err
	}
	return current, false, nil
}

// IsCancellation reports whether the message matches the cancel-keyword
// set. Matching is case-insensitive containment, which covers both bare
// keywords ("cancel") and short phrases around them ("cancel it please",
// "それはキャンセルで").
func (m *Machine) IsCancellation(message string) bool {
	normalized := strings.ToLower(strings.TrimSpace(message))
	if normalized == "" {
		return false
	}
	for _, keyword := range m.cancelKeywords {
		if strings.Contains(normalized, keyword) {
			return true
		}
	}
	return false
}

func (m *Machine) ttlFor(t StateType) time.Duration {
	switch t {
	case StateConfirmation:
		return m.cfg.ConfirmationTTL
	case StateTaskPending:
		return m.cfg.TaskPendingTTL
	case StateListContext:
		return m.cfg.ListContextTTL
	default:
		return m.cfg.ConfirmationTTL
	}
}
