package dialog

import (
	"context"
	"errors"
	"testing"
	"time"

	banterr "banto/internal/errors"
	"banto/internal/logging"
)

type fakeClock struct {
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestMachine(t *testing.T) (*Machine, *InMemoryStore, *fakeClock) {
	t.Helper()
	store := NewInMemoryStore()
	machine, err := NewMachine(store, DefaultMachineConfig(), logging.Nop())
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	clock := newFakeClock()
	machine.WithClock(clock.Now)
	return machine, store, clock
}

func TestTransitionUpsertsSingleRow(t *testing.T) {
	machine, store, _ := newTestMachine(t)
	ctx := context.Background()
	key := Key{ConversationID: "room-1", UserID: "u-1"}

	if _, err := machine.Transition(ctx, key, StateConfirmation, "awaiting_answer", Payload{Prompt: "first?"}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := machine.Transition(ctx, key, StateTaskPending, "awaiting_input", Payload{Prompt: "second?"}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	if store.Len() != 1 {
		t.Fatalf("expected one row per key, got %d", store.Len())
	}
	current, err := machine.Current(ctx, key)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.Type != StateTaskPending || current.Payload.Prompt != "second?" {
		t.Fatalf("prior state not replaced: %+v", current)
	}
	if current.RetryCount != 0 {
		t.Fatalf("fresh transition must reset retry count, got %d", current.RetryCount)
	}
}

func TestSeparateKeysDoNotCollide(t *testing.T) {
	machine, store, _ := newTestMachine(t)
	ctx := context.Background()

	keys := []Key{
		{ConversationID: "room-1", UserID: "u-1"},
		{ConversationID: "room-1", UserID: "u-2"},
		{ConversationID: "room-2", UserID: "u-1"},
	}
	for _, key := range keys {
		if _, err := machine.Transition(ctx, key, StateConfirmation, "", Payload{}); err != nil {
			t.Fatalf("transition %v: %v", key, err)
		}
	}
	if store.Len() != len(keys) {
		t.Fatalf("expected %d rows, got %d", len(keys), store.Len())
	}
}

func TestLazyExpiryAcrossBoundary(t *testing.T) {
	machine, store, clock := newTestMachine(t)
	ctx := context.Background()
	key := Key{ConversationID: "room-1", UserID: "u-1"}

	if _, err := machine.Transition(ctx, key, StateConfirmation, "", Payload{Prompt: "delete it?"}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	clock.Advance(4*time.Minute + 59*time.Second)
	current, err := machine.Current(ctx, key)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.Type != StateConfirmation {
		t.Fatalf("state expired too early: %v", current.Type)
	}

	clock.Advance(2 * time.Second) // now past the 5 minute TTL
	current, err = machine.Current(ctx, key)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if !current.IsNormal() {
		t.Fatalf("expected NORMAL after expiry, got %v", current.Type)
	}
	if store.Len() != 0 {
		t.Fatal("expired row should be deleted by the read")
	}
}

func TestTaskPendingUsesLongerTTL(t *testing.T) {
	machine, _, clock := newTestMachine(t)
	ctx := context.Background()
	key := Key{ConversationID: "room-1", UserID: "u-1"}

	if _, err := machine.Transition(ctx, key, StateTaskPending, "", Payload{}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	clock.Advance(7 * time.Minute) // past confirmation TTL, within task TTL
	current, err := machine.Current(ctx, key)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.Type != StateTaskPending {
		t.Fatalf("task state must survive 7 minutes, got %v", current.Type)
	}

	clock.Advance(4 * time.Minute) // 11 minutes total
	current, err = machine.Current(ctx, key)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if !current.IsNormal() {
		t.Fatalf("task state must expire after 10 minutes, got %v", current.Type)
	}
}

func TestTransitionResetsExpiryFromNow(t *testing.T) {
	machine, _, clock := newTestMachine(t)
	ctx := context.Background()
	key := Key{ConversationID: "room-1", UserID: "u-1"}

	if _, err := machine.Transition(ctx, key, StateConfirmation, "", Payload{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	clock.Advance(4 * time.Minute)
	if _, err := machine.Transition(ctx, key, StateConfirmation, "", Payload{}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	clock.Advance(4 * time.Minute) // 8 minutes after first, 4 after second
	current, err := machine.Current(ctx, key)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.Type != StateConfirmation {
		t.Fatal("replacing transition must restart the TTL window")
	}
}

func TestRepromptFallsBackAfterLimit(t *testing.T) {
	machine, store, _ := newTestMachine(t)
	ctx := context.Background()
	key := Key{ConversationID: "room-1", UserID: "u-1"}

	if _, err := machine.Transition(ctx, key, StateConfirmation, "", Payload{Prompt: "send the report?"}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	// first unparseable reply: same prompt may repeat once
	state, fellBack, err := machine.Reprompt(ctx, key)
	if err != nil {
		t.Fatalf("reprompt: %v", err)
	}
	if fellBack {
		t.Fatal("first reprompt must not fall back")
	}
	if state.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", state.RetryCount)
	}
	if state.Payload.Prompt != "send the report?" {
		t.Fatal("reprompt must preserve the pending payload")
	}

	// second unparseable reply: limit reached, distinct fallback + NORMAL
	state, fellBack, err = machine.Reprompt(ctx, key)
	if err != nil {
		t.Fatalf("reprompt: %v", err)
	}
	if !fellBack {
		t.Fatal("second reprompt must fall back")
	}
	if !state.IsNormal() {
		t.Fatalf("fallback must reset to NORMAL, got %v", state.Type)
	}
	if store.Len() != 0 {
		t.Fatal("fallback must clear the stored row")
	}
}

func TestRepromptOnNormalIsNoop(t *testing.T) {
	machine, _, _ := newTestMachine(t)
	state, fellBack, err := machine.Reprompt(context.Background(), Key{ConversationID: "c", UserID: "u"})
	if err != nil {
		t.Fatalf("reprompt: %v", err)
	}
	if fellBack || !state.IsNormal() {
		t.Fatalf("reprompt without state must be a no-op, got %+v fellBack=%v", state, fellBack)
	}
}

func TestClearReturnsToNormal(t *testing.T) {
	machine, store, _ := newTestMachine(t)
	ctx := context.Background()
	key := Key{ConversationID: "room-1", UserID: "u-1"}

	if _, err := machine.Transition(ctx, key, StateListContext, "", Payload{Options: []string{"a", "b"}}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := machine.Clear(ctx, key, "completed"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if store.Len() != 0 {
		t.Fatal("clear must delete the row")
	}
}

func TestTransitionToNormalRejected(t *testing.T) {
	machine, _, _ := newTestMachine(t)
	_, err := machine.Transition(context.Background(), Key{ConversationID: "c", UserID: "u"}, StateNormal, "", Payload{})
	if err == nil {
		t.Fatal("NORMAL must not be persisted; Clear is the way back")
	}
}

func TestIsCancellation(t *testing.T) {
	machine, _, _ := newTestMachine(t)

	cancels := []string{"cancel", "CANCEL", "  cancel it please ", "stop", "キャンセル", "それはキャンセルで", "やめる", "中止"}
	for _, msg := range cancels {
		if !machine.IsCancellation(msg) {
			t.Fatalf("expected %q to cancel", msg)
		}
	}

	passes := []string{"", "create a task", "報告を送って", "yes"}
	for _, msg := range passes {
		if machine.IsCancellation(msg) {
			t.Fatalf("did not expect %q to cancel", msg)
		}
	}
}

// corruptStore simulates a store whose payload cannot be deserialized.
type corruptStore struct {
	*InMemoryStore
	corrupt bool
	deleted int
}

func (s *corruptStore) Get(ctx context.Context, key Key) (ConversationState, error) {
	if s.corrupt {
		return ConversationState{}, banterr.NewStateCorruption(key.ConversationID, key.UserID, errors.New("bad json"))
	}
	return s.InMemoryStore.Get(ctx, key)
}

func (s *corruptStore) Delete(ctx context.Context, key Key) error {
	s.deleted++
	return s.InMemoryStore.Delete(ctx, key)
}

func TestCorruptStateFailsOpenToNormal(t *testing.T) {
	store := &corruptStore{InMemoryStore: NewInMemoryStore(), corrupt: true}
	machine, err := NewMachine(store, DefaultMachineConfig(), logging.Nop())
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	current, err := machine.Current(context.Background(), Key{ConversationID: "c", UserID: "u"})
	if err != nil {
		t.Fatalf("corruption must not surface: %v", err)
	}
	if !current.IsNormal() {
		t.Fatalf("corrupt state must read as NORMAL, got %v", current.Type)
	}
	if store.deleted != 1 {
		t.Fatalf("corrupt row should be discarded, deletes=%d", store.deleted)
	}
}

func TestParseReply(t *testing.T) {
	cases := []struct {
		in   string
		want Reply
	}{
		{"yes", ReplyYes},
		{"Yes!", ReplyYes},
		{"ok", ReplyYes},
		{"はい", ReplyYes},
		{"了解です", ReplyYes},
		{"no", ReplyNo},
		{"NO.", ReplyNo},
		{"いいえ", ReplyNo},
		{"maybe later", ReplyUnknown},
		{"what does that mean", ReplyUnknown},
		{"", ReplyUnknown},
	}
	for _, tc := range cases {
		if got := ParseReply(tc.in); got != tc.want {
			t.Fatalf("ParseReply(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseSelection(t *testing.T) {
	options := []string{"Monthly report", "Quarterly report", "Weekly standup"}

	if idx, ok := ParseSelection("2", options); !ok || idx != 1 {
		t.Fatalf("numeric selection: idx=%d ok=%v", idx, ok)
	}
	if idx, ok := ParseSelection("weekly", options); !ok || idx != 2 {
		t.Fatalf("substring selection: idx=%d ok=%v", idx, ok)
	}
	if _, ok := ParseSelection("report", options); ok {
		t.Fatal("ambiguous substring must not match")
	}
	if _, ok := ParseSelection("9", options); ok {
		t.Fatal("out-of-range number must not match")
	}
	if _, ok := ParseSelection("", options); ok {
		t.Fatal("empty answer must not match")
	}
}
