package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOfClassifiesWrappedErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", NewValidation("amount", "must be a number"), KindValidation},
		{"authority", NewAuthority("delete", "CEO", "USER"), KindAuthority},
		{"timeout", NewCollaboratorTimeout("decision", 2*time.Second, errors.New("deadline exceeded")), KindCollaboratorTimeout},
		{"corruption", NewStateCorruption("c1", "u1", errors.New("bad json")), KindStateCorruption},
		{"plain", errors.New("boom"), KindInternal},
		{"nil", nil, KindInternal},
	}
	for _, tc := range cases {
		wrapped := tc.err
		if wrapped != nil {
			wrapped = fmt.Errorf("outer: %w", wrapped)
		}
		if got := KindOf(wrapped); got != tc.want {
			t.Fatalf("%s: KindOf = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := NewValidation("recipients", "list is empty")
	if got := err.Error(); got != `invalid parameter "recipients": list is empty` {
		t.Fatalf("unexpected message: %s", got)
	}

	whole := &ValidationError{Reason: "no action named"}
	if got := whole.Error(); got != "invalid parameters: no action named" {
		t.Fatalf("unexpected message: %s", got)
	}

	override := &ValidationError{Message: "which task did you mean?"}
	if got := override.Error(); got != "which task did you mean?" {
		t.Fatalf("override not honored: %s", got)
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("parse failure")
	err := NewStateCorruption("c1", "u1", cause)
	if !errors.Is(err, cause) {
		t.Fatal("cause lost through wrapping")
	}

	var se *StateCorruptionError
	if !errors.As(fmt.Errorf("read: %w", err), &se) {
		t.Fatal("errors.As failed through wrapping")
	}
	if se.ConversationID != "c1" {
		t.Fatalf("conversation id lost: %s", se.ConversationID)
	}
}

func TestKindStringIsStableForMetricsLabels(t *testing.T) {
	want := map[Kind]string{
		KindInternal:            "internal",
		KindValidation:          "validation",
		KindAuthority:           "authority",
		KindCollaboratorTimeout: "collaborator_timeout",
		KindStateCorruption:     "state_corruption",
	}
	for kind, label := range want {
		if kind.String() != label {
			t.Fatalf("Kind(%d).String() = %s, want %s", kind, kind.String(), label)
		}
	}
}
