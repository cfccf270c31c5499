package knowledge

import (
	"testing"
	"time"
)

func TestAuthorityTotalOrder(t *testing.T) {
	ordered := []AuthorityLevel{AuthoritySystem, AuthorityUser, AuthorityManager, AuthorityCEO}
	for i := 0; i < len(ordered); i++ {
		for j := 0; j < len(ordered); j++ {
			got := CompareAuthority(ordered[i], ordered[j])
			switch {
			case i < j && got != -1:
				t.Fatalf("compare(%s, %s) = %d, want -1", ordered[i], ordered[j], got)
			case i == j && got != 0:
				t.Fatalf("compare(%s, %s) = %d, want 0", ordered[i], ordered[j], got)
			case i > j && got != 1:
				t.Fatalf("compare(%s, %s) = %d, want 1", ordered[i], ordered[j], got)
			}
		}
	}
}

func TestUnknownAuthorityRanksBelowSystem(t *testing.T) {
	if got := CompareAuthority("INTERN", AuthoritySystem); got != -1 {
		t.Fatalf("unknown level must never win, got %d", got)
	}
}

func TestParseAuthority(t *testing.T) {
	level, err := ParseAuthority("  ceo ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if level != AuthorityCEO {
		t.Fatalf("level = %s, want CEO", level)
	}
	if _, err := ParseAuthority("supreme_leader"); err == nil {
		t.Fatal("unknown level must error")
	}
}

func TestParseCategory(t *testing.T) {
	category, err := ParseCategory(" Alias ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if category != CategoryAlias {
		t.Fatalf("category = %s, want alias", category)
	}
	if _, err := ParseCategory("gossip"); err == nil {
		t.Fatal("unknown category must error")
	}
}

func TestLearningActiveAt(t *testing.T) {
	now := time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC)
	base := Learning{
		ID:             "l-1",
		OrganizationID: "org-1",
		Category:       CategoryFact,
		Trigger:        "office wifi",
		Authority:      AuthorityUser,
		ValidFrom:      now.Add(-time.Hour),
	}

	if !base.ActiveAt(now) {
		t.Fatal("learning inside its window must be active")
	}

	superseded := base
	superseded.SupersededBy = "l-2"
	if superseded.ActiveAt(now) {
		t.Fatal("superseded learning must not be active")
	}

	future := base
	future.ValidFrom = now.Add(time.Hour)
	if future.ActiveAt(now) {
		t.Fatal("learning before valid_from must not be active")
	}

	expired := base
	expired.ValidUntil = now.Add(-time.Minute)
	if expired.ActiveAt(now) {
		t.Fatal("learning past valid_until must not be active")
	}

	openEnded := base
	openEnded.ValidUntil = time.Time{}
	if !openEnded.ActiveAt(now.Add(24 * 365 * time.Hour)) {
		t.Fatal("zero valid_until means no expiry")
	}
}

func TestParseContentShapes(t *testing.T) {
	content, err := ParseContent(CategoryAlias, "社長", `{"from": "社長", "to": "Tanaka-san"}`)
	if err != nil {
		t.Fatalf("parse alias: %v", err)
	}
	if content.Alias == nil || content.Alias.To != "Tanaka-san" {
		t.Fatalf("alias not decoded: %+v", content)
	}

	content, err = ParseContent(CategoryProcedure, "monthly report", `{"task": "monthly report", "steps": ["collect", "summarize", "send"]}`)
	if err != nil {
		t.Fatalf("parse procedure: %v", err)
	}
	if content.Procedure == nil || len(content.Procedure.Steps) != 3 {
		t.Fatalf("procedure not decoded: %+v", content)
	}

	content, err = ParseContent(CategoryOther, "trivia", `{"note": "fire drill on fridays"}`)
	if err != nil {
		t.Fatalf("parse other: %v", err)
	}
	if content.Extra["note"] != "fire drill on fridays" {
		t.Fatalf("fallback map not decoded: %+v", content)
	}
}

func TestParseContentRepairsMalformedJSON(t *testing.T) {
	// trailing comma and single quotes, the usual collaborator damage
	content, err := ParseContent(CategoryFact, "wifi", `{'subject': 'wifi', 'value': 'Banto-Guest',}`)
	if err != nil {
		t.Fatalf("repairable JSON must parse: %v", err)
	}
	if content.Fact == nil || content.Fact.Value != "Banto-Guest" {
		t.Fatalf("repaired content mismatch: %+v", content)
	}
}

func TestParseContentPlainTextFallsBack(t *testing.T) {
	content, err := ParseContent(CategoryFact, "office wifi", "the password is Banto-Guest")
	if err != nil {
		t.Fatalf("plain text must parse: %v", err)
	}
	if content.Fact == nil || content.Fact.Subject != "office wifi" {
		t.Fatalf("plain text must shape around the trigger: %+v", content)
	}
}

func TestParseContentRejectsEmpty(t *testing.T) {
	if _, err := ParseContent(CategoryFact, "x", "   "); err == nil {
		t.Fatal("empty content must be rejected")
	}
}
