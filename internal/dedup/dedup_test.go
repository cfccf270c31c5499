package dedup

import (
	"testing"
	"time"
)

func TestSeenRecordsFirstAndFlagsSecond(t *testing.T) {
	cache, err := New(8, time.Minute)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if cache.Seen("msg-1") {
		t.Fatal("first delivery must not be a duplicate")
	}
	if !cache.Seen("msg-1") {
		t.Fatal("second delivery must be a duplicate")
	}
	if cache.Seen("msg-2") {
		t.Fatal("a different message must not be a duplicate")
	}
}

func TestEmptyIDNeverDuplicate(t *testing.T) {
	cache, err := New(8, time.Minute)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cache.Seen("") || cache.Seen("") {
		t.Fatal("messages without an ID are never deduplicated")
	}
	if cache.Len() != 0 {
		t.Fatalf("empty IDs must not be tracked, len = %d", cache.Len())
	}
}

func TestSeenExpiresAfterTTL(t *testing.T) {
	current := time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC)
	cache, err := New(8, time.Minute)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cache.WithClock(func() time.Time { return current })

	if cache.Seen("msg-1") {
		t.Fatal("first delivery must not be a duplicate")
	}
	current = current.Add(61 * time.Second)
	if cache.Seen("msg-1") {
		t.Fatal("a redelivery past the TTL counts as new")
	}
	current = current.Add(time.Second)
	if !cache.Seen("msg-1") {
		t.Fatal("the expired check must have re-recorded the ID")
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	cache, err := New(2, time.Minute)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	cache.Seen("msg-1")
	cache.Seen("msg-2")
	cache.Seen("msg-3")

	if cache.Seen("msg-1") {
		t.Fatal("evicted ID must read as unseen")
	}
}
