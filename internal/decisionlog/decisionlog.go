// Package decisionlog persists an append-only audit trail of pipeline
// verdicts: what the gate decided for an action, why, and how the
// execution turned out. Entries carry parameter names only, never
// values.
package decisionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// ErrEntryNotFound is returned when no logged entry carries the ID.
var ErrEntryNotFound = fmt.Errorf("decision entry not found")

// dayFormat keys one JSON file per UTC day; lexicographic order is
// chronological order.
const dayFormat = "2006-01-02"

// Entry is one audited decision: a gate verdict over a proposed action,
// optionally resolved later with the execution outcome.
type Entry struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id,omitempty"`
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id,omitempty"`
	MessageID      string     `json:"message_id,omitempty"`
	ToolName       string     `json:"tool_name,omitempty"`
	Verdict        string     `json:"verdict"`
	RiskLevel      string     `json:"risk_level,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	ParamKeys      []string   `json:"param_keys,omitempty"`
	Outcome        string     `json:"outcome,omitempty"`
	OutcomeOK      bool       `json:"outcome_ok,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Query describes a search over logged entries.
type Query struct {
	ConversationID string    `json:"conversation_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Verdict        string    `json:"verdict,omitempty"`
	Text           string    `json:"text,omitempty"`
	OnlyUnresolved bool      `json:"only_unresolved,omitempty"`
	Since          time.Time `json:"since,omitempty"`
	Limit          int       `json:"limit,omitempty"`
}

// Store abstracts persistence for the audit trail.
type Store interface {
	Record(ctx context.Context, entry Entry) (Entry, error)
	ResolveOutcome(ctx context.Context, id, outcome string, ok bool) error
	Search(ctx context.Context, query Query) ([]Entry, error)
	Recent(ctx context.Context, conversationID string, limit int) ([]Entry, error)
	Compact(ctx context.Context, before time.Time) (int, error)
}

// FileStore implements Store with one JSON file per UTC day under a base
// directory. Compaction drops whole day files past retention.
type FileStore struct {
	basePath string
	mu       sync.Mutex
	cache    map[string][]Entry // day key -> entries
	now      func() time.Time
}

// NewFileStore creates a file-backed audit store rooted at basePath.
func NewFileStore(basePath string) *FileStore {
	return &FileStore{
		basePath: basePath,
		cache:    make(map[string][]Entry),
		now:      time.Now,
	}
}

// WithClock replaces the store's clock. Tests drive it.
func (s *FileStore) WithClock(now func() time.Time) *FileStore {
	s.now = now
	return s
}

// Record appends a new entry and returns it with a generated ID.
func (s *FileStore) Record(_ context.Context, entry Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ConversationID = strings.TrimSpace(entry.ConversationID)
	if entry.ConversationID == "" {
		return entry, fmt.Errorf("conversation_id is required")
	}
	entry.Verdict = strings.TrimSpace(entry.Verdict)
	if entry.Verdict == "" {
		return entry, fmt.Errorf("verdict is required")
	}

	if entry.ID == "" {
		entry.ID = ksuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	day := entry.CreatedAt.UTC().Format(dayFormat)
	entries, err := s.loadLocked(day)
	if err != nil {
		return entry, fmt.Errorf("load day log: %w", err)
	}

	entries = append(entries, entry)
	s.cache[day] = entries

	if err := s.saveLocked(day, entries); err != nil {
		return entry, fmt.Errorf("save day log: %w", err)
	}
	return entry, nil
}

// ResolveOutcome records how a previously logged decision played out.
func (s *FileStore) ResolveOutcome(_ context.Context, id, outcome string, ok bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("entry id is required")
	}

	days, err := s.dayKeysLocked()
	if err != nil {
		return err
	}
	for _, day := range days {
		entries, err := s.loadLocked(day)
		if err != nil {
			continue
		}
		for i := range entries {
			if entries[i].ID != id {
				continue
			}
			now := s.now()
			entries[i].Outcome = outcome
			entries[i].OutcomeOK = ok
			entries[i].ResolvedAt = &now
			s.cache[day] = entries
			return s.saveLocked(day, entries)
		}
	}
	return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
}

// Search walks day files newest-first and returns entries matching the
// query, newest entries first.
func (s *FileStore) Search(_ context.Context, query Query) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query.ConversationID = strings.TrimSpace(query.ConversationID)
	query.UserID = strings.TrimSpace(query.UserID)
	if query.ConversationID == "" && query.UserID == "" {
		return nil, fmt.Errorf("conversation_id or user_id is required")
	}

	days, err := s.dayKeysLocked()
	if err != nil {
		return nil, err
	}

	sinceDay := ""
	if !query.Since.IsZero() {
		sinceDay = query.Since.UTC().Format(dayFormat)
	}
	textLower := strings.ToLower(strings.TrimSpace(query.Text))

	var results []Entry
	for _, day := range days {
		if sinceDay != "" && day < sinceDay {
			break
		}
		entries, err := s.loadLocked(day)
		if err != nil {
			return nil, err
		}
		// files append in insertion order; emit each day newest-first
		for i := len(entries) - 1; i >= 0; i-- {
			entry := entries[i]
			if !matchesQuery(entry, query, textLower) {
				continue
			}
			results = append(results, entry)
			if query.Limit > 0 && len(results) >= query.Limit {
				return results, nil
			}
		}
	}
	return results, nil
}

// Recent returns the newest entries for one conversation.
func (s *FileStore) Recent(ctx context.Context, conversationID string, limit int) ([]Entry, error) {
	return s.Search(ctx, Query{ConversationID: conversationID, Limit: limit})
}

// Compact removes day files strictly older than the cutoff day and
// reports how many entries went with them.
func (s *FileStore) Compact(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := before.UTC().Format(dayFormat)
	days, err := s.dayKeysLocked()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, day := range days {
		if day >= cutoff {
			continue
		}
		entries, err := s.loadLocked(day)
		if err != nil {
			return removed, err
		}
		if err := os.Remove(s.dayFilePath(day)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove day log %s: %w", day, err)
		}
		delete(s.cache, day)
		removed += len(entries)
	}
	return removed, nil
}

// loadLocked reads one day's entries. Must be called with s.mu held.
func (s *FileStore) loadLocked(day string) ([]Entry, error) {
	if cached, ok := s.cache[day]; ok {
		return cached, nil
	}

	data, err := os.ReadFile(s.dayFilePath(day))
	if err != nil {
		if os.IsNotExist(err) {
			s.cache[day] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("read day log: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal day log %s: %w", day, err)
	}
	s.cache[day] = entries
	return entries, nil
}

// saveLocked writes one day's entries. Must be called with s.mu held.
func (s *FileStore) saveLocked(day string, entries []Entry) error {
	if err := os.MkdirAll(s.basePath, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal day log: %w", err)
	}
	if err := os.WriteFile(s.dayFilePath(day), data, 0o644); err != nil {
		return fmt.Errorf("write day log: %w", err)
	}
	return nil
}

// dayKeysLocked unions cached and on-disk day keys, newest first. Must
// be called with s.mu held.
func (s *FileStore) dayKeysLocked() ([]string, error) {
	seen := make(map[string]bool, len(s.cache))
	for day := range s.cache {
		seen[day] = true
	}

	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read log dir: %w", err)
	}
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}
		name := dirEntry.Name()
		if !strings.HasPrefix(name, "decisions-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		seen[strings.TrimSuffix(strings.TrimPrefix(name, "decisions-"), ".json")] = true
	}

	days := make([]string, 0, len(seen))
	for day := range seen {
		days = append(days, day)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	return days, nil
}

func (s *FileStore) dayFilePath(day string) string {
	return filepath.Join(s.basePath, "decisions-"+day+".json")
}

func matchesQuery(entry Entry, query Query, textLower string) bool {
	if query.ConversationID != "" && entry.ConversationID != query.ConversationID {
		return false
	}
	if query.UserID != "" && entry.UserID != query.UserID {
		return false
	}
	if query.Verdict != "" && !strings.EqualFold(entry.Verdict, query.Verdict) {
		return false
	}
	if query.OnlyUnresolved && entry.ResolvedAt != nil {
		return false
	}
	if !query.Since.IsZero() && entry.CreatedAt.Before(query.Since) {
		return false
	}
	if textLower != "" && !matchesText(entry, textLower) {
		return false
	}
	return true
}

// matchesText checks the searchable fields: tool name, reason, outcome.
func matchesText(entry Entry, textLower string) bool {
	if strings.Contains(strings.ToLower(entry.ToolName), textLower) {
		return true
	}
	if strings.Contains(strings.ToLower(entry.Reason), textLower) {
		return true
	}
	return strings.Contains(strings.ToLower(entry.Outcome), textLower)
}
