package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"banto/internal/logging"
)

// SQLiteStore persists learnings in a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger logging.Logger
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, logger logging.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("learning database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logging.OrNop(logger)}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	// trigger is a reserved word in SQLite, hence trigger_text
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS learnings (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		category TEXT NOT NULL,
		trigger_text TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '{}',
		authority TEXT NOT NULL,
		taught_by TEXT NOT NULL DEFAULT '',
		valid_from INTEGER NOT NULL,
		valid_until INTEGER NOT NULL DEFAULT 0,
		superseded_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_learnings_lookup ON learnings(organization_id, category, trigger_text);
	CREATE INDEX IF NOT EXISTS idx_learnings_superseded ON learnings(superseded_by);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, learning Learning) error {
	if err := learning.Validate(); err != nil {
		return err
	}
	content, err := json.Marshal(learning.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}

	query := `
	INSERT INTO learnings
		(id, organization_id, category, trigger_text, content, authority, taught_by,
		 valid_from, valid_until, superseded_by, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		organization_id = excluded.organization_id,
		category = excluded.category,
		trigger_text = excluded.trigger_text,
		content = excluded.content,
		authority = excluded.authority,
		taught_by = excluded.taught_by,
		valid_from = excluded.valid_from,
		valid_until = excluded.valid_until,
		superseded_by = excluded.superseded_by,
		updated_at = excluded.updated_at`

	return s.execWithRetry(ctx, query,
		learning.ID, learning.OrganizationID, string(learning.Category), learning.Trigger,
		string(content), string(learning.Authority), learning.TaughtBy,
		learning.ValidFrom.Unix(), unixOrZero(learning.ValidUntil), learning.SupersededBy,
		learning.CreatedAt.Unix(), learning.UpdatedAt.Unix(),
	)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Learning, error) {
	query := selectColumns + ` FROM learnings WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	learning, err := scanLearning(row)
	if err == sql.ErrNoRows {
		return Learning{}, ErrLearningNotFound
	}
	if err != nil {
		return Learning{}, fmt.Errorf("query learning: %w", err)
	}
	return learning, nil
}

func (s *SQLiteStore) Active(ctx context.Context, orgID string, category Category, trigger string, now time.Time) ([]Learning, error) {
	query := selectColumns + `
	FROM learnings
	WHERE organization_id = ? AND category = ? AND trigger_text = ? COLLATE NOCASE
		AND superseded_by = ''
		AND valid_from <= ?
		AND (valid_until = 0 OR valid_until > ?)
	ORDER BY created_at DESC, id DESC`

	ts := now.Unix()
	rows, err := s.db.QueryContext(ctx, query, orgID, string(category), trigger, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("query active learnings: %w", err)
	}
	defer rows.Close()
	return collectLearnings(rows)
}

func (s *SQLiteStore) List(ctx context.Context, orgID string, now time.Time) ([]Learning, error) {
	query := selectColumns + `
	FROM learnings
	WHERE organization_id = ?
		AND superseded_by = ''
		AND valid_from <= ?
		AND (valid_until = 0 OR valid_until > ?)
	ORDER BY created_at DESC, id DESC`

	ts := now.Unix()
	rows, err := s.db.QueryContext(ctx, query, orgID, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("list learnings: %w", err)
	}
	defer rows.Close()
	return collectLearnings(rows)
}

func (s *SQLiteStore) MarkSuperseded(ctx context.Context, id, supersededBy string, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE learnings SET superseded_by = ?, updated_at = ? WHERE id = ?`,
		supersededBy, now.Unix(), id)
	if err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrLearningNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM learnings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete learning: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrLearningNotFound
	}
	return nil
}

func (s *SQLiteStore) PurgeSuperseded(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM learnings WHERE superseded_by != '' AND updated_at < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge superseded: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(rows), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectColumns = `
	SELECT id, organization_id, category, trigger_text, content, authority, taught_by,
	       valid_from, valid_until, superseded_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLearning(row rowScanner) (Learning, error) {
	var (
		learning                         Learning
		category, authority, contentJSON string
		validFrom, validUntil            int64
		createdAt, updatedAt             int64
	)
	err := row.Scan(
		&learning.ID, &learning.OrganizationID, &category, &learning.Trigger,
		&contentJSON, &authority, &learning.TaughtBy,
		&validFrom, &validUntil, &learning.SupersededBy,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return Learning{}, err
	}

	learning.Category = Category(category)
	learning.Authority = AuthorityLevel(authority)
	learning.ValidFrom = time.Unix(validFrom, 0)
	if validUntil > 0 {
		learning.ValidUntil = time.Unix(validUntil, 0)
	}
	learning.CreatedAt = time.Unix(createdAt, 0)
	learning.UpdatedAt = time.Unix(updatedAt, 0)
	if err := json.Unmarshal([]byte(contentJSON), &learning.Content); err != nil {
		return Learning{}, fmt.Errorf("decode content for %s: %w", learning.ID, err)
	}
	return learning, nil
}

func collectLearnings(rows *sql.Rows) ([]Learning, error) {
	var learnings []Learning
	for rows.Next() {
		learning, err := scanLearning(rows)
		if err != nil {
			return nil, err
		}
		learnings = append(learnings, learning)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate learnings: %w", err)
	}
	return learnings, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// execWithRetry retries on SQLITE_BUSY with exponential backoff.
func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i <= maxRetries; i++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !isBusyError(err) || i == maxRetries {
			return fmt.Errorf("exec learning query: %w", err)
		}
		delay := baseDelay * time.Duration(1<<i)
		s.logger.Debug("learning store busy, retrying in %s", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
