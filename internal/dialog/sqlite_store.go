package dialog

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

	banterr "banto/internal/errors"
	"banto/internal/logging"
)

// SQLiteStore persists conversation states in a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger logging.Logger
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, logger logging.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("state database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode keeps readers unblocked during the upsert-heavy write path.
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
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversation_states (
		conversation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		state_type TEXT NOT NULL,
		step TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_conversation_states_expires ON conversation_states(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) (ConversationState, error) {
	if err := key.Validate(); err != nil {
		return ConversationState{}, err
	}

	query := `
	SELECT state_type, step, payload, retry_count, created_at, updated_at, expires_at
	FROM conversation_states
	WHERE conversation_id = ? AND user_id = ?`

	var (
		stateType, step, payload        string
		retryCount                      int
		createdAt, updatedAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, query, key.ConversationID, key.UserID).Scan(
		&stateType, &step, &payload, &retryCount, &createdAt, &updatedAt, &expiresAt,
	)
	if err == sql.ErrNoRows {
		return ConversationState{}, ErrStateNotFound
	}
	if err != nil {
		return ConversationState{}, fmt.Errorf("query state: %w", err)
	}

	state := ConversationState{
		Key:        key,
		Type:       StateType(stateType),
		Step:       step,
		RetryCount: retryCount,
		CreatedAt:  time.Unix(createdAt, 0),
		UpdatedAt:  time.Unix(updatedAt, 0),
		ExpiresAt:  time.Unix(expiresAt, 0),
	}
	if err := json.Unmarshal([]byte(payload), &state.Payload); err != nil {
		return ConversationState{}, banterr.NewStateCorruption(key.ConversationID, key.UserID, err)
	}
	if !state.Type.Valid() {
		return ConversationState{}, banterr.NewStateCorruption(key.ConversationID, key.UserID,
			fmt.Errorf("unknown state type %q", stateType))
	}
	return state, nil
}

func (s *SQLiteStore) Put(ctx context.Context, state ConversationState) error {
	if err := state.Key.Validate(); err != nil {
		return err
	}
	if !state.Type.Valid() {
		return fmt.Errorf("cannot persist state type %q", state.Type)
	}

	payload, err := json.Marshal(state.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `
	INSERT INTO conversation_states
		(conversation_id, user_id, state_type, step, payload, retry_count, created_at, updated_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id, user_id) DO UPDATE SET
		state_type = excluded.state_type,
		step = excluded.step,
		payload = excluded.payload,
		retry_count = excluded.retry_count,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		expires_at = excluded.expires_at`

	return s.execWithRetry(ctx, query,
		state.ConversationID, state.UserID, string(state.Type), state.Step, string(payload),
		state.RetryCount, state.CreatedAt.Unix(), state.UpdatedAt.Unix(), state.ExpiresAt.Unix(),
	)
}

func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	query := `DELETE FROM conversation_states WHERE conversation_id = ? AND user_id = ?`
	return s.execWithRetry(ctx, query, key.ConversationID, key.UserID)
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	query := `DELETE FROM conversation_states WHERE expires_at < ?`
	result, err := s.db.ExecContext(ctx, query, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired states: %w", err)
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
			return fmt.Errorf("exec state query: %w", err)
		}
		delay := baseDelay * time.Duration(1<<i)
		s.logger.Debug("state store busy, retrying in %s", delay)
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
