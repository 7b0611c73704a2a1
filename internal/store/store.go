// Package store persists session summaries for the offline conversation list.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"NextMind/internal/session"
)

const activeSessionKey = "active_session_id"

// Store is the local session cache
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the SQLite database at path
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	createSessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		last_message TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		message_count INTEGER NOT NULL
	);`

	createPreferencesTable := `
	CREATE TABLE IF NOT EXISTS preferences (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`

	if _, err := s.db.Exec(createSessionsTable); err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}
	if _, err := s.db.Exec(createPreferencesTable); err != nil {
		return fmt.Errorf("failed to create preferences table: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the summary stored for id
func (s *Store) Get(ctx context.Context, id string) (session.Summary, bool, error) {
	sum := session.Summary{ID: id}
	err := s.db.QueryRowContext(ctx,
		"SELECT title, last_message, updated_at, message_count FROM sessions WHERE id = ?", id,
	).Scan(&sum.Title, &sum.LastMessage, &sum.UpdatedAt, &sum.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Summary{}, false, nil
	}
	if err != nil {
		return session.Summary{}, false, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	sum.UpdatedAt = session.NormalizeTime(sum.UpdatedAt, s.now())
	return sum, true, nil
}

// Put stores the summary for id, replacing any previous one
func (s *Store) Put(ctx context.Context, id string, sum session.Summary) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO sessions (id, title, last_message, updated_at, message_count) VALUES (?, ?, ?, ?, ?)",
		id, sum.Title, sum.LastMessage, session.NormalizeTime(sum.UpdatedAt, s.now()), sum.MessageCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", id, err)
	}
	return nil
}

// ListAll returns every listable summary, newest first. Transient entries are
// purged along the way and unparseable timestamps are normalized to now.
func (s *Store) ListAll(ctx context.Context) ([]session.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, last_message, updated_at, message_count FROM sessions")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := s.now()
	var summaries []session.Summary
	var transient []string
	for rows.Next() {
		var sum session.Summary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.LastMessage, &sum.UpdatedAt, &sum.MessageCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if sum.Title == "" {
			sum.Title = session.DefaultTitle
		}
		if sum.IsTransient() {
			transient = append(transient, sum.ID)
			continue
		}
		sum.UpdatedAt = session.NormalizeTime(sum.UpdatedAt, now)
		summaries = append(summaries, sum)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	for _, id := range transient {
		if err := s.Delete(ctx, id); err != nil {
			s.logger.Warn("failed to purge empty session", "session_id", id, "error", err)
		}
	}
	if len(transient) > 0 {
		s.logger.Debug("purged empty sessions", "count", len(transient))
	}

	session.SortByRecent(summaries)
	return summaries, nil
}

// Delete removes the summary for id
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// ActiveSessionID returns the most recently used session id, or "" if none was recorded
func (s *Store) ActiveSessionID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM preferences WHERE key = ?", activeSessionKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load active session: %w", err)
	}
	return id, nil
}

// SetActiveSessionID records id as the session to reopen on restart
func (s *Store) SetActiveSessionID(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO preferences (key, value) VALUES (?, ?)", activeSessionKey, id)
	if err != nil {
		return fmt.Errorf("failed to save active session: %w", err)
	}
	return nil
}
