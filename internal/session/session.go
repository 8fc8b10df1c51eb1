// Package session remembers the conversation each local user was last
// working in, so the client can resume it after a restart.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Active is the conversation a user was last working in
type Active struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps one active session per user in the active_sessions table
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps a database bootstrapped by telemetry.InitDB
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SaveActive records a as the active session of its user
func (s *Store) SaveActive(ctx context.Context, a Active) error {
	if a.UserID == "" || a.SessionID == "" {
		return errors.New("user id and session id are required")
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO active_sessions (user_id, session_id, title, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		session_id = excluded.session_id,
		title = excluded.title,
		updated_at = excluded.updated_at`,
		a.UserID, a.SessionID, a.Title, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save active session: %w", err)
	}
	return nil
}

// LoadActive returns the active session of userID. ok is false when the
// user has none.
func (s *Store) LoadActive(ctx context.Context, userID string) (a Active, ok bool, err error) {
	var title sql.NullString
	var updated sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT user_id, session_id, title, updated_at FROM active_sessions WHERE user_id = ?`,
		userID,
	).Scan(&a.UserID, &a.SessionID, &title, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Active{}, false, nil
	}
	if err != nil {
		return Active{}, false, fmt.Errorf("failed to load active session: %w", err)
	}
	a.Title = title.String
	a.UpdatedAt = updated.Time
	return a, true, nil
}

// ClearActive forgets the active session of userID
func (s *Store) ClearActive(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM active_sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to clear active session: %w", err)
	}
	return nil
}
