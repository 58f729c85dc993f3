// Package session maps chat users to backend session identifiers with
// SQLite persistence, so conversations survive restarts.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SessionCreator supplies fresh backend session identifiers.
type SessionCreator interface {
	CreateSession(ctx context.Context) (string, error)
}

// Store persists user to session mappings.
type Store struct {
	db      *sql.DB
	creator SessionCreator
}

// Info describes one stored session.
type Info struct {
	UserID       string
	SessionID    string
	CreatedAt    time.Time
	LastUsed     time.Time
	MessageCount int
}

func NewStore(dbPath string, creator SessionCreator) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create session db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}

	s := &Store{db: db, creator: creator}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS sessions (
			user_id TEXT PRIMARY KEY,
			session_uuid TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_used TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_used ON sessions(last_used)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init session schema: %w", err)
		}
	}

	if count, err := s.Count(); err == nil {
		log.Printf("[session] loaded %d existing session(s)", count)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// GetOrCreate returns the user's session, creating one through the
// backend on first contact. Each call bumps last_used and the message
// counter.
func (s *Store) GetOrCreate(ctx context.Context, userID string) (string, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var sessionID string
	err := s.db.QueryRow(`SELECT session_uuid FROM sessions WHERE user_id = ?`, userID).Scan(&sessionID)
	if err == nil {
		if _, err := s.db.Exec(`
			UPDATE sessions SET last_used = ?, message_count = message_count + 1
			WHERE user_id = ?
		`, now, userID); err != nil {
			return "", fmt.Errorf("touch session: %w", err)
		}
		return sessionID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("lookup session: %w", err)
	}

	sessionID, err = s.creator.CreateSession(ctx)
	if err != nil {
		return "", fmt.Errorf("create backend session: %w", err)
	}

	if _, err := s.db.Exec(`
		INSERT INTO sessions (user_id, session_uuid, created_at, last_used, message_count)
		VALUES (?, ?, ?, ?, 1)
	`, userID, sessionID, now, now); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	log.Printf("[session] created session for user %s", userID)
	return sessionID, nil
}

// Reset discards the user's session and provisions a fresh one.
func (s *Store) Reset(ctx context.Context, userID string) (string, error) {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return "", fmt.Errorf("delete session: %w", err)
	}
	return s.GetOrCreate(ctx, userID)
}

// Get returns the stored session info without touching usage counters.
func (s *Store) Get(userID string) (*Info, error) {
	row := s.db.QueryRow(`
		SELECT session_uuid, created_at, last_used, message_count
		FROM sessions WHERE user_id = ?
	`, userID)

	var info Info
	var created, used string
	if err := row.Scan(&info.SessionID, &created, &used, &info.MessageCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup session info: %w", err)
	}
	info.UserID = userID
	info.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	info.LastUsed, _ = time.Parse(time.RFC3339Nano, used)
	return &info, nil
}

// CleanupOlderThan removes sessions idle for more than maxAge and
// returns how many were dropped.
func (s *Store) CleanupOlderThan(maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)

	res, err := s.db.Exec(`DELETE FROM sessions WHERE last_used < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	dropped, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}
	if dropped > 0 {
		log.Printf("[session] cleaned up %d stale session(s)", dropped)
	}
	return int(dropped), nil
}

func (s *Store) Count() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}
