// Package transcript is a local SQLite-backed cache of the
// server-authoritative conversation transcript.
//
// Notes:
// - The cache exists so the console can render the last known conversation
//   immediately on startup, before the channel reconnects.
// - Durable history always wins: Replace overwrites the whole session slice
//   whenever a fresh history fetch lands.
// - WAL is enabled to support concurrent reads while writing.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/floegence/redeven-console/internal/chat"
)

type Store struct {
	db   *sql.DB
	lock *cacheLock
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	lock, err := acquireCacheLock(p + ".lock")
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		_ = lock.Release()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db, lock: lock}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if relErr := s.lock.Release(); err == nil {
		err = relErr
	}
	s.lock = nil
	return err
}

// Append upserts one message. Upsert keyed by (session_key, message_id)
// keeps retried appends idempotent.
func (s *Store) Append(ctx context.Context, sessionKey string, m chat.Message) error {
	if s == nil || s.db == nil {
		return errors.New("store is closed")
	}
	sessionKey = strings.TrimSpace(sessionKey)
	messageID := strings.TrimSpace(m.ID)
	if sessionKey == "" || messageID == "" {
		return errors.New("missing session_key or message id")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO chat_messages (session_key, message_id, role, timestamp_unix_ms, message_json)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(session_key, message_id) DO UPDATE SET
  role = excluded.role,
  timestamp_unix_ms = excluded.timestamp_unix_ms,
  message_json = excluded.message_json
`, sessionKey, messageID, m.Role, m.TimestampUnixMs, string(body))
	return err
}

// Replace swaps the whole cached slice for the session.
func (s *Store) Replace(ctx context.Context, sessionKey string, msgs []chat.Message) error {
	if s == nil || s.db == nil {
		return errors.New("store is closed")
	}
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return errors.New("missing session_key")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_key = ?`, sessionKey); err != nil {
		return err
	}
	for _, m := range msgs {
		messageID := strings.TrimSpace(m.ID)
		if messageID == "" {
			continue
		}
		body, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO chat_messages (session_key, message_id, role, timestamp_unix_ms, message_json)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(session_key, message_id) DO UPDATE SET
  role = excluded.role,
  timestamp_unix_ms = excluded.timestamp_unix_ms,
  message_json = excluded.message_json
`, sessionKey, messageID, m.Role, m.TimestampUnixMs, string(body)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Clear drops all cached messages for the session.
func (s *Store) Clear(ctx context.Context, sessionKey string) error {
	if s == nil || s.db == nil {
		return errors.New("store is closed")
	}
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return errors.New("missing session_key")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_key = ?`, sessionKey)
	return err
}

// ListMessages returns the cached slice in insertion order. limit <= 0 means
// no limit.
func (s *Store) ListMessages(ctx context.Context, sessionKey string, limit int) ([]chat.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is closed")
	}
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return nil, errors.New("missing session_key")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	q := `
SELECT message_json
FROM chat_messages
WHERE session_key = ?
ORDER BY timestamp_unix_ms ASC, id ASC
`
	args := []any{sessionKey}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var m chat.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			// A corrupt row must not hide the rest of the cache.
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS chat_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_key TEXT NOT NULL,
  message_id TEXT NOT NULL,
  role TEXT NOT NULL DEFAULT '',
  timestamp_unix_ms INTEGER NOT NULL DEFAULT 0,
  message_json TEXT NOT NULL,
  UNIQUE(session_key, message_id)
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_key, timestamp_unix_ms ASC, id ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
