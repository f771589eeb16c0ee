// Package sqlite implements store.SessionStore on a local SQLite file for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/ussdgate/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
    chat_key    TEXT PRIMARY KEY,
    app         TEXT NOT NULL DEFAULT '',
    session_id  INTEGER,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_sessions_updated_at ON chat_sessions (updated_at);
`

// SessionStore implements store.SessionStore backed by SQLite.
type SessionStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database file at path and applies the schema.
func Open(ctx context.Context, path string) (*SessionStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer avoids SQLITE_BUSY under concurrent deliveries.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SessionStore{db: db, now: time.Now}, nil
}

func (s *SessionStore) GetApp(ctx context.Context, chatKey string) (string, error) {
	var app string
	err := s.db.QueryRowContext(ctx, `SELECT app FROM chat_sessions WHERE chat_key = ?`, chatKey).Scan(&app)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", store.Unavailable("sqlite get app", err)
	}
	return app, nil
}

func (s *SessionStore) SetApp(ctx context.Context, chatKey, app string) error {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (chat_key, app, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (chat_key) DO UPDATE SET app = excluded.app, updated_at = excluded.updated_at`,
		chatKey, app, now, now,
	)
	if err != nil {
		return store.Unavailable("sqlite set app", err)
	}
	return nil
}

func (s *SessionStore) GetSessionID(ctx context.Context, chatKey string) (int64, bool, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM chat_sessions WHERE chat_key = ?`, chatKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, store.Unavailable("sqlite get session id", err)
	}
	return id.Int64, id.Valid, nil
}

func (s *SessionStore) InitSessionID(ctx context.Context, chatKey string, seed int64) error {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (chat_key, session_id, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (chat_key) DO UPDATE
		 SET session_id = COALESCE(chat_sessions.session_id, excluded.session_id), updated_at = excluded.updated_at`,
		chatKey, seed, now, now,
	)
	if err != nil {
		return store.Unavailable("sqlite init session id", err)
	}
	return nil
}

func (s *SessionStore) IncrementSessionID(ctx context.Context, chatKey string) (int64, error) {
	now := s.now().Unix()
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO chat_sessions (chat_key, session_id, created_at, updated_at) VALUES (?, 1, ?, ?)
		 ON CONFLICT (chat_key) DO UPDATE
		 SET session_id = COALESCE(chat_sessions.session_id, 0) + 1, updated_at = excluded.updated_at
		 RETURNING session_id`,
		chatKey, now, now,
	).Scan(&id)
	if err != nil {
		return 0, store.Unavailable("sqlite increment session id", err)
	}
	return id, nil
}

func (s *SessionStore) Get(ctx context.Context, chatKey string) (*store.ChatSession, error) {
	var (
		sess             store.ChatSession
		id               sql.NullInt64
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_key, app, session_id, created_at, updated_at FROM chat_sessions WHERE chat_key = ?`,
		chatKey,
	).Scan(&sess.ChatKey, &sess.App, &id, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Unavailable("sqlite get session", err)
	}
	if id.Valid {
		sess.SessionID = &id.Int64
	}
	sess.Created = time.Unix(created, 0)
	sess.Updated = time.Unix(updated, 0)
	return &sess, nil
}

func (s *SessionStore) Reset(ctx context.Context, chatKey string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE chat_key = ? AND session_id IS NULL`, chatKey,
	); err != nil {
		return store.Unavailable("sqlite reset session", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET app = '', updated_at = ? WHERE chat_key = ?`, s.now().Unix(), chatKey,
	); err != nil {
		return store.Unavailable("sqlite reset session", err)
	}
	return nil
}

// PurgeIdle leaves updated_at untouched so a reset chat is not counted twice.
func (s *SessionStore) PurgeIdle(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, store.Unavailable("sqlite purge sessions", err)
	}
	defer tx.Rollback()

	cutoff := before.Unix()
	deleted, err := tx.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE updated_at < ? AND session_id IS NULL`, cutoff)
	if err != nil {
		return 0, store.Unavailable("sqlite purge sessions", err)
	}
	reset, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET app = '' WHERE updated_at < ? AND app <> ''`, cutoff)
	if err != nil {
		return 0, store.Unavailable("sqlite purge sessions", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, store.Unavailable("sqlite purge sessions", err)
	}

	n1, _ := deleted.RowsAffected()
	n2, _ := reset.RowsAffected()
	return int(n1 + n2), nil
}

func (s *SessionStore) Close() error { return s.db.Close() }
