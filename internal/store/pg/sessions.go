package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/ussdgate/internal/store"
)

// PGSessionStore implements store.SessionStore backed by the chat_sessions table.
type PGSessionStore struct {
	db *sql.DB
}

func NewPGSessionStore(db *sql.DB) *PGSessionStore {
	return &PGSessionStore{db: db}
}

func (s *PGSessionStore) GetApp(ctx context.Context, chatKey string) (string, error) {
	var app string
	err := s.db.QueryRowContext(ctx,
		`SELECT app FROM chat_sessions WHERE chat_key = $1`, chatKey,
	).Scan(&app)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", store.Unavailable("postgres get app", err)
	}
	return app, nil
}

func (s *PGSessionStore) SetApp(ctx context.Context, chatKey, app string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (chat_key, app, created_at, updated_at)
		 VALUES ($1, $2, NOW(), NOW())
		 ON CONFLICT (chat_key) DO UPDATE SET app = EXCLUDED.app, updated_at = NOW()`,
		chatKey, app,
	)
	if err != nil {
		return store.Unavailable("postgres set app", err)
	}
	return nil
}

func (s *PGSessionStore) GetSessionID(ctx context.Context, chatKey string) (int64, bool, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM chat_sessions WHERE chat_key = $1`, chatKey,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, store.Unavailable("postgres get session id", err)
	}
	return id.Int64, id.Valid, nil
}

func (s *PGSessionStore) InitSessionID(ctx context.Context, chatKey string, seed int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (chat_key, session_id, created_at, updated_at)
		 VALUES ($1, $2, NOW(), NOW())
		 ON CONFLICT (chat_key) DO UPDATE
		 SET session_id = COALESCE(chat_sessions.session_id, EXCLUDED.session_id), updated_at = NOW()`,
		chatKey, seed,
	)
	if err != nil {
		return store.Unavailable("postgres init session id", err)
	}
	return nil
}

func (s *PGSessionStore) IncrementSessionID(ctx context.Context, chatKey string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO chat_sessions (chat_key, session_id, created_at, updated_at)
		 VALUES ($1, 1, NOW(), NOW())
		 ON CONFLICT (chat_key) DO UPDATE
		 SET session_id = COALESCE(chat_sessions.session_id, 0) + 1, updated_at = NOW()
		 RETURNING session_id`,
		chatKey,
	).Scan(&id)
	if err != nil {
		return 0, store.Unavailable("postgres increment session id", err)
	}
	return id, nil
}

func (s *PGSessionStore) Get(ctx context.Context, chatKey string) (*store.ChatSession, error) {
	var (
		sess store.ChatSession
		id   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_key, app, session_id, created_at, updated_at FROM chat_sessions WHERE chat_key = $1`,
		chatKey,
	).Scan(&sess.ChatKey, &sess.App, &id, &sess.Created, &sess.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Unavailable("postgres get session", err)
	}
	if id.Valid {
		sess.SessionID = &id.Int64
	}
	return &sess, nil
}

func (s *PGSessionStore) Reset(ctx context.Context, chatKey string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE chat_key = $1 AND session_id IS NULL`, chatKey,
	); err != nil {
		return store.Unavailable("postgres reset session", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET app = '', updated_at = NOW() WHERE chat_key = $1`, chatKey,
	); err != nil {
		return store.Unavailable("postgres reset session", err)
	}
	return nil
}

// PurgeIdle leaves updated_at untouched so a reset chat is not counted twice.
func (s *PGSessionStore) PurgeIdle(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, store.Unavailable("postgres purge sessions", err)
	}
	defer tx.Rollback()

	deleted, err := tx.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE updated_at < $1 AND session_id IS NULL`, before)
	if err != nil {
		return 0, store.Unavailable("postgres purge sessions", err)
	}
	reset, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET app = '' WHERE updated_at < $1 AND app <> ''`, before)
	if err != nil {
		return 0, store.Unavailable("postgres purge sessions", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, store.Unavailable("postgres purge sessions", err)
	}

	n1, _ := deleted.RowsAffected()
	n2, _ := reset.RowsAffected()
	return int(n1 + n2), nil
}

func (s *PGSessionStore) Close() error { return s.db.Close() }
