package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/ussdgate/internal/store"
)

// OpenDB opens a pgx-backed database/sql handle and verifies connectivity.
func OpenDB(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, store.Unavailable("postgres ping", err)
	}
	return db, nil
}

// Open creates a session store on a fresh connection pool. The schema is
// managed by the migrate command.
func Open(ctx context.Context, cfg store.StoreConfig) (*PGSessionStore, error) {
	db, err := OpenDB(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	return NewPGSessionStore(db), nil
}
