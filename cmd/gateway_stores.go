package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nextlevelbuilder/ussdgate/internal/config"
	"github.com/nextlevelbuilder/ussdgate/internal/store"
	"github.com/nextlevelbuilder/ussdgate/internal/store/pg"
	redisstore "github.com/nextlevelbuilder/ussdgate/internal/store/redis"
	"github.com/nextlevelbuilder/ussdgate/internal/store/sqlite"
	"github.com/nextlevelbuilder/ussdgate/internal/upgrade"
)

func storeConfig(cfg *config.Config) store.StoreConfig {
	return store.StoreConfig{
		Backend:     cfg.Sessions.Backend,
		RedisAddr:   cfg.Sessions.RedisAddr,
		RedisDB:     cfg.Sessions.RedisDB,
		RedisPass:   cfg.Sessions.RedisPassword,
		KeyPrefix:   cfg.Sessions.KeyPrefix,
		PostgresDSN: cfg.Sessions.PostgresDSN,
		SQLitePath:  cfg.SQLitePath(),
	}
}

// openSessionStore opens the configured backend. The caller owns Close.
func openSessionStore(ctx context.Context, cfg *config.Config) (store.SessionStore, error) {
	sc := storeConfig(cfg)
	var (
		s   store.SessionStore
		err error
	)
	switch sc.Backend {
	case config.BackendRedis:
		s, err = openOrNil(redisstore.Open(ctx, sc))
	case config.BackendPostgres:
		s, err = openOrNil(pg.Open(ctx, sc))
	case config.BackendSQLite:
		s, err = openOrNil(sqlite.Open(ctx, sc.SQLitePath))
	default:
		return nil, fmt.Errorf("unknown session backend %q", sc.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", sc.Backend, err)
	}
	return s, nil
}

// openOrNil keeps a failed constructor's typed nil out of the interface.
func openOrNil[S store.SessionStore](s S, err error) (store.SessionStore, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// checkPostgresSchema verifies the postgres schema version before the store
// is used. With USSDGATE_AUTO_MIGRATE=true an outdated schema is migrated.
func checkPostgresSchema(ctx context.Context, cfg *config.Config) error {
	if cfg.Sessions.Backend != config.BackendPostgres {
		return nil
	}
	db, err := pg.OpenDB(ctx, cfg.Sessions.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	status, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	if status.Compatible {
		return nil
	}

	if status.NeedsMigration && !status.Dirty && os.Getenv("USSDGATE_AUTO_MIGRATE") == "true" {
		v, err := migrateUp(cfg.Sessions.PostgresDSN)
		if err != nil {
			return err
		}
		slog.Info("schema migrated on startup", "version", v)
		return nil
	}

	fmt.Fprint(os.Stderr, upgrade.FormatError(status))
	return status.Err()
}
