package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/ussdgate/internal/config"
	"github.com/nextlevelbuilder/ussdgate/internal/store/pg"
)

// canAutoOnboard returns true if a channel endpoint is provided via env,
// indicating the user wants non-interactive configuration (e.g. Docker).
func canAutoOnboard() bool {
	return os.Getenv("USSDGATE_BROKER_URL") != "" || os.Getenv("USSDGATE_BRIDGE_URL") != ""
}

// runAutoOnboard performs non-interactive setup from environment variables.
// Returns true on success, false on fatal error.
func runAutoOnboard(cfgPath string) bool {
	fmt.Println("Auto-onboard: environment variables detected, running non-interactive setup...")

	cfg := config.Default()
	cfg.ApplyEnvOverrides()
	if os.Getenv("USSDGATE_BROKER_URL") == "" {
		cfg.Broker.Enabled = false
	}

	fmt.Printf("  Broker:   %v\n", cfg.Broker.Enabled)
	fmt.Printf("  Bridge:   %v\n", cfg.Bridge.Enabled)
	fmt.Printf("  Sessions: %s\n", cfg.Sessions.Backend)

	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Invalid configuration: %v\n", err)
		return false
	}

	if cfg.Sessions.Backend == config.BackendPostgres {
		fmt.Print("  Testing Postgres connection...")

		// Retry loop: database container may still be starting
		var pgErr error
		for attempt := 1; attempt <= 5; attempt++ {
			pgErr = testPostgresConnection(cfg.Sessions.PostgresDSN)
			if pgErr == nil {
				break
			}
			if attempt < 5 {
				fmt.Printf(" retry %d/5...", attempt)
				time.Sleep(2 * time.Second)
			}
		}
		if pgErr != nil {
			fmt.Println(" FAILED")
			fmt.Printf("  Error: %v\n", pgErr)
			return false
		}
		fmt.Println(" OK")

		// Run migrations (idempotent)
		fmt.Print("  Running migrations...")
		if v, err := migrateUp(cfg.Sessions.PostgresDSN); err != nil {
			fmt.Printf(" error: %v\n", err)
			fmt.Println("  Continuing without migration (run manually: ussdgate migrate up)")
		} else {
			fmt.Printf(" OK (version: %d)\n", v)
		}
	}

	if err := saveCleanConfig(cfgPath, cfg); err != nil {
		fmt.Printf("  Warning: could not save config: %v\n", err)
	} else {
		fmt.Printf("  Config saved to %s\n", cfgPath)
	}

	fmt.Println("Auto-onboard complete.")
	return true
}

func testPostgresConnection(dsn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := pg.OpenDB(ctx, dsn)
	if err != nil {
		return err
	}
	return db.Close()
}

// saveCleanConfig saves a minimal config.json: secrets stripped, only the
// sections relevant to the active configuration.
func saveCleanConfig(cfgPath string, cfg *config.Config) error {
	root := map[string]interface{}{
		"sessions": cleanSessions(cfg),
		"apps":     cfg.Apps,
	}

	if cfg.Broker.Enabled {
		root["broker"] = map[string]interface{}{
			"enabled":              true,
			"exchange":             nonEmpty(cfg.Broker.Exchange, "whatsapp"),
			"request_queue":        cfg.Broker.RequestQueue,
			"response_queue":       cfg.Broker.ResponseQueue,
			"incoming_routing_key": cfg.Broker.IncomingRoutingKey,
			"outgoing_routing_key": cfg.Broker.OutgoingRoutingKey,
			"ttl":                  cfg.Broker.TTL,
			"dlx_exchange_key":     cfg.Broker.DLXRoutingKey,
			"prefetch":             nonZero(cfg.Broker.Prefetch, 10),
			"workers":              nonZero(cfg.Broker.Workers, 4),
		}
	} else {
		root["broker"] = map[string]interface{}{"enabled": false}
	}

	if cfg.Bridge.Enabled {
		root["bridge"] = map[string]interface{}{
			"enabled": true,
			"url":     cfg.Bridge.URL,
		}
	}

	if cfg.HTTP.Enabled {
		root["http"] = map[string]interface{}{
			"enabled": true,
			"host":    nonEmpty(cfg.HTTP.Host, "127.0.0.1"),
			"port":    nonZero(cfg.HTTP.Port, 8089),
		}
	}

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(cfgPath, data, 0600)
}

func cleanSessions(cfg *config.Config) map[string]interface{} {
	s := map[string]interface{}{"backend": cfg.Sessions.Backend}
	switch cfg.Sessions.Backend {
	case config.BackendRedis:
		s["redis_addr"] = nonEmpty(cfg.Sessions.RedisAddr, "localhost:6379")
		s["key_prefix"] = nonEmpty(cfg.Sessions.KeyPrefix, "ussdgate:")
	case config.BackendSQLite:
		s["sqlite_path"] = nonEmpty(cfg.Sessions.SQLitePath, "~/.ussdgate/sessions.db")
	}
	if cfg.Sessions.IdleTTL != "" {
		s["idle_ttl"] = cfg.Sessions.IdleTTL
		s["sweep_cron"] = cfg.Sessions.SweepCron
	}
	return s
}

// nonEmpty returns val if non-empty, otherwise fallback.
func nonEmpty(val, fallback string) string {
	if val != "" {
		return val
	}
	return fallback
}

// nonZero returns val if non-zero, otherwise fallback.
func nonZero(val, fallback int) int {
	if val != 0 {
		return val
	}
	return fallback
}
