package config

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Store backends accepted in sessions.backend.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// DefaultApps are the two insurance products the service launched with.
func DefaultApps() []AppConfig {
	return []AppConfig{
		{Key: "bridgecap", Trigger: "bridgecap", Index: "1", Title: "BridgeCap Insurance", URL: "http://localhost:5002/ussd"},
		{Key: "icea", Trigger: "icea", Index: "2", Title: "ICEA Lion Insurance", URL: "http://localhost:5003/ussd"},
	}
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Enabled:            true,
			Exchange:           "whatsapp",
			RequestQueue:       "whatsapp.ussd.requests",
			ResponseQueue:      "whatsapp.ussd.responses",
			IncomingRoutingKey: "whatsapp.incoming",
			OutgoingRoutingKey: "whatsapp.outgoing",
			TTL:                "24h",
			DLXRoutingKey:      "whatsapp.dlx",
			Prefetch:           10,
			Workers:            4,
		},
		Bridge: BridgeConfig{
			Workers: 4,
		},
		Sessions: SessionsConfig{
			Backend:    BackendRedis,
			RedisAddr:  "localhost:6379",
			KeyPrefix:  "ussdgate:",
			SQLitePath: "~/.ussdgate/sessions.db",
			SweepCron:  "*/15 * * * *",
		},
		Apps: DefaultApps(),
		Retry: RetryConfig{
			InitialInterval: "500ms",
			Multiplier:      2,
			MaxInterval:     "10s",
			MaxElapsed:      "1m",
		},
		Dedupe: DedupeConfig{
			TTL: "20m",
			Max: 5000,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "ussdgate",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		HTTP: HTTPConfig{
			Host: "127.0.0.1",
			Port: 8089,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults (plus env).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		// Decoding merges into existing slice elements; start apps empty.
		cfg.Apps = nil
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if len(cfg.Apps) == 0 {
			cfg.Apps = DefaultApps()
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				*dst = n
			}
		}
	}

	// Broker
	envStr("USSDGATE_BROKER_URL", &c.Broker.URL)
	envBool("USSDGATE_BROKER_ENABLED", &c.Broker.Enabled)
	envStr("USSDGATE_BROKER_EXCHANGE", &c.Broker.Exchange)
	envStr("USSDGATE_BROKER_REQUEST_QUEUE", &c.Broker.RequestQueue)
	envInt("USSDGATE_BROKER_WORKERS", &c.Broker.Workers)

	// Bridge
	// Auto-enable the bridge if its URL is provided via env
	if v := os.Getenv("USSDGATE_BRIDGE_URL"); v != "" {
		c.Bridge.URL = v
		c.Bridge.Enabled = true
	}
	envInt("USSDGATE_BRIDGE_WORKERS", &c.Bridge.Workers)

	// Sessions
	envStr("USSDGATE_SESSIONS_BACKEND", &c.Sessions.Backend)
	envStr("USSDGATE_REDIS_ADDR", &c.Sessions.RedisAddr)
	envStr("USSDGATE_REDIS_PASSWORD", &c.Sessions.RedisPassword)
	envInt("USSDGATE_REDIS_DB", &c.Sessions.RedisDB)
	envStr("USSDGATE_POSTGRES_DSN", &c.Sessions.PostgresDSN)
	envStr("USSDGATE_SQLITE_PATH", &c.Sessions.SQLitePath)
	envStr("USSDGATE_SESSIONS_IDLE_TTL", &c.Sessions.IdleTTL)

	// Admin HTTP
	envBool("USSDGATE_HTTP_ENABLED", &c.HTTP.Enabled)
	envStr("USSDGATE_HTTP_HOST", &c.HTTP.Host)
	envInt("USSDGATE_HTTP_PORT", &c.HTTP.Port)
	envStr("USSDGATE_HTTP_TOKEN", &c.HTTP.Token)

	// Logging
	envStr("USSDGATE_LOG_LEVEL", &c.Logging.Level)
	envStr("USSDGATE_LOG_FORMAT", &c.Logging.Format)

	// Telemetry
	envStr("USSDGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("USSDGATE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("USSDGATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("USSDGATE_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("USSDGATE_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after modifying config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Validate checks the settings every command relies on: store backend,
// applications and durations. Channel requirements are checked separately
// by ValidateChannels.
func (c *Config) Validate() error {
	if _, err := c.ParseDurations(); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	switch c.Sessions.Backend {
	case BackendRedis:
		if c.Sessions.RedisAddr == "" {
			errs = append(errs, errors.New("sessions.redis_addr is required for the redis backend"))
		}
		if c.Sessions.KeyPrefix == "" && c.Sessions.IdleTTL != "" {
			errs = append(errs, errors.New("sessions.key_prefix is required when sessions.idle_ttl is set on the redis backend"))
		}
	case BackendPostgres:
		if c.Sessions.PostgresDSN == "" {
			errs = append(errs, errors.New("USSDGATE_POSTGRES_DSN is required for the postgres backend"))
		}
	case BackendSQLite:
		if c.Sessions.SQLitePath == "" {
			errs = append(errs, errors.New("sessions.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("sessions.backend: unknown backend %q", c.Sessions.Backend))
	}

	if len(c.Apps) == 0 {
		errs = append(errs, errors.New("apps: at least one application is required"))
	}
	keys, indexes := map[string]bool{}, map[string]bool{}
	for i, app := range c.Apps {
		key := strings.ToLower(strings.TrimSpace(app.Key))
		index := strings.TrimSpace(app.Index)
		if key == "" || index == "" || app.URL == "" {
			errs = append(errs, fmt.Errorf("apps[%d]: key, index and url are required", i))
			continue
		}
		if keys[key] {
			errs = append(errs, fmt.Errorf("apps[%d]: duplicate key %q", i, key))
		}
		if indexes[index] {
			errs = append(errs, fmt.Errorf("apps[%d]: duplicate index %q", i, index))
		}
		keys[key], indexes[index] = true, true
	}

	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		errs = append(errs, fmt.Errorf("http.port out of range: %d", c.HTTP.Port))
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be >= 1, got %v", c.Retry.Multiplier))
	}
	return errors.Join(errs...)
}

// ValidateChannels checks that at least one channel is enabled and
// configured.
func (c *Config) ValidateChannels() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.Broker.Enabled && !c.Bridge.Enabled {
		return errors.New("no channel enabled: enable broker or bridge")
	}
	var errs []error
	if c.Broker.Enabled {
		if c.Broker.URL == "" {
			errs = append(errs, errors.New("USSDGATE_BROKER_URL is required when the broker is enabled"))
		}
		if c.Broker.Exchange == "" || c.Broker.RequestQueue == "" ||
			c.Broker.IncomingRoutingKey == "" || c.Broker.OutgoingRoutingKey == "" {
			errs = append(errs, errors.New("broker: exchange, request_queue and routing keys are required"))
		}
	}
	if c.Bridge.Enabled && c.Bridge.URL == "" {
		errs = append(errs, errors.New("bridge.url is required when the bridge is enabled"))
	}
	return errors.Join(errs...)
}

// Save writes the config to a JSON file. Env-only secrets are never written.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config, logged at startup so
// deployments can be told apart.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// SQLitePath returns the expanded sqlite path.
func (c *Config) SQLitePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.SQLitePath)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
