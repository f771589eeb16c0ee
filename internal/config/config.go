package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, so phone
// numbers in allowlists can be written without quotes.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the ussdgate service.
type Config struct {
	Broker    BrokerConfig    `json:"broker"`
	Bridge    BridgeConfig    `json:"bridge,omitempty"`
	Sessions  SessionsConfig  `json:"sessions"`
	Apps      []AppConfig     `json:"apps"`
	Router    RouterConfig    `json:"router,omitempty"`
	Retry     RetryConfig     `json:"retry,omitempty"`
	Dedupe    DedupeConfig    `json:"dedupe,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	HTTP      HTTPConfig      `json:"http,omitempty"`
	mu        sync.RWMutex
}

// BrokerConfig configures the RabbitMQ channel.
// URL is never read from config.json (secret); it comes from env USSDGATE_BROKER_URL.
type BrokerConfig struct {
	Enabled            bool                `json:"enabled"`
	URL                string              `json:"-"`
	Exchange           string              `json:"exchange"`
	RequestQueue       string              `json:"request_queue"`
	ResponseQueue      string              `json:"response_queue,omitempty"`
	IncomingRoutingKey string              `json:"incoming_routing_key"`
	OutgoingRoutingKey string              `json:"outgoing_routing_key"`
	TTL                string              `json:"ttl,omitempty"`          // queue x-message-ttl, Go duration
	DLXExchange        string              `json:"dlx_exchange,omitempty"` // default: exchange
	DLXRoutingKey      string              `json:"dlx_exchange_key,omitempty"`
	Prefetch           int                 `json:"prefetch,omitempty"`
	Workers            int                 `json:"workers,omitempty"`
	ReconnectMax       string              `json:"reconnect_max,omitempty"`
	AllowFrom          FlexibleStringSlice `json:"allow_from,omitempty"`
}

// BridgeConfig configures the optional WhatsApp WebSocket bridge channel.
type BridgeConfig struct {
	Enabled   bool                `json:"enabled"`
	URL       string              `json:"url,omitempty"` // ws://host:port/path
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
	// Workers is how many bridge messages are routed in parallel. Messages of
	// one chat always go to the same worker, in arrival order.
	Workers int `json:"workers,omitempty"`
}

// SessionsConfig selects and configures the session store.
// PostgresDSN and RedisPassword come from env only.
type SessionsConfig struct {
	Backend       string `json:"backend"` // "redis" (default), "postgres", "sqlite"
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	RedisPassword string `json:"-"` // from env USSDGATE_REDIS_PASSWORD only
	KeyPrefix     string `json:"key_prefix,omitempty"`
	PostgresDSN   string `json:"-"` // from env USSDGATE_POSTGRES_DSN only
	SQLitePath    string `json:"sqlite_path,omitempty"`
	Seed          int64  `json:"seed,omitempty"`       // first session id (default 100000001)
	IdleTTL       string `json:"idle_ttl,omitempty"`   // expire idle sessions after this long (default: never)
	SweepCron     string `json:"sweep_cron,omitempty"` // cron expression for the sweeper
}

// AppConfig registers one USSD gateway application.
type AppConfig struct {
	Key             string            `json:"key"`
	Trigger         string            `json:"trigger,omitempty"` // default: key
	Index           string            `json:"index"`
	Title           string            `json:"title,omitempty"`
	URL             string            `json:"url"`
	Timeout         string            `json:"timeout,omitempty"` // Go duration (default "10s")
	RateLimitRPS    float64           `json:"rate_limit_rps,omitempty"`
	Burst           int               `json:"burst,omitempty"`
	MSISDNOverrides map[string]string `json:"msisdn_overrides,omitempty"`
}

// RouterConfig tunes the welcome menu and global commands.
type RouterConfig struct {
	ResetCommand  string `json:"reset_command,omitempty"`
	WelcomeHeader string `json:"welcome_header,omitempty"`
}

// RetryConfig bounds the retry of transient gateway and store failures.
type RetryConfig struct {
	InitialInterval string  `json:"initial_interval,omitempty"` // default "500ms"
	Multiplier      float64 `json:"multiplier,omitempty"`       // default 2
	MaxInterval     string  `json:"max_interval,omitempty"`     // default "10s"
	MaxElapsed      string  `json:"max_elapsed,omitempty"`      // default "1m"
}

// DedupeConfig configures inbound message deduplication.
type DedupeConfig struct {
	TTL string `json:"ttl,omitempty"` // default "20m", "0" disables
	Max int    `json:"max,omitempty"` // default 5000
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext connection (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "ussdgate"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens)
}

// HTTPConfig configures the admin HTTP server (health, status, sessions).
// Token is never read from config.json; it comes from env USSDGATE_HTTP_TOKEN.
type HTTPConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Token   string `json:"-"`
}

// Addr returns host:port.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// LoggingConfig selects the log level and handler.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // text, json, pretty
}

// parseDuration parses a Go duration, falling back to def when s is empty.
func parseDuration(field, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, s)
	}
	return d, nil
}

// Durations holds every parsed duration of the config.
type Durations struct {
	BrokerTTL          time.Duration
	BrokerReconnectMax time.Duration
	IdleTTL            time.Duration
	RetryInitial       time.Duration
	RetryMaxInterval   time.Duration
	RetryMaxElapsed    time.Duration
	DedupeTTL          time.Duration
	AppTimeouts        map[string]time.Duration
}

// ParseDurations parses all duration fields. Validate reports the same errors.
func (c *Config) ParseDurations() (Durations, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		d   = Durations{AppTimeouts: make(map[string]time.Duration, len(c.Apps))}
		err error
	)
	fields := []struct {
		name string
		val  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"broker.ttl", c.Broker.TTL, 0, &d.BrokerTTL},
		{"broker.reconnect_max", c.Broker.ReconnectMax, 30 * time.Second, &d.BrokerReconnectMax},
		{"sessions.idle_ttl", c.Sessions.IdleTTL, 0, &d.IdleTTL},
		{"retry.initial_interval", c.Retry.InitialInterval, 500 * time.Millisecond, &d.RetryInitial},
		{"retry.max_interval", c.Retry.MaxInterval, 10 * time.Second, &d.RetryMaxInterval},
		{"retry.max_elapsed", c.Retry.MaxElapsed, time.Minute, &d.RetryMaxElapsed},
		{"dedupe.ttl", c.Dedupe.TTL, 20 * time.Minute, &d.DedupeTTL},
	}
	for _, f := range fields {
		if *f.dst, err = parseDuration(f.name, f.val, f.def); err != nil {
			return Durations{}, err
		}
	}
	for _, app := range c.Apps {
		t, err := parseDuration("apps."+app.Key+".timeout", app.Timeout, 10*time.Second)
		if err != nil {
			return Durations{}, err
		}
		d.AppTimeouts[app.Key] = t
	}
	return d, nil
}
