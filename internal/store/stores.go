package store

import "fmt"

// Backend names accepted in sessions.backend.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// StoreConfig is the backend-neutral connection config passed to the
// backend constructors by the gateway command.
type StoreConfig struct {
	Backend     string
	RedisAddr   string
	RedisDB     int
	RedisPass   string
	KeyPrefix   string
	PostgresDSN string
	SQLitePath  string
}

// Unavailable wraps err with ErrUnavailable and the failing operation.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
