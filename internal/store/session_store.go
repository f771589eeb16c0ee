package store

import (
	"context"
	"errors"
	"time"
)

// DefaultSessionSeed is the first external session id handed to a chat's
// gateway; the first start event increments it to 100000002.
const DefaultSessionSeed int64 = 100000001

// ErrUnavailable wraps backend failures (connection refused, timeouts, driver
// errors). Callers treat it as retryable.
var ErrUnavailable = errors.New("session store unavailable")

// ChatSession holds the routing state for one chat.
type ChatSession struct {
	ChatKey   string    `json:"chatKey"`
	App       string    `json:"app"`                 // "" = welcome menu
	SessionID *int64    `json:"sessionId,omitempty"` // nil until first start
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

// SessionStore is a durable key-value mapping from chat key to ChatSession.
// Every method is atomic for its key; there are no cross-key guarantees.
type SessionStore interface {
	// GetApp returns the active application key, or "" when unset.
	GetApp(ctx context.Context, chatKey string) (string, error)
	SetApp(ctx context.Context, chatKey, app string) error

	// GetSessionID returns the external session id and whether one is set.
	GetSessionID(ctx context.Context, chatKey string) (int64, bool, error)
	// InitSessionID sets the session id to seed only if none is set.
	InitSessionID(ctx context.Context, chatKey string, seed int64) error
	// IncrementSessionID adds 1 to the session id and returns the new value.
	// An unset id is treated as 0.
	IncrementSessionID(ctx context.Context, chatKey string) (int64, error)

	// Get returns the full session, or nil when the chat is unknown.
	Get(ctx context.Context, chatKey string) (*ChatSession, error)
	// Reset returns the chat to the welcome menu. The session id is kept so
	// the chat never hands a used id to a gateway again; a chat that never
	// started a session is removed outright.
	Reset(ctx context.Context, chatKey string) error
	// PurgeIdle resets every chat not updated since before, with the same
	// session id rule as Reset, and returns how many chats changed.
	PurgeIdle(ctx context.Context, before time.Time) (int, error)

	Close() error
}
