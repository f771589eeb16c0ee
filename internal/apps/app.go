// Package apps holds the application registry: the USSD services a chat can
// select from the welcome menu, each reachable by trigger word or menu index.
package apps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Welcome is the pseudo-application that owns chats with no selection.
const Welcome = ""

// ErrGatewayUnavailable wraps transport failures and timeouts talking to a
// gateway. Callers treat it as retryable.
var ErrGatewayUnavailable = errors.New("ussd gateway unavailable")

// Request is one routed turn handed to an application.
type Request struct {
	ChatID    string
	Text      string // "start" begins a new gateway session
	SessionID int64
}

// Application is a registered service that owns the USSD conversation once
// a chat has selected it. It keeps no per-chat state; continuity comes from
// Request.SessionID.
type Application interface {
	// Key is the canonical, persisted identifier (e.g. "bridgecap").
	Key() string
	// Trigger is the word that selects the application from any state.
	Trigger() string
	// Index is the welcome-menu selector (e.g. "1").
	Index() string
	// Title is the welcome-menu label.
	Title() string
	// Handle returns the raw gateway reply. ok is false when the application
	// has nothing to say to this chat (e.g. group chats).
	Handle(ctx context.Context, req Request) (reply string, ok bool, err error)
}

// Registry is an ordered set of applications, looked up case-insensitively.
// Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	ordered   []Application
	byKey     map[string]Application
	byTrigger map[string]Application
	byIndex   map[string]Application
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:     make(map[string]Application),
		byTrigger: make(map[string]Application),
		byIndex:   make(map[string]Application),
	}
}

func fold(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Register adds app. Keys, triggers and indexes must be non-empty and unique.
func (r *Registry) Register(app Application) error {
	key, trigger, index := fold(app.Key()), fold(app.Trigger()), fold(app.Index())
	if key == Welcome || trigger == "" || index == "" {
		return fmt.Errorf("register app %q: key, trigger and index are required", app.Key())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byKey[key]; dup {
		return fmt.Errorf("register app %q: duplicate key", key)
	}
	if other, dup := r.byTrigger[trigger]; dup {
		return fmt.Errorf("register app %q: trigger %q already used by %q", key, trigger, other.Key())
	}
	if other, dup := r.byIndex[index]; dup {
		return fmt.Errorf("register app %q: menu index %q already used by %q", key, index, other.Key())
	}

	r.ordered = append(r.ordered, app)
	r.byKey[key] = app
	r.byTrigger[trigger] = app
	r.byIndex[index] = app
	return nil
}

// Lookup resolves a persisted app key. Unknown keys (including Welcome) miss.
func (r *Registry) Lookup(key string) (Application, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.byKey[fold(key)]
	return app, ok
}

// ByTrigger matches text exactly (case-insensitive) against trigger words.
func (r *Registry) ByTrigger(text string) (Application, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.byTrigger[fold(text)]
	return app, ok
}

// ByIndex matches text exactly against menu indexes.
func (r *Registry) ByIndex(text string) (Application, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.byIndex[fold(text)]
	return app, ok
}

// List returns applications in registration order.
func (r *Registry) List() []Application {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Application, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Menu renders the welcome menu:
//
//	Welcome back. Choose a service:
//
//	1. BridgeCap Insurance
func (r *Registry) Menu(header string) string {
	var sb strings.Builder
	sb.WriteString(header)
	for i, app := range r.List() {
		if i == 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "\n%s. %s", app.Index(), app.Title())
	}
	return sb.String()
}
