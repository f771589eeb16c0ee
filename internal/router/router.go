// Package router is the per-chat USSD session state machine. For each inbound
// message it decides which application owns the chat, applies the global
// commands, maintains the external session id and delegates to the
// application. All state lives in the session store; a Router is safe for
// concurrent use across goroutines and processes.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/ussdgate/internal/apps"
	"github.com/nextlevelbuilder/ussdgate/internal/bus"
	"github.com/nextlevelbuilder/ussdgate/internal/sessions"
	"github.com/nextlevelbuilder/ussdgate/internal/store"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/ussdgate/internal/router")

// Options tunes the router. Zero values take the defaults.
type Options struct {
	// Seed is the first session id of a chat (default store.DefaultSessionSeed).
	Seed int64
	// ResetCommand returns any chat to the welcome menu (default "join bot").
	ResetCommand string
	// WelcomeHeader heads the rendered menu.
	WelcomeHeader string
	// MarkerLen is the length of the USSD marker stripped from replies (default 4).
	MarkerLen int
}

// Outcome records which transition a dispatch took.
type Outcome string

const (
	OutcomeReset     Outcome = "reset"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeStarted   Outcome = "started"
	OutcomeContinued Outcome = "continued"
	OutcomeSilent    Outcome = "silent"
)

// Reply is the result of one dispatch. When OK is false nothing is sent.
type Reply struct {
	Text      string
	OK        bool
	App       string
	SessionID int64
	Outcome   Outcome
}

// Router routes chat messages to applications.
type Router struct {
	sessions store.SessionStore
	registry *apps.Registry
	opts     Options
}

// New creates a Router over an injected session store and registry.
func New(sessionStore store.SessionStore, registry *apps.Registry, opts Options) *Router {
	if opts.Seed == 0 {
		opts.Seed = store.DefaultSessionSeed
	}
	if opts.ResetCommand == "" {
		opts.ResetCommand = defaultResetCommand
	}
	if opts.WelcomeHeader == "" {
		opts.WelcomeHeader = defaultWelcomeHeader
	}
	if opts.MarkerLen == 0 {
		opts.MarkerLen = defaultMarkerLen
	}
	opts.ResetCommand = normalizeCommand(opts.ResetCommand)
	return &Router{sessions: sessionStore, registry: registry, opts: opts}
}

// Welcome returns the welcome menu text.
func (r *Router) Welcome() string {
	return r.registry.Menu(r.opts.WelcomeHeader)
}

// Dispatch runs one message through the state machine. Errors are store
// failures or retryable application failures; unrecognised input is never
// an error and yields the welcome menu.
func (r *Router) Dispatch(ctx context.Context, msg bus.InboundMessage) (reply Reply, err error) {
	chatKey := sessions.ChatKey(msg.ChatID)
	cmd := normalizeCommand(msg.Body)

	ctx, span := tracer.Start(ctx, "router.dispatch", trace.WithAttributes(
		attribute.String("chat.key", chatKey),
		attribute.String("message.id", msg.ID),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("router.outcome", string(reply.Outcome)),
			attribute.String("router.app", reply.App),
			attribute.Int64("router.session_id", reply.SessionID),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dispatch failed")
		}
		span.End()
	}()

	// An explicit trigger word selects its application from any state.
	selected, justSelected := r.registry.ByTrigger(cmd)
	if justSelected {
		if err := r.sessions.SetApp(ctx, chatKey, selected.Key()); err != nil {
			return Reply{}, fmt.Errorf("select app %s: %w", selected.Key(), err)
		}
	}

	active, err := r.activeApp(ctx, chatKey, selected)
	if err != nil {
		return Reply{}, err
	}

	if cmd == r.opts.ResetCommand {
		if err := r.sessions.SetApp(ctx, chatKey, apps.Welcome); err != nil {
			return Reply{}, fmt.Errorf("reset chat: %w", err)
		}
		slog.Info("router: chat reset to welcome", "chat", chatKey)
		return Reply{Text: r.Welcome(), OK: true, Outcome: OutcomeReset}, nil
	}

	if active == nil {
		app, ok := r.registry.ByIndex(cmd)
		if !ok {
			slog.Debug("router: unrecognised input in welcome state", "chat", chatKey)
			return Reply{Text: r.Welcome(), OK: true, Outcome: OutcomeInvalid}, nil
		}
		if err := r.sessions.SetApp(ctx, chatKey, app.Key()); err != nil {
			return Reply{}, fmt.Errorf("select app %s: %w", app.Key(), err)
		}
		active, justSelected = app, true
	}

	return r.delegate(ctx, msg, chatKey, active, justSelected || isStartCommand(cmd))
}

// activeApp resolves the chat's current application; nil means welcome.
// Persisted keys that are no longer registered fall back to welcome.
func (r *Router) activeApp(ctx context.Context, chatKey string, selected apps.Application) (apps.Application, error) {
	if selected != nil {
		return selected, nil
	}
	key, err := r.sessions.GetApp(ctx, chatKey)
	if err != nil {
		return nil, fmt.Errorf("load active app: %w", err)
	}
	if key == apps.Welcome {
		return nil, nil
	}
	app, ok := r.registry.Lookup(key)
	if !ok {
		slog.Warn("router: unknown app in session, treating as welcome", "chat", chatKey, "app", key)
		return nil, nil
	}
	return app, nil
}

// delegate hands the turn to app. A start turn seeds the session id if
// needed and increments it before the call; a failed call still consumes
// that id.
func (r *Router) delegate(ctx context.Context, msg bus.InboundMessage, chatKey string, app apps.Application, start bool) (Reply, error) {
	var (
		sessionID int64
		text      = msg.Body
		outcome   = OutcomeContinued
		err       error
	)
	if start {
		text, outcome = apps.StartCommand, OutcomeStarted
		if err := r.sessions.InitSessionID(ctx, chatKey, r.opts.Seed); err != nil {
			return Reply{}, fmt.Errorf("init session id: %w", err)
		}
		if sessionID, err = r.sessions.IncrementSessionID(ctx, chatKey); err != nil {
			return Reply{}, fmt.Errorf("increment session id: %w", err)
		}
	} else {
		if sessionID, err = r.continuedSessionID(ctx, chatKey); err != nil {
			return Reply{}, err
		}
	}

	slog.Info("router: delegating",
		"chat", chatKey,
		"app", app.Key(),
		"session_id", sessionID,
		"outcome", outcome,
	)

	raw, ok, err := app.Handle(ctx, apps.Request{ChatID: msg.ChatID, Text: text, SessionID: sessionID})
	if err != nil {
		return Reply{}, fmt.Errorf("app %s: %w", app.Key(), err)
	}
	if !ok {
		return Reply{App: app.Key(), SessionID: sessionID, Outcome: OutcomeSilent}, nil
	}

	_, visible := SplitMarker(raw, r.opts.MarkerLen)
	return Reply{Text: visible, OK: true, App: app.Key(), SessionID: sessionID, Outcome: outcome}, nil
}

// continuedSessionID reads the id without changing it, seeding it when a
// chat reached an application without ever starting (e.g. an older store).
func (r *Router) continuedSessionID(ctx context.Context, chatKey string) (int64, error) {
	id, ok, err := r.sessions.GetSessionID(ctx, chatKey)
	if err != nil {
		return 0, fmt.Errorf("load session id: %w", err)
	}
	if ok {
		return id, nil
	}
	if err := r.sessions.InitSessionID(ctx, chatKey, r.opts.Seed); err != nil {
		return 0, fmt.Errorf("init session id: %w", err)
	}
	id, _, err = r.sessions.GetSessionID(ctx, chatKey)
	if err != nil {
		return 0, fmt.Errorf("load session id: %w", err)
	}
	return id, nil
}
