package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/ussdgate/internal/apps"
	"github.com/nextlevelbuilder/ussdgate/internal/store"
)

// StatusSource reports which channels are running. *channels.Manager implements it.
type StatusSource interface {
	GetStatus() map[string]bool
}

// Server is the admin HTTP server: liveness, channel status and session inspection.
type Server struct {
	addr     string
	version  string
	status   StatusSource
	registry *apps.Registry
	sessions *SessionsHandler

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates an admin server listening on addr. token guards the
// session endpoints; an empty token leaves them open.
func NewServer(addr, token, version string, status StatusSource, registry *apps.Registry, sessionStore store.SessionStore) *Server {
	return &Server{
		addr:     addr,
		version:  version,
		status:   status,
		registry: registry,
		sessions: NewSessionsHandler(sessionStore, token),
	}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	s.sessions.RegisterRoutes(mux)

	s.mux = mux
	return mux
}

// Start listens until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin server: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("admin server starting", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

type appStatus struct {
	Key     string `json:"key"`
	Index   string `json:"index"`
	Trigger string `json:"trigger"`
	Title   string `json:"title"`
}

// handleStatus reports 503 when a registered channel is not running.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	channels := map[string]bool{}
	if s.status != nil {
		channels = s.status.GetStatus()
	}

	var registered []appStatus
	if s.registry != nil {
		for _, app := range s.registry.List() {
			registered = append(registered, appStatus{
				Key:     app.Key(),
				Index:   app.Index(),
				Trigger: app.Trigger(),
				Title:   app.Title(),
			})
		}
	}

	code, state := http.StatusOK, "ok"
	for _, running := range channels {
		if !running {
			code, state = http.StatusServiceUnavailable, "degraded"
			break
		}
	}
	writeJSON(w, code, map[string]interface{}{
		"status":   state,
		"version":  s.version,
		"channels": channels,
		"apps":     registered,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
