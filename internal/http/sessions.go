package http

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/ussdgate/internal/sessions"
	"github.com/nextlevelbuilder/ussdgate/internal/store"
)

// SessionsHandler exposes chat session inspection and reset.
type SessionsHandler struct {
	store store.SessionStore
	token string
}

// NewSessionsHandler creates a handler for the session endpoints.
func NewSessionsHandler(s store.SessionStore, token string) *SessionsHandler {
	return &SessionsHandler{store: s, token: token}
}

// RegisterRoutes registers all session routes on the given mux.
func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/sessions/{chat}", h.auth(h.handleGet))
	mux.HandleFunc("DELETE /v1/sessions/{chat}", h.auth(h.handleReset))
}

func (h *SessionsHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			if subtle.ConstantTimeCompare([]byte(extractBearerToken(r)), []byte(h.token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

// chatKey accepts either a bare chat key or a full chat id ("254700000001@c.us").
func chatKey(r *http.Request) string {
	return sessions.ChatKey(r.PathValue("chat"))
}

func (h *SessionsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chatKey(r)
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat is required"})
		return
	}

	sess, err := h.store.Get(r.Context(), key)
	if err != nil {
		slog.Error("sessions.get", "chat_key", key, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "session store unavailable"})
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionsHandler) handleReset(w http.ResponseWriter, r *http.Request) {
	key := chatKey(r)
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat is required"})
		return
	}

	if err := h.store.Reset(r.Context(), key); err != nil {
		slog.Error("sessions.reset", "chat_key", key, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "session store unavailable"})
		return
	}

	slog.Info("session reset via admin api", "chat_key", key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
