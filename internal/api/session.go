package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/science-tutor/internal/identity"
	"github.com/ashureev/science-tutor/internal/session"
	"github.com/go-chi/chi/v5"
)

// Tips are shown in the page sidebar.
var Tips = []string{
	"The assistant has **File Search** enabled, so it answers from the documents attached to it in the dashboard.",
	"To let it do math or plots, enable **Code Interpreter** on the dashboard.",
	"Custom **Functions** are not handled here. A run that asks for a tool call shows a notice and keeps waiting.",
}

// Sessions is the session service as used by the page routes.
type Sessions interface {
	State(ctx context.Context, userID, sessionID string) (*session.State, error)
	Reset(ctx context.Context, userID, sessionID string) error
	Busy(userID, sessionID string) bool
	AssistantID() string
}

// Renderer turns assistant markdown into HTML.
type Renderer interface {
	HTML(text string) string
}

// ResetListener is notified after a session has been reset.
type ResetListener func(userID, sessionID string)

// SessionHandler serves the non-streaming session endpoints.
type SessionHandler struct {
	*Handler
	sessions Sessions
	renderer Renderer
	onReset  ResetListener
}

// NewSessionHandler creates a session handler. onReset may be nil.
func NewSessionHandler(base *Handler, sessions Sessions, renderer Renderer, onReset ResetListener) *SessionHandler {
	return &SessionHandler{Handler: base, sessions: sessions, renderer: renderer, onReset: onReset}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Get("/history", h.GetHistory)
		r.Post("/reset", h.Reset)
	})
}

// GetMe returns the current user's information.
func (h *SessionHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	sessionTTL := 60 * time.Minute
	if h.cfg != nil {
		sessionTTL = h.cfg.Session.TTL
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":     user.UserID,
		"username":    user.Username,
		"session_id":  identity.SessionIDFromContext(r.Context()),
		"session_ttl": int64(sessionTTL.Seconds()),
	})
}

// GetConfig returns the sidebar data for the current session.
func (h *SessionHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	state, err := h.sessions.State(r.Context(), userID, sessionID)
	if err != nil {
		slog.Error("Failed to load session", "error", err, "user_id", userID, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	resp := map[string]interface{}{
		"assistant_id": h.sessions.AssistantID(),
		"thread_id":    state.Session.ThreadID,
		"tips":         Tips,
	}
	if h.cfg != nil {
		resp["poll_interval_ms"] = h.cfg.Poll.Interval.Milliseconds()
	}
	JSON(w, http.StatusOK, resp)
}

type historyEntry struct {
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	HTML      string    `json:"html"`
	CreatedAt time.Time `json:"created_at"`
}

// GetHistory returns the render buffer of the current session.
func (h *SessionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	state, err := h.sessions.State(r.Context(), userID, sessionID)
	if err != nil {
		slog.Error("Failed to load history", "error", err, "user_id", userID, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	entries := make([]historyEntry, 0, len(state.History))
	for _, m := range state.History {
		entries = append(entries, historyEntry{
			Seq:       m.Seq,
			Role:      m.Role,
			Content:   m.Content,
			HTML:      h.renderer.HTML(m.Content),
			CreatedAt: m.CreatedAt,
		})
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"thread_id": state.Session.ThreadID,
		"busy":      h.sessions.Busy(userID, sessionID),
		"messages":  entries,
	})
}

// Reset forgets the current session's thread and history.
func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	err := h.sessions.Reset(r.Context(), userID, sessionID)
	switch {
	case errors.Is(err, session.ErrExchangeInFlight):
		Error(w, http.StatusConflict, "exchange_in_flight")
		return
	case err != nil:
		slog.Error("Failed to reset session", "error", err, "user_id", userID, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to reset session")
		return
	}

	if h.onReset != nil {
		h.onReset(userID, sessionID)
	}
	JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
