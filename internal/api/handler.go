// Package api provides the JSON endpoints of the tutor page.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/science-tutor/internal/config"
	"github.com/ashureev/science-tutor/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo store.Repository
	cfg  *config.Config
}

// NewHandler creates a new Handler with common dependencies. cfg may be nil.
func NewHandler(repo store.Repository, cfg *config.Config) *Handler {
	return &Handler{
		repo: repo,
		cfg:  cfg,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// isDevelopment returns true if running in development mode.
func (h *Handler) isDevelopment() bool {
	return h.cfg == nil || h.cfg.IsDevelopment()
}
