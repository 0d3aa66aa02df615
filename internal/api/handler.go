// Package api provides HTTP handlers for the chat REST API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/parley/internal/broadcast"
	"github.com/ashureev/parley/internal/chat"
	"github.com/ashureev/parley/internal/domain"
	"github.com/ashureev/parley/internal/session"
	"github.com/ashureev/parley/internal/store"
	"github.com/go-chi/chi/v5"
)

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	chats    *chat.Service
	sessions *session.Manager
	reg      *broadcast.Registry
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, chats *chat.Service, sessions *session.Manager, reg *broadcast.Registry) *Handler {
	return &Handler{
		repo:     repo,
		chats:    chats,
		sessions: sessions,
		reg:      reg,
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

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNotParticipant):
		Error(w, http.StatusNotFound, "chat not found")
	case errors.Is(err, domain.ErrInvalidChat), errors.Is(err, domain.ErrInvalidMessage):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		Error(w, http.StatusServiceUnavailable, "storage timeout")
	default:
		slog.Error("Request failed", "path", r.URL.Path, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func chatIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
