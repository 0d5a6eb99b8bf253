// Package api provides the HTTP observation surface for the coordinator.
package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/avelsh/specdec/internal/session"
	"github.com/avelsh/specdec/internal/store"
)

// Handler serves health and introspection endpoints.
type Handler struct {
	repo     store.Repository
	sessions *session.Store
}

// NewHandler creates a new Handler.
func NewHandler(repo store.Repository, sessions *session.Store) *Handler {
	return &Handler{repo: repo, sessions: sessions}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
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

// RegisterRoutes mounts the handler's endpoints on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/api/sessions", h.ListSessions)
	r.Get("/api/generations", h.ListGenerations)
	r.Get("/api/generations/{sessionID}", h.GetGeneration)
}

// Health reports process and database health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":          "ok",
		"active_sessions": h.sessions.Len(),
	}
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["db_error"] = err.Error()
			JSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	JSON(w, http.StatusOK, status)
}

// ListSessions returns a snapshot of active sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"sessions": h.sessions.Snapshot()})
}

// ListGenerations returns recently finished generations.
func (h *Handler) ListGenerations(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		Error(w, http.StatusNotImplemented, "persistence disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	gens, err := h.repo.ListRecent(r.Context(), limit)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{"generations": gens})
}

// GetGeneration returns the most recent generation for one session.
func (h *Handler) GetGeneration(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		Error(w, http.StatusNotImplemented, "persistence disabled")
		return
	}

	sessionID, err := strconv.ParseUint(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	gen, err := h.repo.GetGeneration(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if gen == nil {
		Error(w, http.StatusNotFound, "generation not found")
		return
	}
	JSON(w, http.StatusOK, gen)
}
