package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/cody/internal/domain"
	"github.com/ashureev/cody/internal/session"
)

const (
	defaultRecentCwds = 8
	maxRecentCwds     = 20
)

// SessionHandler serves read-only session queries.
type SessionHandler struct {
	store *session.Store
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(store *session.Store) *SessionHandler {
	return &SessionHandler{store: store}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.List)
		r.Get("/sessions/search", h.Search)
		r.Get("/sessions/{id}", h.History)
		r.Get("/recent-cwds", h.RecentCwds)
	})
}

// List returns every session, most recently updated first.
func (h *SessionHandler) List(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"sessions": h.store.List()})
}

// Search filters sessions by keyword, status, cwd and update time.
func (h *SessionHandler) Search(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSearchFilter(r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, err := h.store.Search(r.Context(), r.URL.Query().Get("q"), filter)
	if err != nil {
		slog.Error("Session search failed", "error", err)
		Error(w, http.StatusInternalServerError, "search failed")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// History returns a session with its messages.
func (h *SessionHandler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	history, err := h.store.History(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load history", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if history == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"session":  history.Session,
		"messages": history.Messages,
	})
}

// RecentCwds returns recently used working directories.
func (h *SessionHandler) RecentCwds(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentCwds
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentCwds)
	}

	cwds, err := h.store.RecentCwds(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to list recent cwds", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list recent directories")
		return
	}
	if cwds == nil {
		cwds = []string{}
	}
	JSON(w, http.StatusOK, map[string]any{"cwds": cwds})
}

func parseSearchFilter(r *http.Request) (domain.SearchFilter, error) {
	q := r.URL.Query()
	filter := domain.SearchFilter{Cwd: q.Get("cwd")}

	if raw := q.Get("status"); raw != "" {
		status := domain.Status(raw)
		if !status.Valid() {
			return filter, fmt.Errorf("unknown status %q", raw)
		}
		filter.Status = status
	}

	var err error
	if filter.UpdatedAfter, err = parseTime(q.Get("from")); err != nil {
		return filter, fmt.Errorf("invalid from: %w", err)
	}
	if filter.UpdatedBefore, err = parseTime(q.Get("to")); err != nil {
		return filter, fmt.Errorf("invalid to: %w", err)
	}
	if filter.Limit, err = parseCount(q.Get("limit")); err != nil {
		return filter, fmt.Errorf("invalid limit: %w", err)
	}
	if filter.Offset, err = parseCount(q.Get("offset")); err != nil {
		return filter, fmt.Errorf("invalid offset: %w", err)
	}
	return filter, nil
}

// parseTime accepts epoch milliseconds or RFC 3339.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseCount(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}
