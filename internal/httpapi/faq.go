package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/faqflow/internal/faq"
	"github.com/ent0n29/faqflow/internal/memory"
	"github.com/ent0n29/faqflow/internal/pipeline"
	"github.com/ent0n29/faqflow/internal/policy"
)

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "query pipeline not configured")
		return
	}
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	env, err := s.queries.Handle(r.Context(), pipeline.Query{
		Text:      req.Query,
		SessionID: req.SessionID,
		UserID:    req.UserID,
	})
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, env)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := policy.ValidateSessionID(sessionID); err != nil {
		s.respondFailure(w, r, err)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	history, err := s.store.History(r.Context(), sessionID, limit)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	total, err := s.store.CountInteractions(r.Context(), sessionID)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, faq.HistoryView{
		SessionID:         sessionID,
		History:           history,
		TotalInteractions: total,
	})
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return memory.DefaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > memory.MaxHistoryLimit {
		return 0, fmt.Errorf("%w: limit must be between 1 and %d", faq.ErrValidation, memory.MaxHistoryLimit)
	}
	return n, nil
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := policy.ValidateSessionID(sessionID); err != nil {
		s.respondFailure(w, r, err)
		return
	}
	stats, err := s.store.SessionStats(r.Context(), sessionID)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	stats, err := s.store.UserStats(r.Context(), userID)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSetPreferences(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	var prefs map[string]any
	if err := decodeJSON(r, &prefs); err != nil {
		if errors.Is(err, errEmptyBody) {
			err = errors.New("preferences object is required")
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	updated, err := s.store.SetPreferences(r.Context(), userID, prefs)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func userIDParam(r *http.Request) (string, error) {
	id, err := policy.ValidateUserID(chi.URLParam(r, "id"))
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%w: user id is required", faq.ErrValidation)
	}
	return id, nil
}
