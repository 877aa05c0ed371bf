package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/soulseer/sessiond/internal/config"
	"github.com/soulseer/sessiond/internal/lifecycle"
	"github.com/soulseer/sessiond/internal/money"
)

// =============================================================================
// REQUEST / RESPONSE TYPES
// =============================================================================

type requestSessionRequest struct {
	ClientID string `json:"client_id"`
	ReaderID string `json:"reader_id"`
	Kind     string `json:"kind"`
}

type respondRequest struct {
	SessionID string `json:"session_id"`
	Accept    *bool  `json:"accept"`
}

type sessionIDRequest struct {
	SessionID string `json:"session_id"`
}

type endRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// sessionResponse is the common result of session operations.
type sessionResponse struct {
	SessionID       string              `json:"session_id"`
	Status          lifecycle.Status    `json:"status"`
	Kind            lifecycle.Kind      `json:"kind"`
	ClientID        string              `json:"client_id"`
	ReaderID        string              `json:"reader_id"`
	RatePerMinute   money.Cents         `json:"rate_per_minute"`
	CreatedAt       time.Time           `json:"created_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	EndedAt         *time.Time          `json:"ended_at,omitempty"`
	DurationSeconds int64               `json:"duration_seconds"`
	AmountCharged   money.Cents         `json:"amount_charged"`
	EndReason       lifecycle.EndReason `json:"end_reason,omitempty"`
}

func toResponse(s *lifecycle.Session) sessionResponse {
	out := sessionResponse{
		SessionID:       s.ID,
		Status:          s.Status,
		Kind:            s.Kind,
		ClientID:        s.ClientID,
		ReaderID:        s.ReaderID,
		RatePerMinute:   s.RatePerMinute,
		CreatedAt:       s.CreatedAt,
		DurationSeconds: s.AccruedSeconds,
		AmountCharged:   s.AmountCharged,
		EndReason:       s.EndReason,
	}
	if !s.StartedAt.IsZero() {
		t := s.StartedAt
		out.StartedAt = &t
	}
	if !s.EndedAt.IsZero() {
		t := s.EndedAt
		out.EndedAt = &t
	}
	return out
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req requestSessionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	kind, err := lifecycle.ParseKind(req.Kind)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sess, err := s.coord.RequestSession(r.Context(), req.ClientID, req.ReaderID, kind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(sess))
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.SessionID == "" || req.Accept == nil {
		writeError(w, r, fmt.Errorf("%w: session_id and accept are required", errBadRequest))
		return
	}

	sess, err := s.coord.Respond(r.Context(), req.SessionID, *req.Accept)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sess))
}

func (s *Server) handleConfirmConnected(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionIDFromBody(w, r)
	if !ok {
		return
	}
	sess, err := s.coord.ConfirmConnected(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sess))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionIDFromBody(w, r)
	if !ok {
		return
	}
	sess, err := s.coord.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sess))
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, r, fmt.Errorf("%w: session_id is required", errBadRequest))
		return
	}
	reason := lifecycle.EndVoluntary
	if req.Reason != "" {
		reason = lifecycle.EndReason(req.Reason)
	}

	sess, err := s.coord.EndSession(r.Context(), req.SessionID, reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sess))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if id == "" {
		writeError(w, r, fmt.Errorf("%w: session_id is required", errBadRequest))
		return
	}
	view, err := s.coord.Status(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if id == "" {
		writeError(w, r, fmt.Errorf("%w: session_id is required", errBadRequest))
		return
	}
	log, err := s.sessions.Transitions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  id,
		"transitions": log,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		writeError(w, r, fmt.Errorf("%w: user_id is required", errBadRequest))
		return
	}
	limit := config.DefaultHistoryLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = min(n, config.MaxHistoryLimit)
	}

	list, err := s.sessions.ListByUser(r.Context(), userID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]sessionResponse, 0, len(list))
	for _, sess := range list {
		out = append(out, toResponse(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"sessions": out,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a bounded JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) sessionIDFromBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req sessionIDRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return "", false
	}
	if req.SessionID == "" {
		writeError(w, r, fmt.Errorf("%w: session_id is required", errBadRequest))
		return "", false
	}
	return req.SessionID, true
}
