package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/soulseer/sessiond/internal/coordinator"
	"github.com/soulseer/sessiond/internal/ledger"
	"github.com/soulseer/sessiond/internal/lifecycle"
	"github.com/soulseer/sessiond/internal/profile"
	"github.com/soulseer/sessiond/internal/signaling"
	"github.com/soulseer/sessiond/internal/upstream"
)

// errBadRequest marks malformed request bodies and parameters.
var errBadRequest = errors.New("bad request")

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// errorStatus maps an error to an HTTP status and error type.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, lifecycle.ErrInvalidKind),
		errors.Is(err, lifecycle.ErrInvalidRate),
		errors.Is(err, lifecycle.ErrInvalidParty),
		errors.Is(err, coordinator.ErrInvalidEndReason),
		errors.Is(err, signaling.ErrInvalidRole):
		return http.StatusBadRequest, "invalid_request"

	case errors.Is(err, lifecycle.ErrSessionNotFound),
		errors.Is(err, profile.ErrUnknownReader),
		errors.Is(err, ledger.ErrUnknownAccount):
		return http.StatusNotFound, "not_found"

	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"

	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrAlreadyFinalized),
		errors.Is(err, lifecycle.ErrNotTerminal),
		errors.Is(err, coordinator.ErrPeersNotConnected):
		return http.StatusConflict, "conflict"

	case errors.Is(err, coordinator.ErrNotParty):
		return http.StatusForbidden, "forbidden"

	case errors.Is(err, upstream.ErrUnavailable):
		return http.StatusBadGateway, "upstream_unavailable"

	case errors.Is(err, coordinator.ErrShuttingDown):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeError writes a JSON error response for err.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := errorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("api: request failed")
	} else {
		log.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("api: request rejected")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]errorBody{
		"error": {Message: err.Error(), Type: kind, Code: status},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
