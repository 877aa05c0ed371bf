package api

import (
	"net/http"
	"time"
)

// handleHealth returns process health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"time":          time.Now().Format(time.RFC3339),
		"version":       Version,
		"active_actors": s.coord.ActiveActors(),
	})
}

// handleStats returns session, billing and relay counters.
// Restricted to localhost to prevent external access to operational metrics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if s.metrics == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.FullStats())
}
