// Package api serves the sessiond HTTP and websocket surface.
//
// DESIGN: Handlers are thin. They decode the request, call the coordinator
// and encode the result; all session rules live in the coordinator. Errors
// are mapped from package sentinels to HTTP status codes in one place
// (errors.go).
//
// ROUTES:
//
//	POST /v1/session.request           create a pending session
//	POST /v1/session.respond           reader accepts or rejects
//	POST /v1/session.confirmConnected  start billing once both peers joined
//	POST /v1/session.cancel            withdraw before connecting
//	POST /v1/session.end               end and settle
//	GET  /v1/session.status            live status and cost
//	GET  /v1/session.transitions       audit log
//	GET  /v1/sessions                  history for one user
//	GET  /ws/signal                    signaling room
//	GET  /ws/presence                  per-user notifications
//	GET  /health
//	GET  /stats                        loopback only
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soulseer/sessiond/internal/config"
	"github.com/soulseer/sessiond/internal/coordinator"
	"github.com/soulseer/sessiond/internal/lifecycle"
	"github.com/soulseer/sessiond/internal/monitoring"
	"github.com/soulseer/sessiond/internal/signaling"
)

// Version is reported by /health.
var Version = "dev"

// Server is the HTTP front of the coordinator.
type Server struct {
	coord    *coordinator.Coordinator
	sessions *lifecycle.Manager
	metrics  *monitoring.MetricsCollector
	ws       signaling.WSOptions

	httpServer *http.Server
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, coord *coordinator.Coordinator, sessions *lifecycle.Manager, metrics *monitoring.MetricsCollector) *Server {
	s := &Server{
		coord:    coord,
		sessions: sessions,
		metrics:  metrics,
		ws: signaling.WSOptions{
			OriginPatterns: cfg.AllowedOrigins,
			ReadLimit:      config.MaxSignalFrameSize,
			WriteTimeout:   cfg.WriteTimeout,
		},
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.ReadTimeout + cfg.WriteTimeout,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/session.request", s.handleRequest)
	mux.HandleFunc("POST /v1/session.respond", s.handleRespond)
	mux.HandleFunc("POST /v1/session.confirmConnected", s.handleConfirmConnected)
	mux.HandleFunc("POST /v1/session.cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/session.end", s.handleEnd)
	mux.HandleFunc("GET /v1/session.status", s.handleStatus)
	mux.HandleFunc("GET /v1/session.transitions", s.handleTransitions)
	mux.HandleFunc("GET /v1/sessions", s.handleHistory)

	mux.Handle("GET /ws/signal", longLived(signaling.ServeSignal(s.coord, s.ws)))
	mux.Handle("GET /ws/presence", longLived(signaling.ServePresence(s.coord.Signaling(), s.ws)))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

// Start listens until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("api: listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	log.Info().Str("addr", l.Addr().String()).Msg("api: listening")
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// longLived clears the server's per-request deadlines so websocket
// connections outlive them. Frame writes carry their own timeout.
func longLived(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		_ = rc.SetReadDeadline(time.Time{})
		_ = rc.SetWriteDeadline(time.Time{})
		h.ServeHTTP(w, r)
	})
}

// isLoopback reports whether a request's remote address is local.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
