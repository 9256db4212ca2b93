package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/catalog", s.handleCatalog)
		r.Get("/queue", s.handleQueue)

		r.Get("/states/{key}", s.handleGetState)
		r.Put("/states/{key}", s.handleSetState)

		if s.audit != nil {
			r.Get("/audit", s.handleListAudit)
		}

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server and bridge health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.bridge.Snapshot().Stats
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"queue_depth":    stats.QueueDepth,
		"live_timers":    stats.LiveTimers,
		"devices":        stats.Devices,
		"groups":         stats.Groups,
		"ws_clients":     s.hub.ClientCount(),
	})
}
