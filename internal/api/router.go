package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/espnow-gateway/internal/bridges/espnow"
)

// healthCheckTimeout bounds the database probe in /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusNotFound, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", s.handleListNodes)
			r.Get("/{mac}", s.handleGetNode)
		})

		// Live tap of everything the bridge publishes.
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status        string `json:"status"`
	BrokerState   string `json:"broker_state"`
	GatewayID     string `json:"gateway_id"`
	BootID        string `json:"boot_id,omitempty"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Database      string `json:"database,omitempty"`
	Telemetry     string `json:"telemetry,omitempty"`
	Radio         string `json:"radio,omitempty"`
}

// handleHealth reports the gateway status.
//
// "ok" while the broker link is up. "degraded" while reconnecting, when a
// backend probe fails or while the radio port is closed. "unavailable" (503)
// once the reconnect budget is exhausted and a restart is pending.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.bridge.State()
	gw := s.bridge.Gateway()

	resp := HealthResponse{
		Status:        "ok",
		BrokerState:   state.String(),
		GatewayID:     gw.ID,
		BootID:        gw.BootID,
		Version:       s.version,
		UptimeSeconds: int64(s.bridge.Uptime() / time.Second),
	}

	if state != espnow.StateConnected {
		resp.Status = "degraded"
	}

	if s.db != nil {
		resp.Database = probe(r.Context(), s.db)
	}
	if s.telemetry != nil {
		resp.Telemetry = probe(r.Context(), s.telemetry)
	}
	if s.radio != nil {
		resp.Radio = "open"
		if !s.radio.IsConnected() {
			resp.Radio = "closed"
		}
	}
	if resp.Database == "error" || resp.Telemetry == "error" || resp.Radio == "closed" {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if state == espnow.StateFatal {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
