package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/espnow-gateway/internal/bridges/espnow"
	"github.com/nerrad567/espnow-gateway/internal/infrastructure/influxdb"
)

// StatsResponse is returned by GET /api/v1/stats.
type StatsResponse struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Bridge        espnow.Stats    `json:"bridge"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	WebSocket     WSMetrics       `json:"websocket"`
	Nodes         *NodeMetrics    `json:"nodes,omitempty"`
	Telemetry     *influxdb.Stats `json:"telemetry,omitempty"`
	Radio         *RadioMetrics   `json:"radio,omitempty"`
}

// RadioMetrics contains serial receiver link counters.
type RadioMetrics struct {
	Open      bool   `json:"open"`
	Frames    uint64 `json:"frames"`
	BadFrames uint64 `json:"bad_frames"`
	Opens     uint64 `json:"opens"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	Dropped          uint64 `json:"dropped"`
}

// NodeMetrics contains node registry statistics.
type NodeMetrics struct {
	Known int `json:"known"`
}

// handleStats returns the bridge counters with runtime and hub metrics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := StatsResponse{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Bridge:        s.bridge.Stats(),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			Dropped:          s.hub.Dropped(),
		},
	}

	if s.telemetry != nil {
		ts := s.telemetry.Stats()
		resp.Telemetry = &ts
	}

	if s.radio != nil {
		resp.Radio = &RadioMetrics{
			Open:      s.radio.IsConnected(),
			Frames:    s.radio.Frames(),
			BadFrames: s.radio.BadFrames(),
			Opens:     s.radio.Opens(),
		}
	}

	if s.nodes != nil {
		if count, err := s.nodes.NodeCount(r.Context()); err == nil {
			resp.Nodes = &NodeMetrics{Known: count}
		} else {
			s.logger.Warn("counting nodes for stats", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
