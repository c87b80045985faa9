package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/espnow-gateway/internal/bridges/espnow"
)

// handleListNodes returns every node heard by the gateway, most recent first.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	if s.nodes == nil {
		writeError(w, r, http.StatusServiceUnavailable, "node registry is disabled")
		return
	}

	nodes, err := s.nodes.ListNodes(r.Context())
	if err != nil {
		s.logger.Error("listing nodes", "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to list nodes")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// handleGetNode returns one node by MAC ("AA:BB:CC:DD:EE:01" or dashed).
func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	if s.nodes == nil {
		writeError(w, r, http.StatusServiceUnavailable, "node registry is disabled")
		return
	}

	mac, err := espnow.ParseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	node, err := s.nodes.GetNode(r.Context(), mac)
	switch {
	case errors.Is(err, espnow.ErrNodeNotFound):
		writeError(w, r, http.StatusNotFound, "node not found")
	case err != nil:
		s.logger.Error("looking up node", "mac", mac.String(), "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to look up node")
	default:
		writeJSON(w, http.StatusOK, node)
	}
}
