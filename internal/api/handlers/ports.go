package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"wellness-orchestrator/internal/ports"
)

// PortsHandler exposes the media port pool introspection endpoints
type PortsHandler struct {
	pool   *ports.Manager
	logger *zap.Logger
}

// NewPortsHandler creates a new ports handler
func NewPortsHandler(pool *ports.Manager, logger *zap.Logger) *PortsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PortsHandler{
		pool:   pool,
		logger: logger,
	}
}

// HandleStats handles GET /api/v1/ports/stats
func (h *PortsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.pool.Stats())
}

// HandleReport handles GET /api/v1/ports/report
func (h *PortsHandler) HandleReport(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.pool.DetailedReport())
}
