package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"wellness-orchestrator/internal/models"
	"wellness-orchestrator/internal/redisclient"
)

// HealthHandler handles health and readiness checks
type HealthHandler struct {
	redis   *redisclient.Client
	started time.Time
	logger  *zap.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(redis *redisclient.Client, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		redis:   redis,
		started: time.Now(),
		logger:  logger,
	}
}

// HandleHealth handles GET /api/v1/health (liveness probe).
// Returns 200 unconditionally: liveness must not depend on Redis,
// otherwise a Redis outage cascades into restarts that drop live calls.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, models.HealthResponse{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// HandleReady handles GET /api/v1/ready (readiness probe).
// The call store must be reachable before webhooks can be processed.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.redis.Ping(r.Context()); err != nil {
		h.logger.Error("readiness check failed: redis unavailable", zap.Error(err))
		respondWithError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
