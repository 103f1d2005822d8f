package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"wellness-orchestrator/internal/call"
	"wellness-orchestrator/internal/telephony"
)

// WebhookHandler receives provider status callbacks
type WebhookHandler struct {
	manager *call.Manager
	logger  *zap.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(manager *call.Manager, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{
		manager: manager,
		logger:  logger,
	}
}

// HandleStatus handles POST /api/v1/telephony/status.
// The provider retries on non-2xx, so only a malformed request is rejected;
// an unknown call id still gets a 200 to stop pointless redelivery.
func (h *WebhookHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	cb, err := telephony.ParseStatusCallback(r)
	if err != nil {
		h.logger.Warn("malformed status callback", zap.Error(err))
		respondWithError(w, http.StatusBadRequest, "malformed callback")
		return
	}

	if err := h.manager.HandleStatusCallback(r.Context(), cb); err != nil {
		if errors.Is(err, call.ErrCallNotFound) {
			h.logger.Warn("status callback for unknown call",
				zap.String("external_call_id", cb.CallSid),
				zap.String("status", cb.CallStatus),
			)
		} else {
			h.logger.Error("status callback processing failed",
				zap.Error(err),
				zap.String("external_call_id", cb.CallSid),
			)
		}
	}

	w.WriteHeader(http.StatusOK)
}
