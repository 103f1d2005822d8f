package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"wellness-orchestrator/internal/call"
	"wellness-orchestrator/internal/models"
)

// CallsHandler handles the call lifecycle endpoints
type CallsHandler struct {
	manager *call.Manager
	logger  *zap.Logger
}

// NewCallsHandler creates a new calls handler
func NewCallsHandler(manager *call.Manager, logger *zap.Logger) *CallsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallsHandler{
		manager: manager,
		logger:  logger,
	}
}

// HandleInitiate handles POST /api/v1/calls
func (h *CallsHandler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.InitiateCallRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode initiate request", zap.Error(err))
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.manager.Initiate(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, call.ErrPatientRequired):
			respondWithError(w, http.StatusBadRequest, "patient_id is required")
		default:
			h.logger.Error("call initiation failed",
				zap.Error(err),
				zap.String("patient_id", req.PatientID),
			)
			respondWithError(w, http.StatusBadGateway, "call initiation failed")
		}
		return
	}

	respondWithJSON(w, http.StatusCreated, resp)
}

// HandleGet handles GET /api/v1/calls/{call_id}
func (h *CallsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callID := chi.URLParam(r, "call_id")

	status, err := h.manager.GetStatus(ctx, callID)
	if err != nil {
		if errors.Is(err, call.ErrCallNotFound) {
			respondWithError(w, http.StatusNotFound, "call not found")
			return
		}
		h.logger.Error("status lookup failed", zap.Error(err), zap.String("call_id", callID))
		respondWithError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}

	respondWithJSON(w, http.StatusOK, status)
}

// HandleEnd handles POST /api/v1/calls/{call_id}/end
func (h *CallsHandler) HandleEnd(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callID := chi.URLParam(r, "call_id")

	var req models.EndCallRequest
	if r.Body != nil {
		defer r.Body.Close()
		// Body is optional; a bare POST ends the call with the default reason.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	err := h.manager.EndCall(ctx, callID, req.Reason)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ended"})
	case errors.Is(err, call.ErrCallNotFound):
		respondWithError(w, http.StatusNotFound, "call not found")
	case errors.Is(err, call.ErrCallAlreadyEnded):
		respondWithError(w, http.StatusConflict, "call already ended")
	default:
		h.logger.Error("end call failed", zap.Error(err), zap.String("call_id", callID))
		respondWithError(w, http.StatusInternalServerError, "end call failed")
	}
}

// HandleActive handles GET /api/v1/calls/active
func (h *CallsHandler) HandleActive(w http.ResponseWriter, r *http.Request) {
	active := h.manager.ActiveCalls()
	views := make([]models.ActiveCallView, 0, len(active))
	for _, c := range active {
		views = append(views, c.ActiveView())
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(active),
		"calls": views,
	})
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("ERROR: failed to encode JSON response: %v", err)
	}
}

// respondWithError sends an error JSON response
func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}
