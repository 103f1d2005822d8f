package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"wellness-orchestrator/internal/airealtime"
)

// AIHandler exposes operator controls over live AI realtime connections
type AIHandler struct {
	registry *airealtime.Registry
	uploader *airealtime.DebugAudioUploader
	logger   *zap.Logger
}

// NewAIHandler creates a new AI control handler. The uploader may be nil
// when no debug audio bucket is configured.
func NewAIHandler(registry *airealtime.Registry, uploader *airealtime.DebugAudioUploader, logger *zap.Logger) *AIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AIHandler{
		registry: registry,
		uploader: uploader,
		logger:   logger,
	}
}

// HandleStatus handles GET /api/v1/ai/{key}/status.
// The key may be a conversation id, provider call id or channel id.
func (h *AIHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	status := h.registry.ConnectionStatus(key)
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"key":      key,
		"status":   string(status),
		"speaking": h.registry.Speaking(key),
	})
}

// HandleCancelResponse handles POST /api/v1/ai/{key}/cancel
func (h *AIHandler) HandleCancelResponse(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := h.registry.CancelResponse(r.Context(), key); err != nil {
		respondWithError(w, http.StatusNotFound, "no connection for key")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// HandleForceRecovery handles POST /api/v1/ai/{key}/recover
func (h *AIHandler) HandleForceRecovery(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		defer r.Body.Close()
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "operator"
	}

	if !h.registry.ForceRecovery(r.Context(), key, req.Reason) {
		respondWithError(w, http.StatusNotFound, "no connection for key")
		return
	}
	h.logger.Info("forced recovery", zap.String("key", key), zap.String("reason", req.Reason))
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "recovering"})
}

// HandleSilentResponse handles POST /api/v1/ai/{key}/silence
func (h *AIHandler) HandleSilentResponse(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if !h.registry.ForceSilentResponse(r.Context(), key) {
		respondWithError(w, http.StatusNotFound, "no connection for key")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "silenced"})
}

// HandleDebugAudioExport handles POST /api/v1/ai/{key}/debug-audio.
// Exports the connection's rolling audio snapshot to object storage for
// offline inspection of garbled calls.
func (h *AIHandler) HandleDebugAudioExport(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if h.uploader == nil {
		respondWithError(w, http.StatusNotImplemented, "debug audio export not configured")
		return
	}

	conn, ok := h.registry.Lookup(key)
	if !ok {
		respondWithError(w, http.StatusNotFound, "no connection for key")
		return
	}

	snapshot := conn.AudioSnapshot()
	if len(snapshot) == 0 {
		respondWithError(w, http.StatusNotFound, "no audio buffered for connection")
		return
	}

	keys, err := h.uploader.Upload(r.Context(), conn.ConversationID, snapshot)
	if err != nil {
		h.logger.Error("debug audio export failed",
			zap.String("conversation_id", conn.ConversationID),
			zap.Error(err),
		)
		respondWithError(w, http.StatusInternalServerError, "export failed")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"uploaded": len(keys),
		"objects":  keys,
	})
}
