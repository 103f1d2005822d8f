package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"wellness-orchestrator/internal/dedup"
	"wellness-orchestrator/internal/models"
)

// AlertsHandler serves the per-patient alert audit trail
type AlertsHandler struct {
	dedup  *dedup.Deduplicator
	logger *zap.Logger
}

// NewAlertsHandler creates a new alerts handler
func NewAlertsHandler(d *dedup.Deduplicator, logger *zap.Logger) *AlertsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertsHandler{
		dedup:  d,
		logger: logger,
	}
}

// HandleRecent handles GET /api/v1/patients/{patient_id}/alerts?hours=N
func (h *AlertsHandler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patient_id")

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 24 {
			respondWithError(w, http.StatusBadRequest, "hours must be between 1 and 24")
			return
		}
		hours = parsed
	}

	records := h.dedup.GetRecentAlerts(patientID, hours)
	views := make([]models.AlertView, 0, len(records))
	for _, rec := range records {
		views = append(views, models.AlertView{
			ID:        rec.ID,
			PatientID: rec.PatientID,
			Category:  string(rec.Category),
			Severity:  string(rec.Severity),
			Text:      rec.Text,
			Timestamp: rec.Timestamp,
		})
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"patient_id": patientID,
		"hours":      hours,
		"count":      len(views),
		"alerts":     views,
	})
}
