package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"wellness-orchestrator/internal/airealtime"
	"wellness-orchestrator/internal/api/handlers"
	"wellness-orchestrator/internal/api/middleware"
	"wellness-orchestrator/internal/call"
	"wellness-orchestrator/internal/dedup"
	"wellness-orchestrator/internal/ports"
	"wellness-orchestrator/internal/redisclient"
)

// NewRouter creates a new Chi router with all routes and middleware configured
func NewRouter(
	manager *call.Manager,
	pool *ports.Manager,
	registry *airealtime.Registry,
	uploader *airealtime.DebugAudioUploader,
	deduplicator *dedup.Deduplicator,
	redis *redisclient.Client,
	logger *zap.Logger,
) chi.Router {
	r := chi.NewRouter()

	// Apply middleware stack
	r.Use(middleware.Recovery(logger))
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// Initialize handlers
	callsHandler := handlers.NewCallsHandler(manager, logger)
	webhookHandler := handlers.NewWebhookHandler(manager, logger)
	aiHandler := handlers.NewAIHandler(registry, uploader, logger)
	portsHandler := handlers.NewPortsHandler(pool, logger)
	alertsHandler := handlers.NewAlertsHandler(deduplicator, logger)
	healthHandler := handlers.NewHealthHandler(redis, logger)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Call lifecycle endpoints
		r.Post("/calls", callsHandler.HandleInitiate)
		r.Get("/calls/active", callsHandler.HandleActive)
		r.Get("/calls/{call_id}", callsHandler.HandleGet)
		r.Post("/calls/{call_id}/end", callsHandler.HandleEnd)

		// Provider status webhook
		r.Post("/telephony/status", webhookHandler.HandleStatus)

		// AI realtime operator controls
		r.Get("/ai/{key}/status", aiHandler.HandleStatus)
		r.Post("/ai/{key}/cancel", aiHandler.HandleCancelResponse)
		r.Post("/ai/{key}/recover", aiHandler.HandleForceRecovery)
		r.Post("/ai/{key}/silence", aiHandler.HandleSilentResponse)
		r.Post("/ai/{key}/debug-audio", aiHandler.HandleDebugAudioExport)

		// Port pool introspection
		r.Get("/ports/stats", portsHandler.HandleStats)
		r.Get("/ports/report", portsHandler.HandleReport)

		// Alert audit trail
		r.Get("/patients/{patient_id}/alerts", alertsHandler.HandleRecent)

		// Health and readiness endpoints
		r.Get("/health", healthHandler.HandleHealth)
		r.Get("/ready", healthHandler.HandleReady)

		// Metrics endpoint
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	})

	return r
}
