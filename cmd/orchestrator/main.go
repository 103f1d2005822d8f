package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"wellness-orchestrator/internal/airealtime"
	"wellness-orchestrator/internal/alerts"
	"wellness-orchestrator/internal/api"
	"wellness-orchestrator/internal/call"
	"wellness-orchestrator/internal/callstore"
	"wellness-orchestrator/internal/config"
	"wellness-orchestrator/internal/dedup"
	"wellness-orchestrator/internal/events"
	"wellness-orchestrator/internal/mediabridge"
	"wellness-orchestrator/internal/ports"
	"wellness-orchestrator/internal/redisclient"
	"wellness-orchestrator/internal/teardown"
	"wellness-orchestrator/internal/telephony"
)

func main() {
	// Create root context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := setupLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting Wellness Orchestrator",
		zap.String("version", cfg.AppVersion),
		zap.String("log_level", cfg.LogLevel),
	)

	// Create Redis client
	redisClient, err := redisclient.NewClient(cfg)
	if err != nil {
		logger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("Error closing Redis connection", zap.Error(err))
		}
	}()

	// Test Redis connection
	if err := redisClient.Ping(ctx); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	logger.Info("Connected to Redis")

	// Operational event bus
	bus := events.NewBus(256, logger)
	defer bus.Close()
	bus.Subscribe(func(evt events.Event) {
		logger.Warn("operational event",
			zap.String("type", string(evt.Type)),
			zap.String("call_id", evt.CallID),
			zap.Any("fields", evt.Fields),
		)
	})

	// Create components
	pool := ports.NewManager(cfg, bus, logger)
	store := callstore.New(redisClient, cfg.CallRecordTTL, logger)
	registry := airealtime.NewRegistry(cfg.AIRealtimeURL, logger)
	bridge := mediabridge.NewRTPBridge(pool, registry, logger)
	provider := telephony.NewTwilioProvider(cfg, store, logger)

	deduplicator := dedup.New(dedup.Options{
		DebounceWindow:   cfg.DebounceWindow,
		MaxAlertsPerHour: cfg.MaxAlertsPerHour,
		SimilarityCutoff: cfg.SimilarityCutoff,
		Retention:        cfg.AlertRetention,
		CleanupInterval:  cfg.CleanupInterval,
	}, logger)
	pipeline := alerts.NewPipeline(deduplicator, alerts.NewLogNotifier(logger), bus, logger)

	coordinator := teardown.NewCoordinator(registry, bridge, provider, pool, bus, logger)
	manager := call.NewManager(cfg, provider, pool, bridge, call.RegistryAI{Registry: registry}, store, pipeline, coordinator, logger)
	defer manager.Close()

	// Debug audio export is optional
	uploader, err := airealtime.NewDebugAudioUploader(ctx, cfg.DebugAudioBucket, cfg.AWSRegion, logger)
	if err != nil {
		logger.Warn("Debug audio export disabled", zap.Error(err))
	}

	// Start background loops
	go pool.RunHealthLoop(ctx)
	go deduplicator.RunCleanupLoop(ctx)

	// Create router and HTTP server
	router := api.NewRouter(manager, pool, registry, uploader, deduplicator, redisClient, logger)
	httpServer := &http.Server{
		Addr:    cfg.GetServerAddress(),
		Handler: router,
	}

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("address", cfg.GetServerAddress()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	logger.Info("Wellness Orchestrator started successfully",
		zap.String("address", cfg.GetServerAddress()),
		zap.Int("port_range_start", cfg.PortRangeStart),
		zap.Int("port_range_end", cfg.PortRangeEnd),
	)

	// Wait for shutdown signal
	<-quit
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// Cancel root context to stop background loops
	cancel()

	// Shutdown HTTP server
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		logger.Info("HTTP server shut down gracefully")
	}

	logger.Info("Wellness Orchestrator shutdown complete")
}

func setupLogger(cfg *config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)

	if cfg.LogFormat == "console" {
		config.Encoding = "console"
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	return config.Build()
}
