// Package main is the entry point for sandboxd, the mission control plane
// for coding-agent backends.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandboxd/sandboxd/internal/api"
	"github.com/sandboxd/sandboxd/internal/backend"
	"github.com/sandboxd/sandboxd/internal/common/config"
	"github.com/sandboxd/sandboxd/internal/common/logger"
	"github.com/sandboxd/sandboxd/internal/control"
	"github.com/sandboxd/sandboxd/internal/events/bus"
	"github.com/sandboxd/sandboxd/internal/mission/store"
	"github.com/sandboxd/sandboxd/internal/telemetry"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting sandboxd...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Tracing
	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	// 4. Event bus (NATS when configured, in-memory otherwise)
	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 5. Mission store
	missionStore, err := store.New(cfg.Store)
	if err != nil {
		log.Fatal("failed to initialize mission store", zap.Error(err))
	}
	defer func() { _ = missionStore.Close() }()
	log.Info("mission store initialized",
		zap.String("type", cfg.Store.Type),
		zap.Bool("persistent", missionStore.Persistent()))

	// 6. Backend registry
	registry := backend.NewRegistry()
	registry.Register("opencode", backend.NewOpenCodeBackend(
		envOr("SANDBOXD_OPENCODE_URL", "http://localhost:4096"),
		os.Getenv("SANDBOXD_OPENCODE_PASSWORD"),
		os.Getenv("SANDBOXD_OPENCODE_AGENT"),
		log))
	registry.Register("claudecode", backend.NewClaudeCodeBackend(os.Getenv("SANDBOXD_CLAUDE_BIN"), log))
	registry.Register("amp", backend.NewAmpBackend(os.Getenv("SANDBOXD_AMP_BIN"), log))
	log.Info("backends registered", zap.Strings("tags", registry.Tags()))

	// 7. Control actor
	workspaceRoot := filepath.Join(cfg.Store.BaseDir, "workspaces")
	controller := control.NewController(
		control.ConfigFromControl(cfg.Control, workspaceRoot),
		missionStore, eventBus, registry, log)

	// 8. Startup recovery runs before the HTTP surface opens.
	if err := control.RunStartupRecovery(ctx, missionStore, eventBus, control.RecoveryConfig{
		RTKEnabled:          cfg.Control.RTKEnabled,
		MaxParallelMissions: cfg.Control.MaxParallelMissions,
	}, log); err != nil {
		log.Fatal("startup recovery failed", zap.Error(err))
	}
	go control.StartStaleSweeper(ctx, missionStore, eventBus, cfg.Store.StaleHours, log)

	if err := controller.Start(ctx); err != nil {
		log.Fatal("failed to start control actor", zap.Error(err))
	}

	// 9. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handlers := api.NewHandlers(controller, missionStore, eventBus, log)
	handlers.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down sandboxd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	controller.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("sandboxd stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// corsMiddleware allows the dashboard to call from a different origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
