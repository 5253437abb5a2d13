package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"page-collab/internal/api"
	"page-collab/internal/auth"
	"page-collab/internal/backplane"
	"page-collab/internal/config"
	"page-collab/internal/db"
	"page-collab/internal/logger"
	"page-collab/internal/repository"
	"page-collab/internal/services"
	"page-collab/internal/services/collaboration"
	"page-collab/internal/telemetry"

	"go.uber.org/zap"
)

/*
STARTUP AND GRACEFUL SHUTDOWN

Startup order: config, logging, tracing, optional activity journal, optional
Redis backplane, collaboration core, HTTP server.

Shutdown runs in reverse: stop accepting HTTP, disconnect every socket (which
journals the final events), flush the journal, then close the stores.
*/

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("failed to load config: %v", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogLevel); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting page collaboration server", zap.String("addr", cfg.Addr()))

	jaegerShutdown, err := telemetry.InitJaeger("page-collab", cfg.JaegerEndpoint)
	if err != nil {
		logger.Warn("failed to initialize jaeger, continuing without tracing", zap.Error(err))
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			logger.Warn("failed to shutdown jaeger", zap.Error(err))
		}
	}()

	verifier, err := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTAlgorithm)
	if err != nil {
		logger.Error("failed to create token verifier", zap.Error(err))
		os.Exit(1)
	}

	sessionManager := collaboration.NewSessionManager(verifier, collaboration.Options{
		SendBufferSize: cfg.SendBufferSize,
		IdleTimeout:    cfg.IdleTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
		AuthRateLimit:  cfg.AuthRateLimit,
		AuthBurst:      cfg.AuthBurst,
	})

	// The API takes an interface, so it stays nil unless the journal is on.
	var activity api.ActivityService
	var activityService *services.ActivityService
	var database *db.GormDB
	if cfg.DBEnabled {
		database, err = db.NewGorm(cfg)
		if err != nil {
			logger.Error("failed to connect to database", zap.Error(err))
			os.Exit(1)
		}

		activityRepo := repository.NewActivityRepository(database.DB)
		activityService = services.NewActivityService(activityRepo, cfg.ActivityWorkers, cfg.ActivityQueueSize)
		activityService.Start()

		sessionManager.SetActivityRecorder(activityService)
		activity = activityService
	}

	var redisBackplane *backplane.Redis
	if cfg.RedisURL != "" {
		redisBackplane, err = backplane.NewRedis(context.Background(), cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			logger.Error("failed to connect to redis", zap.Error(err))
			os.Exit(1)
		}
		sessionManager.SetBackplane(redisBackplane)
	}

	sessionManager.Start()

	wsHandler := collaboration.NewWebSocketHandler(sessionManager, cfg.AllowedOrigins)
	handler := api.NewHandler(sessionManager, activity, wsHandler)
	router := api.SetupRoutes(handler)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.Addr()),
			zap.String("websocket", "/ws"),
			zap.Bool("activity_journal", cfg.DBEnabled),
			zap.Bool("backplane", redisBackplane != nil),
		)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}

	// Hijacked WebSocket connections are not covered by server.Shutdown.
	sessionManager.Shutdown()

	if activityService != nil {
		activityService.Shutdown()
	}
	if database != nil {
		if err := database.Close(); err != nil {
			logger.Warn("failed to close database", zap.Error(err))
		}
	}
	if redisBackplane != nil {
		if err := redisBackplane.Close(); err != nil {
			logger.Warn("failed to close redis", zap.Error(err))
		}
	}

	logger.Info("server shutdown complete")
}
