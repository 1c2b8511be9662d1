package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Priya8975/ghost-bluesky-bridge/internal/api"
	"github.com/Priya8975/ghost-bluesky-bridge/internal/bluesky"
	"github.com/Priya8975/ghost-bluesky-bridge/internal/config"
	"github.com/Priya8975/ghost-bluesky-bridge/internal/engine"
	"github.com/Priya8975/ghost-bluesky-bridge/internal/metrics"
	"github.com/Priya8975/ghost-bluesky-bridge/internal/store"
	ws "github.com/Priya8975/ghost-bluesky-bridge/internal/websocket"
	"github.com/Priya8975/ghost-bluesky-bridge/migrations"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	startupTimeout = 30 * time.Second
	// A delivery can take three 30s attempts plus backoff and a re-auth.
	writeTimeout    = 3 * time.Minute
	shutdownTimeout = 2 * time.Minute
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	config.LoadEnv(logger)
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.NewCollector("bridge")

	// Delivery log (optional)
	var (
		recorder   engine.Recorder
		deliveries api.DeliveryLog
	)
	if cfg.DatabaseURL != "" {
		pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pgStore.Close()

		if err := pgStore.RunMigrations(ctx, migrations.FS); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("delivery log enabled", "backend", "postgres")
		recorder, deliveries = pgStore, pgStore
	}

	// Rate limiter and circuit breaker, shared through Redis when configured
	var (
		limiter engine.Limiter
		breaker engine.Breaker
	)
	if cfg.RedisURL != "" {
		redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		logger.Info("connected to Redis")

		limiter = engine.NewRateLimiter(redisStore.Client(), cfg.WebhookRateLimit, logger)
		if cfg.BreakerFailureThreshold > 0 {
			breaker = engine.NewCircuitBreaker(redisStore.Client(), cfg.BreakerFailureThreshold, cfg.BreakerCooldown, logger)
		}
	} else {
		limiter = engine.NewLocalLimiter(cfg.WebhookRateLimit)
		if cfg.BreakerFailureThreshold > 0 {
			breaker = engine.NewLocalBreaker(cfg.BreakerFailureThreshold, cfg.BreakerCooldown, logger)
		}
	}

	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	session := engine.NewSessionManager(bluesky.NewClient(cfg.BlueskyHost), engine.SessionConfig{
		Identifier: cfg.BlueskyIdentifier,
		Password:   cfg.BlueskyPassword,
		Breaker:    breaker,
		Metrics:    collector,
	}, logger)

	startupCtx, startupCancel := context.WithTimeout(ctx, startupTimeout)
	err = session.EnsureSession(startupCtx)
	startupCancel()
	if err != nil {
		logger.Error("failed to authenticate with bluesky", "error", err, "host", cfg.BlueskyHost)
		os.Exit(1)
	}
	logger.Info("authenticated with bluesky", "account", session.Status().AccountID)

	eventRouter, err := engine.NewEventRouter(engine.RouterConfig{
		BaseURL:       cfg.GhostURL,
		MaxPostLength: cfg.PostMaxLength,
		Recorder:      recorder,
		Notifier:      hub,
		Metrics:       collector,
	}, session, logger)
	if err != nil {
		logger.Error("invalid GHOST_API_URL", "error", err)
		os.Exit(1)
	}

	router := api.NewRouter(api.Dependencies{
		Version:    version,
		Webhook:    api.NewWebhookHandler(cfg.WebhookSecret, eventRouter, limiter, logger),
		Session:    session,
		Breaker:    breaker,
		Deliveries: deliveries,
		Hub:        hub,
		Metrics:    collector,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "version", version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()

	logger.Info("server stopped")
}
