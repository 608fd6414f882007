// Selah - devotional chat session engine server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/selahlabs/selah/internal/api"
	"github.com/selahlabs/selah/internal/assistant"
	"github.com/selahlabs/selah/internal/chat"
	"github.com/selahlabs/selah/internal/config"
	"github.com/selahlabs/selah/internal/engine"
	"github.com/selahlabs/selah/internal/identity"
	"github.com/selahlabs/selah/internal/middleware"
	"github.com/selahlabs/selah/internal/quota"
	"github.com/selahlabs/selah/internal/reward"
	"github.com/selahlabs/selah/internal/store"
	"github.com/selahlabs/selah/internal/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Quota backend: in-process by default, redis when instances share state.
	var backendOpts []quota.BackendOption
	if cfg.Quota.Backend == "redis" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Quota.RedisAddr,
			Password: cfg.Quota.RedisPassword,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			slog.Error("Redis health check failed", "addr", cfg.Quota.RedisAddr, "error", err)
			os.Exit(1)
		}
		backendOpts = append(backendOpts, quota.WithRedisClient(redisClient))
		slog.Info("Redis connected", "addr", cfg.Quota.RedisAddr)
	}
	quotaBackend, err := quota.NewBackend(quota.BackendType(cfg.Quota.Backend), backendOpts...)
	if err != nil {
		slog.Error("Failed to initialize quota backend", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := quotaBackend.Close(); closeErr != nil {
			slog.Error("Failed to close quota backend", "error", closeErr)
		}
	}()

	quotas, err := quota.NewManager(quotaBackend, repo, quota.ManagerConfig{
		DefaultLimit: cfg.Quota.FreeDailyLimit,
		ResetCron:    cfg.Quota.ResetCron,
		SyncInterval: cfg.Quota.SyncInterval,
	})
	if err != nil {
		slog.Error("Failed to initialize quota manager", "error", err)
		os.Exit(1)
	}

	rootCtx, stopRoot := context.WithCancel(context.Background())
	defer stopRoot()
	go quotas.Run(rootCtx)

	// Scheduled jobs: daily quota reset and idle chat-state cleanup.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Quota.ResetCron, func() {
		quotas.ResetDue(rootCtx)
	}); err != nil {
		slog.Error("Failed to schedule quota reset", "error", err)
		os.Exit(1)
	}
	if _, err := scheduler.AddFunc("@hourly", func() {
		removed, err := repo.CleanupExpiredSessions(rootCtx, cfg.SessionTTL)
		if err != nil {
			slog.Warn("Session cleanup failed", "error", err)
			return
		}
		if removed > 0 {
			slog.Info("Session cleanup complete", "sessions_removed", removed)
		}
	}); err != nil {
		slog.Error("Failed to schedule session cleanup", "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Core chat wiring.
	bus := chat.NewBus()
	chatStore := chat.NewStore(repo, bus)
	pipeline := chat.NewPipeline(chatStore)

	if cfg.Assistant.URL == "" {
		slog.Warn("ASSISTANT_URL not set; sends will fail at channel open")
	}
	assistantClient := assistant.NewClient(assistant.Config{
		URL:            cfg.Assistant.URL,
		APIKey:         cfg.Assistant.APIKey,
		RequestTimeout: cfg.Assistant.RequestTimeout,
	})
	consumer := stream.NewConsumer(assistantClient, pipeline, cfg.Stream.IdleTimeout)

	claimer := reward.NewClaimer(reward.Config{
		URL:         cfg.Reward.URL,
		HistorySize: cfg.Reward.HistorySize,
	}, quotas, repo)

	eng := engine.New(chatStore, pipeline, consumer, quotas, claimer, repo)

	// Initialize handlers.
	handler := api.NewHandler(eng, repo, cfg)
	defer handler.Close()
	healthHandler := api.NewHealthHandler(repo, cfg)

	// Router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	allowedOrigins := []string{"*"}
	if !cfg.IsDevelopment() {
		allowedOrigins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(allowedOrigins))

	r.Get("/api/health", healthHandler.HandleHealth)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		handler.RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdown
	slog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
	slog.Info("Server stopped")
}
