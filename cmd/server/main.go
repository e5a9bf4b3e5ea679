package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"job-orchestrator/internal/api"
	"job-orchestrator/internal/config"
	"job-orchestrator/internal/handlers"
	"job-orchestrator/internal/notify"
	"job-orchestrator/internal/ratelimit"
	"job-orchestrator/internal/registry"
	"job-orchestrator/internal/scheduler"
	"job-orchestrator/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Env == "dev" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		logger.Error("run migrations", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	var notifier *notify.Notifier
	var limiter *ratelimit.TokenBucket
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// Redis only carries wake/cancel signals and rate limiting; the
		// orchestrator degrades to pure polling without it.
		logger.Warn("redis unavailable, running without signals or rate limiting", "error", err)
	} else {
		notifier = notify.New(redisClient)
		limiter = ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	reg := registry.New()
	reg.Register(handlers.NewSleepHandler())
	reg.Register(handlers.NewThumbnailHandler())
	artifactHandler, err := handlers.NewArtifactFetchHandler(ctx, cfg)
	if err != nil {
		logger.Error("init artifact handler", "error", err)
		os.Exit(1)
	}
	reg.Register(artifactHandler)

	sched := scheduler.New(cfg, st, reg, notifier, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Error("start scheduler", "error", err)
		os.Exit(1)
	}

	server := api.New(cfg, st, reg, notifier, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("http listening", "port", cfg.HTTPPort, "worker_id", sched.WorkerID())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http serve", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = sched.Stop(shutdownCtx)
}
