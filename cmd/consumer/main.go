package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/query-compat/internal/adapter/api"
	"github.com/V4T54L/query-compat/internal/adapter/metrics"
	"github.com/V4T54L/query-compat/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/query-compat/internal/adapter/repository/redis"
	"github.com/V4T54L/query-compat/internal/pkg/config"
	"github.com/V4T54L/query-compat/internal/pkg/logger"
	"github.com/V4T54L/query-compat/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	log.Info("starting consumer worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewPipelineMetrics(reg)

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	log.Info("connected to redis")

	// Connect to PostgreSQL
	db, err := postgres.Open(ctx, cfg.PostgresURL)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		log.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}
	log.Info("connected to postgres")

	// Create a unique consumer name for this instance
	consumerName, err := os.Hostname()
	if err != nil {
		log.Warn("could not get hostname for consumer name, using default", "error", err)
		consumerName = "consumer-default"
	}

	queue, err := redisrepo.NewStatementQueue(redisClient, log, redisrepo.QueueOptions{
		Stream:    cfg.QueueStream,
		DLQStream: cfg.QueueDLQStream,
		Group:     cfg.QueueGroup,
		Consumer:  consumerName,
		Block:     cfg.QueueBlock,
		ClaimIdle: cfg.QueueClaimIdle,
	}, nil, m)
	if err != nil {
		log.Error("failed to create statement queue", "error", err)
		os.Exit(1)
	}

	ingestUseCase := usecase.NewIngestStatementsUseCase(queue, postgres.NewLogStore(db, log), postgres.NewTaskStore(db, log), m, log, usecase.IngestOptions{
		BatchSize:     cfg.QueueBatchSize,
		MaxDeliveries: cfg.QueueMaxDeliveries,
		StoreTimeout:  cfg.StoreTimeout,
	})

	adminServer := &http.Server{
		Addr:    cfg.AdminServerAddr,
		Handler: api.NewAdminRouter(api.AdminDeps{Gatherer: reg}, log),
	}
	go func() {
		log.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin & metrics server failed", "error", err)
		}
	}()

	log.Info("consumer worker started, processing statements...", "group", cfg.QueueGroup, "consumer", consumerName)
	ingestUseCase.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Error("admin server shutdown failed", "error", err)
	}
	log.Info("consumer worker shut down gracefully")
}
