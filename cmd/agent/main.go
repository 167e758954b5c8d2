package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/V4T54L/query-compat/internal/adapter/api"
	"github.com/V4T54L/query-compat/internal/adapter/capture"
	"github.com/V4T54L/query-compat/internal/adapter/metrics"
	"github.com/V4T54L/query-compat/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/query-compat/internal/adapter/repository/redis"
	"github.com/V4T54L/query-compat/internal/adapter/repository/wal"
	"github.com/V4T54L/query-compat/internal/adapter/sqlnorm"
	"github.com/V4T54L/query-compat/internal/pkg/config"
	"github.com/V4T54L/query-compat/internal/pkg/logger"
	"github.com/V4T54L/query-compat/internal/usecase"
)

const healthCheckInterval = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewPipelineMetrics(reg)

	// --- Database and Redis Connections ---
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
	tasks := postgres.NewTaskStore(db, log)

	taskID := cfg.TaskID
	if taskID == "" {
		task, err := tasks.ActiveTask(ctx)
		if err != nil {
			log.Error("no task id configured and no active task found", "error", err)
			os.Exit(1)
		}
		taskID = task.TaskID
	}
	log = log.With("task_id", taskID)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("could not connect to redis, will proceed in WAL-only mode", "error", err)
	}

	// --- Initialize Repositories ---
	walRepo, err := wal.NewWALRepository(cfg.WALPath, cfg.WALSegmentSize, cfg.WALMaxDiskSize, log)
	if err != nil {
		log.Error("failed to initialize WAL repository", "error", err)
		os.Exit(1)
	}
	defer walRepo.Close()

	queue, err := redisrepo.NewStatementQueue(redisClient, log, redisrepo.QueueOptions{
		Stream:    cfg.QueueStream,
		DLQStream: cfg.QueueDLQStream,
		Group:     cfg.QueueGroup,
		Block:     cfg.QueueBlock,
		ClaimIdle: cfg.QueueClaimIdle,
	}, walRepo, m)
	if err != nil {
		log.Error("failed to initialize statement queue", "error", err)
		os.Exit(1)
	}
	apiKeyRepo := postgres.NewAPIKeyRepository(db, log, cfg.APIKeyCacheTTL, m)

	// --- Initialize Use Cases ---
	normalizer := sqlnorm.NewNormalizer(sqlnorm.PreparedPolicy(cfg.PreparedPolicy), sqlnorm.NewSessionStore(cfg.SessionCacheSize, cfg.SessionTTL))
	captureUseCase := usecase.NewCaptureQueriesUseCase(normalizer, queue, m, log, usecase.CaptureOptions{
		Workers:        cfg.NormalizerWorkers,
		Buffer:         cfg.NormalizerBuffer,
		PublishTimeout: cfg.StoreTimeout,
		DrainTimeout:   cfg.CaptureDrain,
	})
	adminUseCase := usecase.NewAdminStreamUseCase(redisrepo.NewAdminRepository(redisClient, log), cfg.QueueStream, cfg.QueueGroup)

	// --- Servers ---
	adminServer := &http.Server{
		Addr:    cfg.AdminServerAddr,
		Handler: api.NewAdminRouter(api.AdminDeps{Streams: adminUseCase, Gatherer: reg}, log),
	}
	captureServer := &http.Server{
		Addr:         cfg.CaptureServerAddr,
		Handler:      api.NewCaptureRouter(log, apiKeyRepo, captureUseCase, cfg.MaxUploadBytes, taskID),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		queue.StartHealthCheck(gctx, healthCheckInterval)
		return nil
	})
	g.Go(func() error { return captureUseCase.Run(gctx) })
	g.Go(func() error { return serve(gctx, adminServer, log.With("server", "admin")) })
	g.Go(func() error { return serve(gctx, captureServer, log.With("server", "capture")) })
	g.Go(func() error {
		err := readFeed(gctx, cfg.FeedCommand, taskID, captureUseCase, log)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		// Servers keep accepting uploads after the local feed ends.
		return nil
	})

	log.Info("capture agent started", "policy", cfg.PreparedPolicy, "workers", cfg.NormalizerWorkers)
	if err := g.Wait(); err != nil {
		log.Error("capture agent stopped with error", "error", err)
	}
	captureUseCase.Close()

	stats := captureUseCase.Stats()
	log.Info("capture agent shut down",
		"received", stats.Received,
		"published", stats.Published,
		"malformed", stats.Malformed,
		"unmatched_execute", stats.Unmatched,
		"publish_errors", stats.PublishErrors,
		"abandoned", stats.Abandoned,
	)
}

// readFeed streams tuples from the capture command, or from stdin when none is
// configured.
func readFeed(ctx context.Context, command, taskID string, uc *usecase.CaptureQueriesUseCase, log *slog.Logger) error {
	var r io.Reader = os.Stdin
	wait := func() error { return nil }
	if command != "" {
		stdout, waitCmd, err := capture.StartCommand(ctx, command)
		if err != nil {
			return err
		}
		r, wait = stdout, waitCmd
	}

	stats, err := capture.ReadFeed(ctx, r, taskID, uc.SubmitWait, log)
	log.Info("capture feed ended", "lines", stats.Lines, "submitted", stats.Submitted, "malformed", stats.Malformed, "rejected", stats.Rejected)
	if werr := wait(); err == nil && werr != nil && ctx.Err() == nil {
		err = werr
	}
	return err
}

func serve(ctx context.Context, srv *http.Server, log *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}
	return nil
}
