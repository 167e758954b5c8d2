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

	"github.com/V4T54L/query-compat/internal/adapter/api"
	"github.com/V4T54L/query-compat/internal/adapter/metrics"
	"github.com/V4T54L/query-compat/internal/adapter/objectstore"
	"github.com/V4T54L/query-compat/internal/adapter/repository/postgres"
	"github.com/V4T54L/query-compat/internal/domain"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewPipelineMetrics(reg)

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

	store, err := objectstore.NewFSStore(cfg.ReportRoot, cfg.ReportBucket)
	if err != nil {
		log.Error("failed to open report store", "error", err)
		os.Exit(1)
	}

	feed, err := postgres.NewChangeFeed(cfg.PostgresURL, log, domain.ChannelTaskFinalized)
	if err != nil {
		log.Error("failed to open change feed", "error", err)
		os.Exit(1)
	}
	defer feed.Close()

	tasks := postgres.NewTaskStore(db, log)
	reporter := usecase.NewGenerateReportUseCase(postgres.NewLogStore(db, log), tasks, store, m, log, usecase.ReportOptions{
		PageSize:      cfg.ReportPageSize,
		SweepInterval: cfg.SweepInterval,
		StoreTimeout:  cfg.StoreTimeout,
	})

	adminServer := &http.Server{
		Addr: cfg.AdminServerAddr,
		Handler: api.NewAdminRouter(api.AdminDeps{
			Progress: usecase.NewTaskProgressUseCase(tasks),
			Gatherer: reg,
		}, log),
	}
	go func() {
		log.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin & metrics server failed", "error", err)
		}
	}()

	reporter.Run(ctx, feed.Events(ctx))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Error("admin server shutdown failed", "error", err)
	}
	log.Info("reporter shut down gracefully")
}
