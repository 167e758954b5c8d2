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
	"github.com/V4T54L/query-compat/internal/adapter/compat"
	"github.com/V4T54L/query-compat/internal/adapter/dialect"
	"github.com/V4T54L/query-compat/internal/adapter/metrics"
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

	var checker domain.DialectChecker = dialect.Noop{}
	if cfg.MySQLDSN != "" {
		mysqlChecker, err := dialect.OpenMySQL(ctx, cfg.MySQLDSN, dialect.MySQLOptions{
			RequestsPerSecond: cfg.DialectRPS,
			Timeout:           cfg.DialectTimeout,
		}, log)
		if err != nil {
			log.Error("failed to open reference engine", "error", err)
			os.Exit(1)
		}
		defer mysqlChecker.Close()
		checker = mysqlChecker
	} else {
		log.Warn("MYSQL_DSN is empty, live dialect check disabled")
	}

	feed, err := postgres.NewChangeFeed(cfg.PostgresURL, log, domain.ChannelLogInserted)
	if err != nil {
		log.Error("failed to open change feed", "error", err)
		os.Exit(1)
	}
	defer feed.Close()

	validator := usecase.NewValidateEntriesUseCase(
		postgres.NewLogStore(db, log),
		postgres.NewTaskStore(db, log),
		compat.DefaultRules(),
		checker,
		m,
		log,
		usecase.ValidateOptions{
			BatchSize:     cfg.ValidationBatchSize,
			Window:        cfg.ValidationWindow,
			SweepInterval: cfg.SweepInterval,
			StoreTimeout:  cfg.StoreTimeout,
		},
	)

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

	validator.Run(ctx, feed.Events(ctx))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Error("admin server shutdown failed", "error", err)
	}
	log.Info("validator shut down gracefully")
}
