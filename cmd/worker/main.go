package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/fieldline-erp/fieldline/internal/app"
	"github.com/fieldline-erp/fieldline/internal/fieldsync"
	"github.com/fieldline-erp/fieldline/internal/ledger"
	"github.com/fieldline-erp/fieldline/internal/observability"
	"github.com/fieldline-erp/fieldline/internal/platform/db"
	"github.com/fieldline-erp/fieldline/internal/shared"
	"github.com/fieldline-erp/fieldline/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	auditLogger := shared.NewAuditLogger(pool)
	metrics := observability.NewMetrics()

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, auditLogger, ledger.ServiceConfig{
		ReservationTTL: cfg.ReservationTTL,
	})
	syncRepo := fieldsync.NewRepository(pool)

	sweepTask, err := jobs.NewReservationSweepTask(jobs.SweepPayload{Limit: cfg.SweepBatchSize})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewSyncLogCleanupTask(jobs.CleanupPayload{Retention: cfg.SyncLogRetention})
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReservationSweep, Handler: jobs.NewReservationSweepHandler(ledgerService, metrics, logger)},
			{Type: jobs.TaskSyncLogCleanup, Handler: jobs.NewSyncLogCleanupHandler(syncRepo, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: fmt.Sprintf("@every %s", cfg.SweepInterval), Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 2 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
