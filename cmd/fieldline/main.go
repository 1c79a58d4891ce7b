package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	"github.com/fieldline-erp/fieldline/internal/allocation"
	"github.com/fieldline-erp/fieldline/internal/app"
	"github.com/fieldline-erp/fieldline/internal/authz"
	"github.com/fieldline-erp/fieldline/internal/fieldsync"
	"github.com/fieldline-erp/fieldline/internal/invoicing"
	"github.com/fieldline-erp/fieldline/internal/ledger"
	"github.com/fieldline-erp/fieldline/internal/observability"
	"github.com/fieldline-erp/fieldline/internal/platform/cache"
	"github.com/fieldline-erp/fieldline/internal/platform/db"
	"github.com/fieldline-erp/fieldline/internal/pricing"
	"github.com/fieldline-erp/fieldline/internal/returns"
	"github.com/fieldline-erp/fieldline/internal/shared"
	"github.com/fieldline-erp/fieldline/internal/transfer"
	"github.com/fieldline-erp/fieldline/jobs"
	"github.com/fieldline-erp/fieldline/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(dbpool)
	approvalRecorder := shared.NewApprovalRecorder(dbpool, logger)
	metrics := observability.NewMetrics()

	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerService := ledger.NewService(ledgerRepo, auditLogger, ledger.ServiceConfig{
		ReservationTTL: cfg.ReservationTTL,
	})

	priceRepo := pricing.NewRepository(dbpool)
	priceResolver := pricing.NewResolver(priceRepo)

	orderRepo := allocation.NewRepository(dbpool)
	orderEngine := allocation.NewEngine(orderRepo, ledgerService, priceResolver, auditLogger, allocation.EngineConfig{})

	invoiceRepo := invoicing.NewRepository(dbpool)
	invoiceService := invoicing.NewService(invoiceRepo, ledgerService, orderEngine, auditLogger, logger)

	syncRepo := fieldsync.NewRepository(dbpool)
	reconciler := fieldsync.NewReconciler(orderEngine, invoiceService, syncRepo, redislock.New(redisClient), logger, fieldsync.ReconcilerConfig{
		LockTTL: cfg.SyncLockTTL,
	})
	reconciler.SetMetrics(metrics)

	transferRepo := transfer.NewRepository(dbpool)
	transferService := transfer.NewService(transferRepo, ledgerService, approvalRecorder, logger)

	returnsRepo := returns.NewRepository(dbpool)
	returnsService := returns.NewService(returnsRepo, invoiceService, ledgerService, approvalRecorder, logger)

	authRepo := authz.NewRepository(dbpool)
	authService := authz.NewService(authRepo, logger)

	reportClient := report.NewClient(cfg.GotenbergURL)
	invoiceRenderer := report.NewInvoiceRenderer(reportClient, cfg.CompanyName)

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("asynq client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()
	// Holds left dangling by a crash should not wait out a full sweep
	// interval before they free up stock.
	if _, err := jobsClient.EnqueueReservationSweep(ctx, jobs.SweepPayload{Limit: cfg.SweepBatchSize}); err != nil {
		logger.Warn("enqueue startup sweep", slog.Any("error", err))
	}

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Pool:            dbpool,
		AuthService:     authService,
		StockHandler:    ledger.NewHandler(logger, ledgerService),
		SyncHandler:     fieldsync.NewHandler(logger, reconciler),
		TransferHandler: transfer.NewHandler(logger, transferService),
		PricingHandler:  pricing.NewHandler(logger, priceRepo),
		InvoiceHandler:  invoicing.NewHandler(logger, invoiceService, invoiceRenderer),
		ReturnsHandler:  returns.NewHandler(logger, returnsService),
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
