package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/almoner-erp/almoner-erp/internal/app"
	"github.com/almoner-erp/almoner-erp/internal/closing"
	closinghttp "github.com/almoner-erp/almoner-erp/internal/closing/http"
	"github.com/almoner-erp/almoner-erp/internal/diagnostic"
	diagnostichttp "github.com/almoner-erp/almoner-erp/internal/diagnostic/http"
	"github.com/almoner-erp/almoner-erp/internal/ledger"
	ledgerhttp "github.com/almoner-erp/almoner-erp/internal/ledger/http"
	"github.com/almoner-erp/almoner-erp/internal/observability"
	"github.com/almoner-erp/almoner-erp/internal/platform/cache"
	"github.com/almoner-erp/almoner-erp/internal/platform/db"
	"github.com/almoner-erp/almoner-erp/internal/shared"
	"github.com/almoner-erp/almoner-erp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, latest-report cache disabled", slog.Any("error", err))
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	metrics := observability.NewMetrics()
	audit := shared.NewAuditLogger(pool, logger)

	ledgerService := ledger.NewService(ledger.NewRepository(pool), audit)
	closingService := closing.NewService(closing.NewRepository(pool), audit)

	diagEngine := diagnostic.NewEngine(diagnostic.NewRepository(pool))
	diagCache := diagnostic.NewCache(redisClient, cfg.DiagReportTTL)
	diagService := diagnostic.NewService(diagEngine, diagCache, logger)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Warn("job client unavailable", slog.Any("error", err))
	}
	defer func() {
		if jobClient != nil {
			_ = jobClient.Close()
		}
	}()
	var enqueue func(ctx context.Context, payload jobs.DiagnosticSweepPayload, delay time.Duration) error
	if jobClient != nil {
		enqueue = func(ctx context.Context, payload jobs.DiagnosticSweepPayload, delay time.Duration) error {
			_, err := jobClient.EnqueueDiagnosticSweep(ctx, payload, delay)
			return err
		}
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		_ = inspector.Close()
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		ClosingHandler:    closinghttp.NewHandler(logger, closingService),
		LedgerHandler:     ledgerhttp.NewHandler(logger, ledgerService),
		DiagnosticHandler: diagnostichttp.NewHandler(logger, diagService, enqueue),
		JobHandler:        jobs.NewHandler(inspector, logger),
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("http server", slog.Any("error", err))
		os.Exit(1)
	}
}
