package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/almoner-erp/almoner-erp/internal/app"
	"github.com/almoner-erp/almoner-erp/internal/closing"
	"github.com/almoner-erp/almoner-erp/internal/diagnostic"
	"github.com/almoner-erp/almoner-erp/internal/platform/cache"
	"github.com/almoner-erp/almoner-erp/internal/platform/db"
	"github.com/almoner-erp/almoner-erp/internal/shared"
	"github.com/almoner-erp/almoner-erp/jobs"
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

	audit := shared.NewAuditLogger(pool, logger)
	closingService := closing.NewService(closing.NewRepository(pool), audit)

	diagEngine := diagnostic.NewEngine(diagnostic.NewRepository(pool))
	diagCache := diagnostic.NewCache(redisClient, cfg.DiagReportTTL)
	diagService := diagnostic.NewService(diagEngine, diagCache, logger)

	sweepJob := jobs.NewDiagnosticSweepJob(diagService, logger, nil)
	cleanupJob := jobs.NewClosingCleanupJob(closingService, logger, nil, cfg.ClosingStaleAge)

	sweepTask, err := jobs.NewDiagnosticSweepTask(jobs.DiagnosticSweepPayload{})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewClosingCleanupTask(jobs.ClosingCleanupPayload{})
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	// The warm-up delay keeps the scheduled sweep from racing writers
	// that are still settling when the cron fires.
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskDiagnosticSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskClosingCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.DiagSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3), asynq.ProcessIn(cfg.DiagWarmupDelay)}},
			{Spec: cfg.ClosingCleanupCron, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	// One sweep relative to process start, on top of the nightly cron,
	// so a freshly booted worker still reports within the warm-up window.
	queueClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	if _, err := queueClient.EnqueueDiagnosticSweep(ctx, jobs.DiagnosticSweepPayload{}, cfg.DiagWarmupDelay); err != nil {
		logger.Warn("enqueue warm-up sweep", slog.Any("error", err))
	}
	if err := queueClient.Close(); err != nil {
		logger.Warn("queue client close", slog.Any("error", err))
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
