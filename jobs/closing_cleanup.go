package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/almoner-erp/almoner-erp/internal/closing"
	jobmetrics "github.com/almoner-erp/almoner-erp/internal/jobs"
)

// systemActorID marks audit records written by background jobs.
const systemActorID = 0

// ClosingCleanupJob discards pending closings that were never approved.
type ClosingCleanupJob struct {
	Service *closing.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	// MaxAge is the default retention for pending closings when the
	// payload does not override it.
	MaxAge time.Duration
	clock  func() time.Time
}

// NewClosingCleanupJob initialises the cleanup handler.
func NewClosingCleanupJob(service *closing.Service, logger *slog.Logger, metrics *jobmetrics.Metrics, maxAge time.Duration) *ClosingCleanupJob {
	if maxAge <= 0 {
		maxAge = 45 * 24 * time.Hour
	}
	return &ClosingCleanupJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		MaxAge:  maxAge,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the cleanup.
func (j *ClosingCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("closing cleanup: handler not configured")
	}
	var payload ClosingCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	maxAge := j.MaxAge
	if payload.MaxAgeDays > 0 {
		maxAge = time.Duration(payload.MaxAgeDays) * 24 * time.Hour
	}

	tracker := j.metrics().Track(TaskClosingCleanup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	before := j.now().Add(-maxAge)
	logger := j.logger().With(slog.Time("before", before))
	logger.Info("starting stale closing cleanup")

	removed, err := j.Service.CleanupStalePending(ctx, before, systemActorID)
	if err != nil {
		resultErr = err
		logger.Error("cleanup failed", slog.Any("error", err))
		return resultErr
	}

	logger.Info("completed stale closing cleanup", slog.Int("removed", removed))
	return resultErr
}

func (j *ClosingCleanupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskClosingCleanup))
	}
	return slog.Default().With(slog.String("job", TaskClosingCleanup))
}

func (j *ClosingCleanupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ClosingCleanupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
