package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/almoner-erp/almoner-erp/internal/diagnostic"
	jobmetrics "github.com/almoner-erp/almoner-erp/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// DiagnosticSweepJob runs the full consistency scan over the ledger.
type DiagnosticSweepJob struct {
	Service *diagnostic.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewDiagnosticSweepJob initialises the sweep handler.
func NewDiagnosticSweepJob(service *diagnostic.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *DiagnosticSweepJob {
	return &DiagnosticSweepJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the sweep.
func (j *DiagnosticSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("diagnostic sweep: handler not configured")
	}
	var payload DiagnosticSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	start := j.now()
	tracker := j.metrics().Track(TaskDiagnosticSweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int64("cost_center_id", payload.CostCenterID))
	logger.Info("starting diagnostic sweep")

	report, err := j.Service.Run(ctx, diagnostic.Scope{
		CostCenterID: payload.CostCenterID,
		From:         payload.From,
		To:           payload.To,
	})
	if err != nil {
		resultErr = err
		logger.Error("sweep failed", slog.Any("error", err))
		return resultErr
	}

	for _, item := range report.Items {
		level := slog.LevelInfo
		switch item.Severity {
		case diagnostic.SeverityCritical:
			level = slog.LevelError
		case diagnostic.SeverityWarning:
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "ledger inconsistency",
			slog.String("check", item.Check),
			slog.String("severity", string(item.Severity)),
			slog.String("description", item.Description),
		)
	}
	for severity, count := range report.Counts {
		j.metrics().AddFindings(string(severity), count)
	}

	logger.Info("completed diagnostic sweep",
		slog.String("report_id", report.ID),
		slog.Int("records_scanned", report.RecordsScanned),
		slog.Int("findings", len(report.Items)),
		slog.Float64("health_pct", report.Health),
		slog.Int("incomplete_checks", len(report.Incomplete)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *DiagnosticSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskDiagnosticSweep))
	}
	return slog.Default().With(slog.String("job", TaskDiagnosticSweep))
}

func (j *DiagnosticSweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *DiagnosticSweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
