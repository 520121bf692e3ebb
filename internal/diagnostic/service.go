package diagnostic

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/almoner-erp/almoner-erp/internal/shared"
)

// ErrNoReport indicates no diagnostic run has completed yet.
var ErrNoReport = fmt.Errorf("diagnostic: no report available: %w", shared.ErrNotFound)

// Service runs the engine and keeps the latest report available. The
// on-demand HTTP path and the scheduled sweep both go through Run, so
// identical data produces identical reports on either path.
type Service struct {
	engine *Engine
	cache  *Cache
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(engine *Engine, cache *Cache, logger *slog.Logger) *Service {
	return &Service{engine: engine, cache: cache, logger: logger}
}

// Run executes a diagnostic sweep and caches the resulting report.
// Findings are data, not errors: the only error returned here is a
// context cancellation surfaced by the store.
func (s *Service) Run(ctx context.Context, scope Scope) (Report, error) {
	report := s.engine.Run(ctx, scope)
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	if s.cache != nil {
		if err := s.cache.StoreLatest(ctx, report); err != nil && s.logger != nil {
			s.logger.Warn("cache diagnostic report", slog.String("report_id", report.ID), slog.Any("error", err))
		}
	}
	if s.logger != nil {
		s.logger.Info("diagnostic run completed",
			slog.String("report_id", report.ID),
			slog.Int("findings", len(report.Items)),
			slog.Int("critical", report.Counts[SeverityCritical]),
			slog.Int("warnings", report.Counts[SeverityWarning]),
			slog.Float64("health", report.Health),
			slog.Int("incomplete_checks", len(report.Incomplete)),
		)
	}
	return report, nil
}

// Latest returns the most recently cached report.
func (s *Service) Latest(ctx context.Context) (Report, error) {
	if s.cache == nil {
		return Report{}, ErrNoReport
	}
	return s.cache.Latest(ctx)
}
