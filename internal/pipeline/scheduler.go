package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iqstrade/payinbox/internal/lease"
)

type BatchRunner interface {
	RunBatch(ctx context.Context) (BatchStats, error)
}

// Scheduler runs a batch immediately and then once per interval until its
// context ends.
type Scheduler struct {
	runner   BatchRunner
	interval time.Duration
	logger   *zap.Logger
}

func NewScheduler(runner BatchRunner, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{runner: runner, interval: interval, logger: logger.Named("scheduler")}
}

// Start blocks until ctx is done. Batch errors are logged; they never stop
// the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	stats, err := s.runner.RunBatch(ctx)
	switch {
	case err == nil:
	case errors.Is(err, lease.ErrHeld):
		s.logger.Info("previous batch still running, skipping")
	case errors.Is(err, context.Canceled):
	case IsTransient(err):
		s.logger.Warn("batch aborted, will retry next run", zap.Error(err))
	default:
		s.logger.Error("batch failed", zap.Error(err))
	}
	if stats.Failed > 0 {
		s.logger.Warn("emails failed in batch", zap.Int("failed", stats.Failed))
	}
}
