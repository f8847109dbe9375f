package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"dcaengine/internal/metrics"
	"dcaengine/internal/queue"
	"dcaengine/internal/repository"
	"dcaengine/internal/service"
)

// Result summarizes one scan.
type Result struct {
	Due            int `json:"due"`
	Enqueued       int `json:"enqueued"`
	SkippedPending int `json:"skippedPending"`
	SkippedOpen    int `json:"skippedOpen"`
	Errors         int `json:"errors"`
}

// Scheduler turns due strategies into queue jobs. It never writes strategies
// or balances; nextRunAt only moves when an execution completes.
type Scheduler struct {
	Repo      repository.Repository
	Queue     queue.Queue
	Logger    *zap.Logger
	Flags     *service.SystemSettingsService
	BatchSize int
	Now       func() time.Time
}

// SyncDueStrategies enqueues one job per due ACTIVE strategy that has no job
// pending and no open execution. Safe to call repeatedly.
func (s *Scheduler) SyncDueStrategies(ctx context.Context) (Result, error) {
	var res Result
	if s == nil || s.Repo == nil || s.Queue == nil {
		return res, nil
	}
	if s.Flags != nil && !s.Flags.IsEnabled(ctx, service.FeatureScheduler, true) {
		return res, nil
	}
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	due, err := s.Repo.FindDueStrategies(ctx, now, s.BatchSize)
	if err != nil {
		metrics.RecordScanError()
		return res, err
	}
	res.Due = len(due)
	for _, item := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		outcome, err := s.schedule(ctx, item.ID, item.Type)
		metrics.RecordScheduled(outcome)
		switch outcome {
		case "enqueued":
			res.Enqueued++
		case "skipped_pending":
			res.SkippedPending++
		case "skipped_open":
			res.SkippedOpen++
		default:
			res.Errors++
			if s.Logger != nil {
				s.Logger.Warn("schedule strategy failed", zap.Uint64("strategy_id", item.ID), zap.Error(err))
			}
		}
	}
	if s.Logger != nil && (res.Enqueued > 0 || res.Errors > 0) {
		s.Logger.Info("scheduler scan",
			zap.Int("due", res.Due),
			zap.Int("enqueued", res.Enqueued),
			zap.Int("skipped_pending", res.SkippedPending),
			zap.Int("skipped_open", res.SkippedOpen),
			zap.Int("errors", res.Errors),
		)
	}
	return res, nil
}

func (s *Scheduler) schedule(ctx context.Context, strategyID uint64, strategyType string) (string, error) {
	pending, err := s.Queue.HasPending(ctx, strategyID)
	if err != nil {
		return "error", err
	}
	if pending {
		s.debug("strategy already queued", strategyID)
		return "skipped_pending", nil
	}
	// A crashed run leaves an open row; it waits for reconciliation rather
	// than feeding the queue jobs that can only fail.
	open, err := s.Repo.CountOpenExecutions(ctx, strategyID)
	if err != nil {
		return "error", err
	}
	if open > 0 {
		s.debug("strategy has open execution", strategyID)
		return "skipped_open", nil
	}
	job, err := s.Queue.Enqueue(ctx, queue.Payload{StrategyID: strategyID, StrategyType: strategyType})
	if errors.Is(err, queue.ErrDuplicateJob) {
		return "skipped_pending", nil
	}
	if err != nil {
		return "error", err
	}
	if s.Logger != nil {
		s.Logger.Info("strategy enqueued", zap.Uint64("strategy_id", strategyID), zap.String("job_id", job.ID))
	}
	return "enqueued", nil
}

func (s *Scheduler) debug(msg string, strategyID uint64) {
	if s.Logger != nil {
		s.Logger.Debug(msg, zap.Uint64("strategy_id", strategyID))
	}
}
