package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"dcaengine/internal/apperr"
	"dcaengine/internal/models"
	"dcaengine/internal/repository"
	"dcaengine/internal/strategy"
)

type CreateStrategyInput struct {
	UserID string          `json:"-"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// StrategyService owns the user-driven lifecycle of strategies. Every balance
// lock change is made in the same transaction as the status change behind it.
type StrategyService struct {
	Repo   repository.Repository
	Logger *zap.Logger
	Now    func() time.Time
}

func (s *StrategyService) Create(ctx context.Context, in CreateStrategyInput) (*models.Strategy, error) {
	if s == nil || s.Repo == nil {
		return nil, apperr.New(apperr.KindInternal, "strategy service not configured")
	}
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return nil, apperr.New(apperr.KindValidation, "user required")
	}
	typ := strings.ToUpper(strings.TrimSpace(in.Type))
	if typ == "" {
		typ = models.StrategyTypeRecurringBuy
	}
	params, err := strategy.DecodeParams(typ, in.Params)
	if err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	p, ok := params.(strategy.RecurringBuyParams)
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "unsupported strategy type %q", typ)
	}
	raw, err := strategy.EncodeParams(p)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "encode params")
	}
	next, err := strategy.NextRun(p.Recurrence, s.now())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid recurrence")
	}

	item := &models.Strategy{
		UserID:    userID,
		Type:      typ,
		Status:    models.StrategyStatusActive,
		Params:    raw,
		NextRunAt: &next,
	}
	err = s.Repo.WithTx(ctx, func(tx repository.Repository) error {
		if err := tx.CreateStrategy(ctx, item); err != nil {
			return err
		}
		return tx.LockBalance(ctx, userID, p.FromToken, p.TotalAmount)
	})
	if errors.Is(err, repository.ErrInsufficientBalance) {
		return nil, apperr.Newf(apperr.KindInsufficientBalance, "available %s balance below totalAmount %s", p.FromToken, p.TotalAmount)
	}
	if err != nil {
		return nil, apperr.Transient(err, "create strategy")
	}
	if s.Logger != nil {
		s.Logger.Info("strategy created",
			zap.Uint64("strategy_id", item.ID),
			zap.String("user_id", userID),
			zap.String("total_amount", p.TotalAmount.String()),
			zap.Time("next_run_at", next),
		)
	}
	return item, nil
}

// Get returns the strategy when it belongs to userID. An empty userID skips
// the ownership check.
func (s *StrategyService) Get(ctx context.Context, userID string, id uint64) (*models.Strategy, error) {
	if s == nil || s.Repo == nil {
		return nil, apperr.New(apperr.KindInternal, "strategy service not configured")
	}
	item, err := s.Repo.GetStrategy(ctx, id)
	if err != nil {
		return nil, apperr.Transient(err, "load strategy")
	}
	if item == nil || (userID != "" && item.UserID != userID) {
		return nil, apperr.Newf(apperr.KindNotFound, "strategy %d not found", id)
	}
	return item, nil
}

func (s *StrategyService) List(ctx context.Context, userID, status string, limit, offset int) ([]models.Strategy, error) {
	if s == nil || s.Repo == nil {
		return nil, nil
	}
	params := repository.ListStrategiesParams{Limit: limit, Offset: offset, OrderBy: "created_at"}
	if userID != "" {
		params.UserID = &userID
	}
	if status = strings.ToUpper(strings.TrimSpace(status)); status != "" {
		params.Status = &status
	}
	items, err := s.Repo.ListStrategies(ctx, params)
	if err != nil {
		return nil, apperr.Transient(err, "list strategies")
	}
	return items, nil
}

func (s *StrategyService) Pause(ctx context.Context, userID string, id uint64) (*models.Strategy, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	ok, err := s.Repo.TransitionStrategyStatus(ctx, id, []string{models.StrategyStatusActive}, models.StrategyStatusPaused)
	if err != nil {
		return nil, apperr.Transient(err, "pause strategy")
	}
	return s.afterTransition(ctx, id, ok, "pause")
}

// Resume reactivates a paused strategy. The next run is computed from now so
// runs missed while paused are not replayed.
func (s *StrategyService) Resume(ctx context.Context, userID string, id uint64) (*models.Strategy, error) {
	item, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	p, err := strategy.RecurringBuy(item)
	if err != nil {
		return nil, err
	}
	next, err := strategy.NextRun(p.Recurrence, s.now())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid recurrence")
	}
	var ok bool
	err = s.Repo.WithTx(ctx, func(tx repository.Repository) error {
		var err error
		ok, err = tx.TransitionStrategyStatus(ctx, id, []string{models.StrategyStatusPaused}, models.StrategyStatusActive)
		if err != nil || !ok {
			return err
		}
		return tx.UpdateStrategy(ctx, id, map[string]any{"next_run_at": next})
	})
	if err != nil {
		return nil, apperr.Transient(err, "resume strategy")
	}
	return s.afterTransition(ctx, id, ok, "resume")
}

// Stop terminates the strategy and releases the part of its lock that was
// never spent. It is refused while an execution is open, since that run may
// still debit the lock.
func (s *StrategyService) Stop(ctx context.Context, userID string, id uint64) (*models.Strategy, error) {
	item, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	p, err := strategy.RecurringBuy(item)
	if err != nil {
		return nil, err
	}
	var ok bool
	err = s.Repo.WithTx(ctx, func(tx repository.Repository) error {
		var err error
		// The status write takes the strategy row lock that CreateExecution
		// waits on, so the open-execution count below cannot go stale.
		ok, err = tx.TransitionStrategyStatus(ctx, id,
			[]string{models.StrategyStatusActive, models.StrategyStatusPaused}, models.StrategyStatusStopped)
		if err != nil || !ok {
			return err
		}
		open, err := tx.CountOpenExecutions(ctx, id)
		if err != nil {
			return err
		}
		if open > 0 {
			return repository.ErrExecutionInProgress
		}
		current, err := tx.GetStrategy(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.UpdateStrategy(ctx, id, map[string]any{"next_run_at": nil}); err != nil {
			return err
		}
		remaining := p.TotalAmount.Sub(current.TotalInvested)
		if !remaining.IsPositive() {
			return nil
		}
		return tx.ReleaseLock(ctx, current.UserID, p.FromToken, remaining)
	})
	if errors.Is(err, repository.ErrExecutionInProgress) {
		return nil, apperr.New(apperr.KindExecutionInProgress, "strategy has an execution in progress; retry once it finishes")
	}
	if errors.Is(err, repository.ErrInsufficientBalance) {
		return nil, apperr.Wrap(apperr.KindLedgerInconsistent, err, "release strategy lock")
	}
	if err != nil {
		return nil, apperr.Transient(err, "stop strategy")
	}
	return s.afterTransition(ctx, id, ok, "stop")
}

func (s *StrategyService) afterTransition(ctx context.Context, id uint64, ok bool, action string) (*models.Strategy, error) {
	item, err := s.Repo.GetStrategy(ctx, id)
	if err != nil {
		return nil, apperr.Transient(err, "load strategy")
	}
	if item == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "strategy %d not found", id)
	}
	if !ok {
		return nil, apperr.Newf(apperr.KindConflict, "cannot %s strategy in status %s", action, item.Status)
	}
	if s.Logger != nil {
		s.Logger.Info("strategy "+action, zap.Uint64("strategy_id", id), zap.String("status", item.Status))
	}
	return item, nil
}

func (s *StrategyService) ListExecutions(ctx context.Context, userID string, id uint64, limit, offset int) ([]models.Execution, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	items, err := s.Repo.ListExecutions(ctx, repository.ListExecutionsParams{
		StrategyID: &id,
		Limit:      limit,
		Offset:     offset,
		OrderBy:    "created_at",
	})
	if err != nil {
		return nil, apperr.Transient(err, "list executions")
	}
	return items, nil
}

// Reconciliation is the operator's worklist.
type Reconciliation struct {
	// Failures that stranded funds or left the ledger unsettled.
	Failures []models.Execution `json:"failures"`
	// Executions still open after the stale threshold, usually a crashed
	// worker. Their on-chain effects must be checked by hand.
	Stale []models.Execution `json:"stale"`
}

func (s *StrategyService) Reconciliation(ctx context.Context, staleAfter time.Duration, limit int) (*Reconciliation, error) {
	if s == nil || s.Repo == nil {
		return &Reconciliation{}, nil
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	kinds := make([]string, 0, len(apperr.OperatorKinds()))
	for _, k := range apperr.OperatorKinds() {
		kinds = append(kinds, string(k))
	}
	failures, err := s.Repo.ListExecutions(ctx, repository.ListExecutionsParams{
		Statuses:     []string{models.ExecutionStatusFailed},
		FailureKinds: kinds,
		Limit:        limit,
		OrderBy:      "created_at",
	})
	if err != nil {
		return nil, apperr.Transient(err, "list failed executions")
	}
	cutoff := s.now().Add(-staleAfter)
	stale, err := s.Repo.ListExecutions(ctx, repository.ListExecutionsParams{
		Statuses:      []string{models.ExecutionStatusPending, models.ExecutionStatusExecuting},
		CreatedBefore: &cutoff,
		Limit:         limit,
		OrderBy:       "created_at",
	})
	if err != nil {
		return nil, apperr.Transient(err, "list stale executions")
	}
	return &Reconciliation{Failures: failures, Stale: stale}, nil
}

func (s *StrategyService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
