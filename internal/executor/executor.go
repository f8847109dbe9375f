package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"dcaengine/internal/alert"
	"dcaengine/internal/apperr"
	"dcaengine/internal/chain"
	"dcaengine/internal/logger"
	"dcaengine/internal/metrics"
	"dcaengine/internal/models"
	"dcaengine/internal/queue"
	"dcaengine/internal/receipt"
	"dcaengine/internal/repository"
	"dcaengine/internal/strategy"
	"dcaengine/internal/swap"
)

// Executor runs one recurring-buy execution end to end: swap from the
// custodial wallet, pay the output to the user's wallet, then settle the
// ledger.
type Executor struct {
	Repo          repository.Repository
	Chain         chain.Client
	Swap          swap.Provider
	Parser        *receipt.Parser
	Tokens        chain.TokenDecimals
	Alerts        alert.Notifier
	Logger        *zap.Logger
	Confirmations uint64
	Now           func() time.Time
}

// run carries the state of one attempt.
type run struct {
	exec    *models.Execution
	st      *models.Strategy
	params  strategy.RecurringBuyParams
	wallet  common.Address
	signer  common.Address
	started time.Time
	log     *zap.Logger

	fromDecimals int32
	toDecimals   int32
	amountUnits  *big.Int
	quoted       *big.Int
}

// HandleJob adapts Execute to the worker pool. When the job will not be tried
// again, the strategy's next run moves to its next activation after now.
func (e *Executor) HandleJob(ctx context.Context, job *queue.Job) (bool, error) {
	if job == nil {
		return false, nil
	}
	_, err := e.Execute(ctx, job.Payload.StrategyID, job.ID)
	if err == nil {
		return false, nil
	}
	retryable := apperr.Retryable(err)
	if !retryable || (job.MaxAttempts > 0 && job.Attempt >= job.MaxAttempts) {
		e.deferNextRun(context.WithoutCancel(ctx), job.Payload.StrategyID, err)
	}
	return retryable, err
}

// deferNextRun keeps a failing strategy from being picked up again on every
// scheduler tick. Operator holds and runs still in flight are left alone.
func (e *Executor) deferNextRun(ctx context.Context, strategyID uint64, cause error) {
	kind := apperr.KindOf(cause)
	if kind.NeedsOperator() || kind == apperr.KindExecutionInProgress || kind == apperr.KindStrategyNotActive {
		return
	}
	log := logger.ForExecution(e.Logger, strategyID, "")
	st, err := e.Repo.GetStrategy(ctx, strategyID)
	if err != nil || st == nil || st.Status != models.StrategyStatusActive {
		return
	}
	params, err := strategy.RecurringBuy(st)
	if err != nil {
		return
	}
	next, err := strategy.NextRun(params.Recurrence, e.now())
	if err != nil {
		return
	}
	if err := e.Repo.UpdateStrategy(ctx, strategyID, map[string]any{"next_run_at": next}); err != nil {
		log.Warn("defer next run", zap.Error(err))
		return
	}
	log.Info("next run deferred after failure", zap.String("kind", string(kind)), zap.Time("next_run_at", next))
}

// Execute performs one run of the strategy for the given queue job. A queue
// retry of the same job reuses its execution row. Every returned error is an
// *apperr.Error whose Retryable flag tells the queue whether to try again.
func (e *Executor) Execute(ctx context.Context, strategyID uint64, jobID string) (*models.Execution, error) {
	if e == nil || e.Repo == nil || e.Chain == nil || e.Swap == nil || e.Parser == nil || e.Tokens == nil {
		return nil, apperr.New(apperr.KindInternal, "executor not configured")
	}
	r := &run{started: e.now(), log: logger.ForExecution(e.Logger, strategyID, jobID)}

	exec, done, err := e.begin(ctx, strategyID, jobID)
	if err != nil || done {
		return exec, err
	}
	r.exec = exec

	if err := e.prepare(ctx, r); err != nil {
		return e.fail(ctx, r, err)
	}
	if err := e.ensureAllowance(ctx, r); err != nil {
		return e.fail(ctx, r, err)
	}

	swapReceipt, err := e.swap(ctx, r)
	if err != nil {
		return e.fail(ctx, r, err)
	}

	// Past this point the swap is on chain and the run must reach a recorded
	// outcome even if the job is cancelled.
	ctx = context.WithoutCancel(ctx)

	actual, raw, err := e.received(ctx, r, swapReceipt)
	if err != nil {
		return e.fail(ctx, r, err)
	}
	if err := e.payout(ctx, r, raw); err != nil {
		metrics.RecordStrandedFunds()
		return e.fail(ctx, r, err)
	}
	if err := e.settle(ctx, r, actual); err != nil {
		return e.fail(ctx, r, err)
	}

	metrics.RecordExecution(models.ExecutionStatusCompleted, "", e.now().Sub(r.started).Seconds())
	r.log.Info("execution completed",
		zap.Uint64("execution_id", r.exec.ID),
		zap.String("amount", r.params.AmountPerRun.String()),
		zap.String("received", actual.String()),
		zap.String("swap_tx", r.exec.SwapTxHash),
		zap.String("payout_tx", r.exec.PayoutTxHash),
	)
	return e.reload(ctx, r.exec), nil
}

// begin creates the PENDING row, or reopens the job's earlier row on a queue
// retry. done is set when the job has nothing left to do.
func (e *Executor) begin(ctx context.Context, strategyID uint64, jobID string) (*models.Execution, bool, error) {
	if jobID != "" {
		existing, err := e.Repo.GetExecutionByJobID(ctx, jobID)
		if err != nil {
			return nil, false, apperr.Transient(err, "load execution")
		}
		if existing != nil {
			return e.resume(ctx, existing, strategyID)
		}
	}
	exec := &models.Execution{
		StrategyID: strategyID,
		JobID:      jobID,
		Status:     models.ExecutionStatusPending,
	}
	if err := e.Repo.CreateExecution(ctx, exec); err != nil {
		if errors.Is(err, repository.ErrExecutionInProgress) {
			return nil, false, apperr.Wrap(apperr.KindExecutionInProgress, err, "strategy already has an open execution")
		}
		return nil, false, apperr.Transient(err, "create execution")
	}
	return exec, false, nil
}

func (e *Executor) resume(ctx context.Context, existing *models.Execution, strategyID uint64) (*models.Execution, bool, error) {
	if existing.StrategyID != strategyID {
		return existing, true, apperr.Newf(apperr.KindInternal, "job belongs to strategy %d", existing.StrategyID)
	}
	switch existing.Status {
	case models.ExecutionStatusCompleted:
		return existing, true, nil
	case models.ExecutionStatusFailed:
		kind := apperr.Kind(existing.FailureKind)
		if !kind.Retryable() {
			return existing, true, apperr.Newf(kind, "execution %d already failed: %s", existing.ID, existing.Error)
		}
		if err := e.Repo.ReopenExecution(ctx, existing.ID); err != nil {
			if errors.Is(err, repository.ErrExecutionInProgress) {
				return existing, true, apperr.Wrap(apperr.KindExecutionInProgress, err, "strategy already has an open execution")
			}
			return existing, true, apperr.Transient(err, "reopen execution")
		}
		existing.Status = models.ExecutionStatusPending
		return existing, false, nil
	default:
		// An open row for this job means an earlier attempt died mid-run; its
		// on-chain effects are unknown.
		return existing, true, apperr.Newf(apperr.KindExecutionInProgress, "execution %d left %s by an interrupted attempt", existing.ID, existing.Status)
	}
}

// prepare loads and checks everything the run needs before any transaction is
// sent, then moves the row to EXECUTING.
func (e *Executor) prepare(ctx context.Context, r *run) error {
	st, err := e.Repo.GetStrategy(ctx, r.exec.StrategyID)
	if err != nil {
		return apperr.Transient(err, "load strategy")
	}
	if st == nil {
		return apperr.Newf(apperr.KindNotFound, "strategy %d not found", r.exec.StrategyID)
	}
	r.st = st
	if st.Status != models.StrategyStatusActive {
		return apperr.Newf(apperr.KindStrategyNotActive, "strategy %d is %s", st.ID, st.Status)
	}
	params, err := strategy.RecurringBuy(st)
	if err != nil {
		return err
	}
	r.params = params
	if params.TotalAmount.Sub(st.TotalInvested).LessThan(params.AmountPerRun) {
		return apperr.Newf(apperr.KindConflict, "strategy %d has no budget left for another run", st.ID)
	}

	user, err := e.Repo.GetUser(ctx, st.UserID)
	if err != nil {
		return apperr.Transient(err, "load user")
	}
	if user == nil || !chain.ValidAddress(user.WalletAddress) {
		wallet := ""
		if user != nil {
			wallet = user.WalletAddress
		}
		return apperr.Newf(apperr.KindInvalidAddress, "invalid payout wallet %q for user %s", wallet, st.UserID)
	}
	r.wallet = common.HexToAddress(user.WalletAddress)
	r.signer = e.Chain.Address()

	bal, err := e.Repo.GetBalance(ctx, st.UserID, params.FromToken)
	if err != nil {
		return apperr.Transient(err, "load balance")
	}
	if bal == nil || bal.LockedAmount.LessThan(params.AmountPerRun) {
		return apperr.Newf(apperr.KindInsufficientBalance, "locked %s balance below per-run amount", params.FromToken)
	}

	if r.fromDecimals, err = e.Tokens.Decimals(ctx, params.FromToken); err != nil {
		return apperr.Transient(err, "source token decimals")
	}
	if r.toDecimals, err = e.Tokens.Decimals(ctx, params.ToToken); err != nil {
		return apperr.Transient(err, "destination token decimals")
	}
	r.amountUnits = chain.ToUnits(params.AmountPerRun, r.fromDecimals)
	if r.amountUnits.Sign() <= 0 {
		return apperr.Newf(apperr.KindValidation, "amountPerRun %s is below one base unit", params.AmountPerRun)
	}

	now := e.now()
	updates := map[string]any{
		"from_token": params.FromToken,
		"to_token":   params.ToToken,
		"amount":     params.AmountPerRun,
		"started_at": now,
	}
	if err := e.Repo.UpdateExecution(ctx, r.exec.ID, models.ExecutionStatusExecuting, updates); err != nil {
		return apperr.Transient(err, "mark executing")
	}
	r.exec.Status = models.ExecutionStatusExecuting
	r.exec.FromToken = params.FromToken
	r.exec.ToToken = params.ToToken
	r.exec.Amount = params.AmountPerRun
	r.exec.StartedAt = &now
	return nil
}

func (e *Executor) ensureAllowance(ctx context.Context, r *run) error {
	if chain.IsNative(r.params.FromToken) {
		return nil
	}
	allowance, err := e.Swap.GetAllowance(ctx, r.params.FromToken, r.signer.Hex())
	if err != nil {
		return aggregatorError(err, "get allowance")
	}
	if allowance != nil && allowance.Cmp(r.amountUnits) >= 0 {
		return nil
	}
	tx, err := e.Swap.GetApprovalTransaction(ctx, r.params.FromToken, r.amountUnits)
	if err != nil {
		return aggregatorError(err, "get approval transaction")
	}
	hash, err := e.send(ctx, tx, nil)
	if err != nil {
		return apperr.Transient(err, "send approval")
	}
	r.exec.ApprovalTxHash = hash.Hex()
	e.record(ctx, r, map[string]any{"approval_tx_hash": r.exec.ApprovalTxHash})

	rcpt, err := e.Chain.WaitForTransaction(ctx, hash, e.Confirmations)
	if err != nil {
		return apperr.Transient(err, "wait for approval")
	}
	if rcpt == nil {
		return apperr.Transient(fmt.Errorf("approval %s not confirmed", hash.Hex()), "wait for approval")
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return apperr.Newf(apperr.KindOnChainFailure, "approval %s reverted", hash.Hex())
	}
	return nil
}

func (e *Executor) swap(ctx context.Context, r *run) (*types.Receipt, error) {
	// The quote is only a reference for the slippage check after the swap;
	// accounting always uses the parsed receipt.
	if q, err := e.Swap.GetQuote(ctx, r.params.FromToken, r.params.ToToken, r.amountUnits); err != nil {
		r.log.Warn("quote unavailable", zap.Error(err))
	} else if q != nil && q.DstAmount != nil && q.DstAmount.Sign() > 0 {
		r.quoted = q.DstAmount
	}
	tx, err := e.Swap.GetSwapTransaction(ctx, swap.SwapRequest{
		Src:      r.params.FromToken,
		Dst:      r.params.ToToken,
		Amount:   r.amountUnits,
		From:     r.signer.Hex(),
		Receiver: r.signer.Hex(),
		Slippage: r.params.Slippage,
	})
	if err != nil {
		return nil, aggregatorError(err, "get swap transaction")
	}
	// The hash is stored once signed; a broadcast the node did not
	// acknowledge may still be mined.
	hash, err := e.send(ctx, tx, func(h common.Hash) {
		r.exec.SwapTxHash = h.Hex()
		e.record(context.WithoutCancel(ctx), r, map[string]any{"swap_tx_hash": r.exec.SwapTxHash})
	})
	var broadcast *chain.BroadcastError
	if errors.As(err, &broadcast) {
		r.exec.SwapTxHash = broadcast.Hash.Hex()
		return nil, apperr.Wrap(apperr.KindSwapUnconfirmed, err, "swap signed but broadcast not acknowledged")
	}
	if err != nil {
		return nil, apperr.Transient(err, "send swap")
	}
	r.exec.SwapTxHash = hash.Hex()

	rcpt, err := e.Chain.WaitForTransaction(ctx, hash, e.Confirmations)
	if err != nil || rcpt == nil {
		cause := err
		if cause == nil {
			cause = fmt.Errorf("no receipt for %s", hash.Hex())
		}
		return nil, apperr.Wrap(apperr.KindSwapUnconfirmed, cause, "swap submitted but not confirmed")
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return nil, apperr.Newf(apperr.KindOnChainFailure, "swap %s reverted", hash.Hex())
	}
	return rcpt, nil
}

// received returns the parsed output both normalized and in base units, and
// persists the normalized amount before any payout is attempted.
func (e *Executor) received(ctx context.Context, r *run, rcpt *types.Receipt) (decimal.Decimal, *big.Int, error) {
	res, err := e.Parser.Received(rcpt, r.params.ToToken, r.signer)
	if err != nil {
		return decimal.Zero, nil, apperr.Wrap(apperr.KindSwapOutputUnknown, err, "parse swap receipt")
	}
	if res.Warning != "" {
		return decimal.Zero, nil, apperr.New(apperr.KindSwapOutputUnknown, res.Warning)
	}
	if res.Amount == nil || res.Amount.Sign() <= 0 {
		return decimal.Zero, nil, apperr.New(apperr.KindSwapOutputUnknown, "swap produced no output")
	}
	actual := chain.FromUnits(res.Amount, r.toDecimals)
	if r.quoted != nil {
		floor := decimal.NewFromBigInt(r.quoted, 0).Mul(decimal.NewFromInt(100).Sub(r.params.Slippage)).Div(decimal.NewFromInt(100))
		if decimal.NewFromBigInt(res.Amount, 0).LessThan(floor) {
			r.log.Warn("swap output below quoted minimum",
				zap.String("quoted", r.quoted.String()),
				zap.String("received", res.Amount.String()),
				zap.String("slippage", r.params.Slippage.String()),
			)
		}
	}
	r.exec.ActualAmount = actual
	e.record(ctx, r, map[string]any{"actual_amount": actual})
	return actual, res.Amount, nil
}

func (e *Executor) payout(ctx context.Context, r *run, raw *big.Int) error {
	req := chain.TxRequest{To: r.wallet, Value: new(big.Int).Set(raw)}
	if !chain.IsNative(r.params.ToToken) {
		data, err := chain.PackTransfer(r.wallet, raw)
		if err != nil {
			return apperr.Wrap(apperr.KindPayoutFailed, err, "encode payout")
		}
		req = chain.TxRequest{To: common.HexToAddress(r.params.ToToken), Data: data}
	}
	req.OnSigned = func(h common.Hash) { r.exec.PayoutTxHash = h.Hex() }
	hash, err := e.Chain.SendTransaction(ctx, req)
	if err != nil {
		return apperr.Wrap(apperr.KindPayoutFailed, err, "send payout")
	}
	r.exec.PayoutTxHash = hash.Hex()
	e.record(ctx, r, map[string]any{"payout_tx_hash": r.exec.PayoutTxHash})

	rcpt, err := e.Chain.WaitForTransaction(ctx, hash, e.Confirmations)
	if err != nil {
		return apperr.Wrap(apperr.KindPayoutFailed, err, "wait for payout")
	}
	if rcpt == nil {
		return apperr.Newf(apperr.KindPayoutFailed, "payout %s not confirmed", hash.Hex())
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return apperr.Newf(apperr.KindPayoutFailed, "payout %s reverted", hash.Hex())
	}
	return nil
}

// settle records the completed run and moves the ledger in one transaction.
func (e *Executor) settle(ctx context.Context, r *run, actual decimal.Decimal) error {
	now := e.now()
	next, err := strategy.NextRun(r.params.Recurrence, now)
	if err != nil {
		return apperr.Wrap(apperr.KindLedgerInconsistent, err, "next run")
	}
	var completed bool
	err = e.Repo.WithTx(ctx, func(tx repository.Repository) error {
		if err := tx.UpdateExecution(ctx, r.exec.ID, models.ExecutionStatusCompleted, map[string]any{
			"actual_amount":  actual,
			"payout_tx_hash": r.exec.PayoutTxHash,
			"completed_at":   now,
			"failure_kind":   "",
			"error":          "",
		}); err != nil {
			return err
		}
		if err := tx.AddStrategyTotals(ctx, r.st.ID, r.params.AmountPerRun, actual, &next); err != nil {
			return err
		}
		if err := tx.DebitLocked(ctx, r.st.UserID, r.params.FromToken, r.params.AmountPerRun); err != nil {
			return err
		}
		completed, err = completeIfExhausted(ctx, tx, r.st.ID, r.params)
		return err
	})
	if err != nil {
		return apperr.Wrap(apperr.KindLedgerInconsistent, err, "settle completed run")
	}
	r.exec.Status = models.ExecutionStatusCompleted
	r.exec.CompletedAt = &now
	if completed {
		r.log.Info("strategy completed")
	}
	return nil
}

// completeIfExhausted moves the strategy to COMPLETED once its cap or run
// count is reached, or when what is left of the cap cannot fund another run,
// and releases the unspent lock.
func completeIfExhausted(ctx context.Context, tx repository.Repository, strategyID uint64, p strategy.RecurringBuyParams) (bool, error) {
	st, err := tx.GetStrategy(ctx, strategyID)
	if err != nil {
		return false, err
	}
	if st == nil {
		return false, gorm.ErrRecordNotFound
	}
	remaining := p.TotalAmount.Sub(st.TotalInvested)
	done := remaining.LessThan(p.AmountPerRun)
	if !done && p.MaxRuns > 0 {
		runs, err := tx.CountCompletedExecutions(ctx, strategyID)
		if err != nil {
			return false, err
		}
		done = runs >= int64(p.MaxRuns)
	}
	if !done {
		return false, nil
	}
	ok, err := tx.TransitionStrategyStatus(ctx, strategyID,
		[]string{models.StrategyStatusActive, models.StrategyStatusPaused}, models.StrategyStatusCompleted)
	if err != nil || !ok {
		return false, err
	}
	if err := tx.UpdateStrategy(ctx, strategyID, map[string]any{"next_run_at": nil}); err != nil {
		return false, err
	}
	if remaining.IsPositive() {
		if err := tx.ReleaseLock(ctx, st.UserID, p.FromToken, remaining); err != nil {
			return false, err
		}
	}
	return true, nil
}

// fail records the failure on the row, alerts on conditions that need an
// operator, and returns the classified error.
func (e *Executor) fail(ctx context.Context, r *run, cause error) (*models.Execution, error) {
	var appErr *apperr.Error
	if !errors.As(cause, &appErr) {
		appErr = apperr.Wrap(apperr.KindInternal, cause, "execution failed")
	}
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	kind := string(appErr.Kind)
	hold := appErr.Kind.NeedsOperator()
	var held bool
	// An operator failure pauses the strategy in the same write; it runs
	// again only after an operator resumes it.
	err := e.Repo.WithTx(ctx, func(tx repository.Repository) error {
		if err := tx.UpdateExecution(ctx, r.exec.ID, models.ExecutionStatusFailed, map[string]any{
			"failure_kind":     kind,
			"error":            appErr.Error(),
			"retry_count":      gorm.Expr("retry_count + 1"),
			"completed_at":     now,
			"approval_tx_hash": r.exec.ApprovalTxHash,
			"swap_tx_hash":     r.exec.SwapTxHash,
			"payout_tx_hash":   r.exec.PayoutTxHash,
			"actual_amount":    r.exec.ActualAmount,
		}); err != nil {
			return err
		}
		if !hold {
			return nil
		}
		var err error
		held, err = tx.TransitionStrategyStatus(ctx, r.exec.StrategyID,
			[]string{models.StrategyStatusActive}, models.StrategyStatusPaused)
		return err
	})
	if err != nil {
		// The row stays open, which keeps the scheduler off the strategy.
		held = false
		r.log.Error("record execution failure", zap.Uint64("execution_id", r.exec.ID), zap.Error(err))
	}
	if held {
		r.log.Warn("strategy paused pending reconciliation", zap.Uint64("execution_id", r.exec.ID))
	}
	metrics.RecordExecution(models.ExecutionStatusFailed, kind, now.Sub(r.started).Seconds())

	r.log.Warn("execution failed",
		zap.Uint64("execution_id", r.exec.ID),
		zap.String("kind", kind),
		zap.Bool("retryable", appErr.Retryable),
		zap.Error(appErr),
	)
	if appErr.Kind.NeedsOperator() && e.Alerts != nil {
		e.Alerts.Notify(ctx, alert.Alert{
			Action:      "execution_" + string(appErr.Kind),
			Level:       alert.LevelCritical,
			Message:     appErr.Error(),
			StrategyID:  r.exec.StrategyID,
			ExecutionID: r.exec.ID,
			Details: map[string]any{
				"swap_tx_hash":    r.exec.SwapTxHash,
				"payout_tx_hash":  r.exec.PayoutTxHash,
				"actual_amount":   r.exec.ActualAmount.String(),
				"to_token":        r.exec.ToToken,
				"strategy_paused": held,
			},
			At: now,
		})
	}
	return e.reload(ctx, r.exec), appErr
}

func (e *Executor) send(ctx context.Context, tx *swap.Transaction, onSigned func(common.Hash)) (common.Hash, error) {
	if tx == nil || !chain.ValidAddress(tx.To) {
		return common.Hash{}, fmt.Errorf("aggregator returned no usable transaction")
	}
	return e.Chain.SendTransaction(ctx, chain.TxRequest{
		To:       common.HexToAddress(tx.To),
		Data:     tx.Data,
		Value:    tx.Value,
		GasLimit: tx.Gas,
		GasPrice: tx.GasPrice,
		OnSigned: onSigned,
	})
}

// aggregatorError retries provider failures unless the provider rejected the
// request outright.
func aggregatorError(err error, msg string) *apperr.Error {
	if errors.Is(err, swap.ErrRejected) {
		return apperr.Wrap(apperr.KindValidation, err, msg)
	}
	return apperr.Transient(err, msg)
}

// record persists intermediate progress. A failed write is logged only; the
// final status write carries the same fields.
func (e *Executor) record(ctx context.Context, r *run, updates map[string]any) {
	if err := e.Repo.UpdateExecution(ctx, r.exec.ID, "", updates); err != nil {
		r.log.Warn("record execution progress", zap.Uint64("execution_id", r.exec.ID), zap.Error(err))
	}
}

func (e *Executor) reload(ctx context.Context, exec *models.Execution) *models.Execution {
	if exec == nil {
		return nil
	}
	fresh, err := e.Repo.GetExecution(ctx, exec.ID)
	if err != nil || fresh == nil {
		return exec
	}
	return fresh
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}
