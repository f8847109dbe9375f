package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"dcaengine/internal/apperr"
	"dcaengine/internal/config"
	"dcaengine/internal/db"
	"dcaengine/internal/models"
	gormrepository "dcaengine/internal/repository/gorm"
)

const (
	usdc = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	weth = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
)

func setupStore(t *testing.T) *gormrepository.Store {
	t.Helper()
	dsn := fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := db.Open(config.DBConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(conn) })
	require.NoError(t, db.AutoMigrate(conn))
	return gormrepository.New(conn.Gorm)
}

func recurringBuy(total int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"fromToken": %q,
		"toToken": %q,
		"amountPerRun": "10",
		"totalAmount": "%d",
		"recurrence": "0 9 * * *",
		"slippage": "0.5"
	}`, usdc, weth, total))
}

func newStrategyService(t *testing.T, funded int64) (*StrategyService, *gormrepository.Store) {
	t.Helper()
	store := setupStore(t)
	if funded > 0 {
		require.NoError(t, store.CreditBalance(context.Background(), "user-1", usdc, decimal.NewFromInt(funded)))
	}
	return &StrategyService{Repo: store}, store
}

func lockedUSDC(t *testing.T, store *gormrepository.Store) decimal.Decimal {
	t.Helper()
	bal, err := store.GetBalance(context.Background(), "user-1", usdc)
	require.NoError(t, err)
	require.NotNil(t, bal)
	return bal.LockedAmount
}

func TestCreateLocksTotalAmount(t *testing.T) {
	ctx := context.Background()
	svc, store := newStrategyService(t, 150)

	item, err := svc.Create(ctx, CreateStrategyInput{UserID: "user-1", Params: recurringBuy(100)})
	require.NoError(t, err)
	require.Equal(t, models.StrategyStatusActive, item.Status)
	require.Equal(t, models.StrategyTypeRecurringBuy, item.Type)
	require.NotNil(t, item.NextRunAt)
	require.Equal(t, 9, item.NextRunAt.Hour())
	require.True(t, lockedUSDC(t, store).Equal(decimal.NewFromInt(100)))

	_, err = svc.Create(ctx, CreateStrategyInput{UserID: "user-1", Params: recurringBuy(100)})
	require.True(t, apperr.Is(err, apperr.KindInsufficientBalance), "err=%v", err)

	items, err := svc.List(ctx, "user-1", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1, "failed create leaves no strategy behind")
}

func TestCreateRejectsInvalidParams(t *testing.T) {
	ctx := context.Background()
	svc, _ := newStrategyService(t, 1000)

	cases := map[string]CreateStrategyInput{
		"missing user": {Params: recurringBuy(100)},
		"unknown type": {UserID: "user-1", Type: "GRID", Params: recurringBuy(100)},
		"bad json":     {UserID: "user-1", Params: json.RawMessage(`{`)},
		"cap below":    {UserID: "user-1", Params: recurringBuy(5)},
	}
	for name, in := range cases {
		_, err := svc.Create(ctx, in)
		require.True(t, apperr.Is(err, apperr.KindValidation), "%s: err=%v", name, err)
	}
}

func TestPauseResumeStop(t *testing.T) {
	ctx := context.Background()
	svc, store := newStrategyService(t, 100)
	item, err := svc.Create(ctx, CreateStrategyInput{UserID: "user-1", Params: recurringBuy(100)})
	require.NoError(t, err)

	paused, err := svc.Pause(ctx, "user-1", item.ID)
	require.NoError(t, err)
	require.Equal(t, models.StrategyStatusPaused, paused.Status)

	_, err = svc.Pause(ctx, "user-1", item.ID)
	require.True(t, apperr.Is(err, apperr.KindConflict))

	svc.Now = func() time.Time { return time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC) }
	resumed, err := svc.Resume(ctx, "user-1", item.ID)
	require.NoError(t, err)
	require.Equal(t, models.StrategyStatusActive, resumed.Status)
	require.True(t, resumed.NextRunAt.Equal(time.Date(2030, 5, 2, 9, 0, 0, 0, time.UTC)), "next=%s", resumed.NextRunAt)

	require.NoError(t, store.AddStrategyTotals(ctx, item.ID, decimal.NewFromInt(30), decimal.NewFromInt(1), nil))
	require.NoError(t, store.DebitLocked(ctx, "user-1", usdc, decimal.NewFromInt(30)))

	stopped, err := svc.Stop(ctx, "user-1", item.ID)
	require.NoError(t, err)
	require.Equal(t, models.StrategyStatusStopped, stopped.Status)
	require.Nil(t, stopped.NextRunAt)
	require.True(t, lockedUSDC(t, store).IsZero())

	bal, err := store.GetBalance(ctx, "user-1", usdc)
	require.NoError(t, err)
	require.True(t, bal.Amount.Equal(decimal.NewFromInt(70)))

	_, err = svc.Stop(ctx, "user-1", item.ID)
	require.True(t, apperr.Is(err, apperr.KindConflict))
	_, err = svc.Resume(ctx, "user-1", item.ID)
	require.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestStopRefusedWhileExecutionOpen(t *testing.T) {
	ctx := context.Background()
	svc, store := newStrategyService(t, 100)
	item, err := svc.Create(ctx, CreateStrategyInput{UserID: "user-1", Params: recurringBuy(100)})
	require.NoError(t, err)
	require.NoError(t, store.CreateExecution(ctx, &models.Execution{StrategyID: item.ID, JobID: "job-1"}))

	_, err = svc.Stop(ctx, "user-1", item.ID)
	require.True(t, apperr.Is(err, apperr.KindExecutionInProgress))

	current, err := svc.Get(ctx, "user-1", item.ID)
	require.NoError(t, err)
	require.Equal(t, models.StrategyStatusActive, current.Status)
	require.True(t, lockedUSDC(t, store).Equal(decimal.NewFromInt(100)))
}

func TestGetHidesOtherUsersStrategies(t *testing.T) {
	ctx := context.Background()
	svc, _ := newStrategyService(t, 100)
	item, err := svc.Create(ctx, CreateStrategyInput{UserID: "user-1", Params: recurringBuy(100)})
	require.NoError(t, err)

	_, err = svc.Get(ctx, "user-2", item.ID)
	require.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = svc.Pause(ctx, "user-2", item.ID)
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = svc.Get(ctx, "", item.ID)
	require.NoError(t, err)
}

func TestReconciliationListsOperatorWork(t *testing.T) {
	ctx := context.Background()
	svc, store := newStrategyService(t, 100)
	item, err := svc.Create(ctx, CreateStrategyInput{UserID: "user-1", Params: recurringBuy(100)})
	require.NoError(t, err)

	stranded := &models.Execution{StrategyID: item.ID, JobID: "job-1"}
	require.NoError(t, store.CreateExecution(ctx, stranded))
	require.NoError(t, store.UpdateExecution(ctx, stranded.ID, models.ExecutionStatusFailed, map[string]any{
		"failure_kind": string(apperr.KindPayoutFailed),
		"swap_tx_hash": "0xabc",
	}))
	reverted := &models.Execution{StrategyID: item.ID, JobID: "job-2"}
	require.NoError(t, store.CreateExecution(ctx, reverted))
	require.NoError(t, store.UpdateExecution(ctx, reverted.ID, models.ExecutionStatusFailed, map[string]any{
		"failure_kind": string(apperr.KindOnChainFailure),
	}))
	crashed := &models.Execution{StrategyID: item.ID, JobID: "job-3", Status: models.ExecutionStatusExecuting}
	require.NoError(t, store.CreateExecution(ctx, crashed))

	rec, err := svc.Reconciliation(ctx, time.Hour, 50)
	require.NoError(t, err)
	require.Len(t, rec.Failures, 1)
	require.Equal(t, stranded.ID, rec.Failures[0].ID)
	require.Empty(t, rec.Stale)

	svc.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	rec, err = svc.Reconciliation(ctx, time.Hour, 50)
	require.NoError(t, err)
	require.Len(t, rec.Stale, 1)
	require.Equal(t, crashed.ID, rec.Stale[0].ID)
}

func TestFeatureSwitches(t *testing.T) {
	ctx := context.Background()
	flags := &SystemSettingsService{Repo: setupStore(t)}

	require.True(t, flags.IsEnabled(ctx, FeatureWorkers, true), "fallback before defaults exist")
	require.NoError(t, flags.EnsureDefaultSwitches(ctx))
	require.NoError(t, flags.SetEnabled(ctx, FeatureWorkers, false))
	require.NoError(t, flags.EnsureDefaultSwitches(ctx))
	require.False(t, flags.IsEnabled(ctx, FeatureWorkers, true), "defaults never override an operator")

	err := flags.SetEnabled(ctx, "feature.unknown", true)
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	switches, err := flags.Switches(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{FeatureDeposits, FeatureScheduler, FeatureWorkers}, []string{switches[0].Key, switches[1].Key, switches[2].Key})
	require.False(t, switches[2].Enabled)
}
