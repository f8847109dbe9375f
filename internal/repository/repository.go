package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"dcaengine/internal/models"
)

var (
	ErrDuplicateKey        = errors.New("duplicate key")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrExecutionInProgress = errors.New("execution already in progress for strategy")
)

// Repository is the ledger store consumed by the scheduler, the execution
// state machine, the deposit service and the strategy lifecycle service.
// Getters return (nil, nil) when the row does not exist.
type Repository interface {
	// WithTx runs fn against a repository bound to a single store
	// transaction. Balance writes must go through the same tx as the
	// strategy/execution/deposit write that justifies them.
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	// Strategies
	CreateStrategy(ctx context.Context, item *models.Strategy) error
	GetStrategy(ctx context.Context, id uint64) (*models.Strategy, error)
	ListStrategies(ctx context.Context, params ListStrategiesParams) ([]models.Strategy, error)
	FindDueStrategies(ctx context.Context, now time.Time, limit int) ([]models.Strategy, error)
	UpdateStrategy(ctx context.Context, id uint64, updates map[string]any) error
	TransitionStrategyStatus(ctx context.Context, id uint64, from []string, to string) (bool, error)
	AddStrategyTotals(ctx context.Context, id uint64, invested, received decimal.Decimal, nextRunAt *time.Time) error

	// Executions
	CreateExecution(ctx context.Context, item *models.Execution) error
	ReopenExecution(ctx context.Context, id uint64) error
	GetExecution(ctx context.Context, id uint64) (*models.Execution, error)
	GetExecutionByJobID(ctx context.Context, jobID string) (*models.Execution, error)
	UpdateExecution(ctx context.Context, id uint64, status string, updates map[string]any) error
	ListExecutions(ctx context.Context, params ListExecutionsParams) ([]models.Execution, error)
	CountCompletedExecutions(ctx context.Context, strategyID uint64) (int64, error)
	CountOpenExecutions(ctx context.Context, strategyID uint64) (int64, error)

	// Balances
	GetBalance(ctx context.Context, userID, token string) (*models.Balance, error)
	ListBalances(ctx context.Context, userID string) ([]models.Balance, error)
	UpsertBalance(ctx context.Context, item *models.Balance) error
	CreditBalance(ctx context.Context, userID, token string, amount decimal.Decimal) error
	LockBalance(ctx context.Context, userID, token string, amount decimal.Decimal) error
	ReleaseLock(ctx context.Context, userID, token string, amount decimal.Decimal) error
	DebitLocked(ctx context.Context, userID, token string, amount decimal.Decimal) error

	// Deposits
	CreateDeposit(ctx context.Context, item *models.Deposit) error
	GetDepositByTxHash(ctx context.Context, txHash string) (*models.Deposit, error)
	ListDeposits(ctx context.Context, userID string, limit, offset int) ([]models.Deposit, error)

	// Users
	GetUser(ctx context.Context, id string) (*models.User, error)
	UpsertUser(ctx context.Context, item *models.User) error

	// System settings
	UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error
	GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error)
	ListSystemSettings(ctx context.Context) ([]models.SystemSetting, error)
}

type ListStrategiesParams struct {
	UserID  *string
	Status  *string
	Limit   int
	Offset  int
	OrderBy string
	Asc     *bool
}

type ListExecutionsParams struct {
	StrategyID    *uint64
	Statuses      []string
	FailureKinds  []string
	CreatedBefore *time.Time
	Limit         int
	Offset        int
	OrderBy       string
	Asc           *bool
}
