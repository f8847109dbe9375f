package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ExecutionStatusPending   = "PENDING"
	ExecutionStatusExecuting = "EXECUTING"
	ExecutionStatusCompleted = "COMPLETED"
	ExecutionStatusFailed    = "FAILED"
)

// Execution is one attempted run of a strategy. One row per queue job; queue
// retries of the same job reuse the row.
type Execution struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	StrategyID uint64 `gorm:"not null;index"`
	JobID      string `gorm:"type:varchar(64);index"`

	Status string `gorm:"type:varchar(20);not null;default:'PENDING';index"`

	FromToken    string          `gorm:"type:varchar(64)"`
	ToToken      string          `gorm:"type:varchar(64)"`
	Amount       decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0"`
	ActualAmount decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0"`

	ApprovalTxHash string `gorm:"type:varchar(80)"`
	SwapTxHash     string `gorm:"type:varchar(80);index"`
	PayoutTxHash   string `gorm:"type:varchar(80)"`

	FailureKind string `gorm:"type:varchar(40);index"`
	Error       string `gorm:"type:text"`
	RetryCount  int    `gorm:"not null;default:0"`

	StartedAt   *time.Time
	CompletedAt *time.Time

	CreatedAt time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Execution) TableName() string {
	return "executions"
}

func (e Execution) IsOpen() bool {
	return e.Status == ExecutionStatusPending || e.Status == ExecutionStatusExecuting
}
