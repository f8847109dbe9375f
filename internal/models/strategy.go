package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	StrategyTypeRecurringBuy = "RECURRING_BUY"

	StrategyStatusActive    = "ACTIVE"
	StrategyStatusPaused    = "PAUSED"
	StrategyStatusStopped   = "STOPPED"
	StrategyStatusCompleted = "COMPLETED"
)

// Strategy is a user's recurring-buy plan. Params holds the type-specific
// parameter document; decode it with strategy.DecodeParams, never ad hoc.
type Strategy struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	UserID string `gorm:"type:varchar(64);not null;index"`
	Type   string `gorm:"type:varchar(30);not null"`
	Status string `gorm:"type:varchar(20);not null;default:'ACTIVE';index:idx_strategies_due,priority:1"`

	Params datatypes.JSON `gorm:"not null"`

	TotalInvested decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0"`
	TotalReceived decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0"`

	NextRunAt *time.Time `gorm:"index:idx_strategies_due,priority:2"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Strategy) TableName() string {
	return "strategies"
}

func (s Strategy) IsTerminal() bool {
	return s.Status == StrategyStatusStopped || s.Status == StrategyStatusCompleted
}
