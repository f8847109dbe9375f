package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is the ledger row for one (user, token). LockedAmount never exceeds
// Amount; both are in whole-token units, not base units.
type Balance struct {
	ID           uint64          `gorm:"primaryKey;autoIncrement"`
	UserID       string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_balances_user_token"`
	TokenAddress string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_balances_user_token"`
	Amount       decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0"`
	LockedAmount decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Balance) TableName() string {
	return "balances"
}

func (b Balance) Available() decimal.Decimal {
	return b.Amount.Sub(b.LockedAmount)
}
