package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const DepositStatusConfirmed = "CONFIRMED"

// Deposit is written once, after on-chain verification. The unique tx hash is
// the replay guard.
type Deposit struct {
	ID            uint64          `gorm:"primaryKey;autoIncrement"`
	UserID        string          `gorm:"type:varchar(64);not null;index"`
	TxHash        string          `gorm:"type:varchar(80);not null;uniqueIndex"`
	TokenAddress  string          `gorm:"type:varchar(64);not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	RawAmount     string          `gorm:"type:varchar(80);not null"`
	FromAddress   string          `gorm:"type:varchar(64)"`
	Confirmations uint64
	Status        string `gorm:"type:varchar(20);not null;default:'CONFIRMED'"`

	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}

func (Deposit) TableName() string {
	return "deposits"
}
