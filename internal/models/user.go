package models

import "time"

// User is owned by the account layer; the engine only reads the payout wallet.
type User struct {
	ID            string `gorm:"type:varchar(64);primaryKey"`
	WalletAddress string `gorm:"type:varchar(64)"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (User) TableName() string {
	return "users"
}
