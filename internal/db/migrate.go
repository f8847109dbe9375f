package db

import (
	"dcaengine/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.User{},
		&models.Strategy{},
		&models.Execution{},
		&models.Balance{},
		&models.Deposit{},
		&models.SystemSetting{},
	)
}
