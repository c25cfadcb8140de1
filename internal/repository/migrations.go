package repository

import (
	"fmt"

	"github.com/cyber-range/engine/internal/models"
	"gorm.io/gorm"
)

// registerModels returns all models that need migration
func registerModels() []interface{} {
	return []interface{}{
		&models.Deployment{},
	}
}

// Migrate creates or updates the schema for every registered model.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(registerModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return runCustomMigrations(db)
}

// runCustomMigrations handles schema changes AutoMigrate can't handle
func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		addLiveStatusIndex,
	}

	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}

	return nil
}

// addLiveStatusIndex speeds up recovery scans, which only look at live rows.
func addLiveStatusIndex(db *gorm.DB) error {
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_deployments_live_status
		ON deployments(status, created_at)
		WHERE deleted_at IS NULL
	`).Error
}
