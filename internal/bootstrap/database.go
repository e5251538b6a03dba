package bootstrap

import (
	"fmt"

	"gorm.io/gorm"

	"pulsecrm/internal/models"
)

// Migrate ensures the scheduler tables exist.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.SchedulerConfig{},
		&models.ScheduleExecution{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	return nil
}
