package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"pulsecrm/internal/models"
	"pulsecrm/internal/pkg/apperrors"
	"pulsecrm/internal/scheduler"
)

// SchedulerConfigRepository handles scheduler config rows. One row exists
// per (tenant_id, user_id, is_live); a duplicate create is rejected, never
// upserted.
type SchedulerConfigRepository struct {
	db *gorm.DB
}

func NewSchedulerConfigRepository(db *gorm.DB) *SchedulerConfigRepository {
	return &SchedulerConfigRepository{db: db}
}

// Save creates the config when cfg.ID is unset, otherwise updates the row
// scoped by (id, tenant_id, user_id, is_live). The schedule expression is
// validated and next_execution_at recomputed on every save.
func (r *SchedulerConfigRepository) Save(cfg *models.SchedulerConfig) (*models.SchedulerConfig, error) {
	if !scheduler.ValidateExpression(cfg.ScheduleExpression) {
		return nil, fmt.Errorf("%w: schedule expression %q", apperrors.ErrValidation, cfg.ScheduleExpression)
	}

	next := scheduler.NextFireTime(cfg.ScheduleExpression, time.Now())
	cfg.NextExecutionAt = &next

	if cfg.ID == 0 {
		var count int64
		err := r.db.Model(&models.SchedulerConfig{}).
			Where("tenant_id = ? AND user_id = ? AND is_live = ?", cfg.TenantID, cfg.UserID, cfg.IsLive).
			Count(&count).Error
		if err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, fmt.Errorf("%w: scheduler config for tenant %d user %d", apperrors.ErrAlreadyExists, cfg.TenantID, cfg.UserID)
		}

		if err := r.db.Create(cfg).Error; err != nil {
			return nil, err
		}
		return cfg, nil
	}

	res := r.db.Model(&models.SchedulerConfig{}).
		Where("id = ? AND tenant_id = ? AND user_id = ? AND is_live = ?", cfg.ID, cfg.TenantID, cfg.UserID, cfg.IsLive).
		Updates(map[string]interface{}{
			"schedule_type":       cfg.ScheduleType,
			"schedule_expression": cfg.ScheduleExpression,
			"time_of_day":         cfg.TimeOfDay,
			"is_enabled":          cfg.IsEnabled,
			"webhook_target":      cfg.WebhookTarget,
			"next_execution_at":   cfg.NextExecutionAt,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: scheduler config %d", apperrors.ErrNotFound, cfg.ID)
	}

	return r.findByID(cfg.ID)
}

// Get returns the config for the triple, or nil when absent.
func (r *SchedulerConfigRepository) Get(tenantID uint, isLive bool, userID uint) (*models.SchedulerConfig, error) {
	var cfg models.SchedulerConfig
	err := r.db.Where("tenant_id = ? AND is_live = ? AND user_id = ?", tenantID, isLive, userID).
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Delete removes the config for the triple.
func (r *SchedulerConfigRepository) Delete(tenantID uint, isLive bool, userID uint) error {
	res := r.db.Where("tenant_id = ? AND is_live = ? AND user_id = ?", tenantID, isLive, userID).
		Delete(&models.SchedulerConfig{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: scheduler config for tenant %d user %d", apperrors.ErrNotFound, tenantID, userID)
	}
	return nil
}

// ListEnabled returns every enabled config. Used at startup and by the
// reconciliation sweep.
func (r *SchedulerConfigRepository) ListEnabled() ([]models.SchedulerConfig, error) {
	var configs []models.SchedulerConfig
	err := r.db.Where("is_enabled = ?", true).Find(&configs).Error
	return configs, err
}

// MarkExecuted records forward progress on the config row before the
// workflow call resolves.
func (r *SchedulerConfigRepository) MarkExecuted(configID uint, executedAt, nextAt time.Time) error {
	return r.db.Model(&models.SchedulerConfig{}).
		Where("id = ?", configID).
		Updates(map[string]interface{}{
			"last_executed_at":  executedAt,
			"next_execution_at": nextAt,
		}).Error
}

func (r *SchedulerConfigRepository) findByID(id uint) (*models.SchedulerConfig, error) {
	var cfg models.SchedulerConfig
	if err := r.db.First(&cfg, id).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}
