package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"pulsecrm/internal/models"
)

// ScheduleExecutionRepository is the append-only ledger of firing attempts
// plus the aggregate counters on the owning config row.
type ScheduleExecutionRepository struct {
	db *gorm.DB
}

func NewScheduleExecutionRepository(db *gorm.DB) *ScheduleExecutionRepository {
	return &ScheduleExecutionRepository{db: db}
}

// CreateRunning inserts a new record in status `running` before the
// workflow call is made.
func (r *ScheduleExecutionRepository) CreateRunning(configID uint) (*models.ScheduleExecution, error) {
	exec := &models.ScheduleExecution{
		SchedulerConfigID: configID,
		ExecutionTime:     time.Now(),
		Status:            models.ExecutionStatusRunning,
	}
	if err := r.db.Create(exec).Error; err != nil {
		return nil, err
	}
	return exec, nil
}

// Complete performs the single terminal transition of an execution record.
// Scoping on status = running makes a second completion a no-op. Empty
// optional fields are omitted, not nulled.
func (r *ScheduleExecutionRepository) Complete(executionID uint, status models.ExecutionStatus, externalID, errMsg string, durationMs int64) error {
	updates := map[string]interface{}{
		"status":                status,
		"execution_duration_ms": durationMs,
	}
	if externalID != "" {
		updates["external_execution_id"] = externalID
	}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}

	return r.db.Model(&models.ScheduleExecution{}).
		Where("id = ? AND status = ?", executionID, models.ExecutionStatusRunning).
		Updates(updates).Error
}

// IncrementExecutionCount bumps the owning config's execution counter.
// Called once per firing, independent of the ledger record update.
func (r *ScheduleExecutionRepository) IncrementExecutionCount(configID uint) error {
	return r.db.Model(&models.SchedulerConfig{}).
		Where("id = ?", configID).
		Update("execution_count", gorm.Expr("execution_count + 1")).Error
}

// IncrementFailureCount bumps the owning config's failure counter. Called
// once per failed firing.
func (r *ScheduleExecutionRepository) IncrementFailureCount(configID uint) error {
	return r.db.Model(&models.SchedulerConfig{}).
		Where("id = ?", configID).
		Update("failure_count", gorm.Expr("failure_count + 1")).Error
}

// RecentExecutions returns the newest executions for a config.
func (r *ScheduleExecutionRepository) RecentExecutions(configID uint, limit int) ([]models.ScheduleExecution, error) {
	if limit <= 0 {
		limit = 10
	}
	var executions []models.ScheduleExecution
	err := r.db.Where("scheduler_config_id = ?", configID).
		Order("execution_time DESC").
		Limit(limit).
		Find(&executions).Error
	return executions, err
}

// LatestExecution returns the newest execution for a config, or nil when
// none exist.
func (r *ScheduleExecutionRepository) LatestExecution(configID uint) (*models.ScheduleExecution, error) {
	var exec models.ScheduleExecution
	err := r.db.Where("scheduler_config_id = ?", configID).
		Order("execution_time DESC").
		First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// UpdateExternalID attaches a workflow-side execution id to a record,
// typically replacing a synthesized one after a completion callback.
func (r *ScheduleExecutionRepository) UpdateExternalID(executionID uint, externalID string) error {
	return r.db.Model(&models.ScheduleExecution{}).
		Where("id = ?", executionID).
		Update("external_execution_id", externalID).Error
}
