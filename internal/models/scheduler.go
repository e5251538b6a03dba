package models

import "time"

// ScheduleType classifies how a scheduler config was set up in the UI.
// The authoritative schedule is always ScheduleExpression.
type ScheduleType string

const (
	ScheduleTypeDaily  ScheduleType = "daily"
	ScheduleTypeWeekly ScheduleType = "weekly"
	ScheduleTypeCustom ScheduleType = "custom"
)

// ExecutionStatus is the lifecycle state of one firing attempt.
type ExecutionStatus string

const (
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
	ExecutionStatusSkipped ExecutionStatus = "skipped"
)

// SchedulerConfig holds the recurring download schedule for one
// (tenant, environment, user) triple. At most one row exists per triple.
type SchedulerConfig struct {
	ID                 uint         `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TenantID           uint         `gorm:"column:tenant_id;uniqueIndex:idx_scheduler_configs_tenant_user_env,priority:1" json:"tenant_id"`
	UserID             uint         `gorm:"column:user_id;uniqueIndex:idx_scheduler_configs_tenant_user_env,priority:2" json:"user_id"`
	IsLive             bool         `gorm:"column:is_live;uniqueIndex:idx_scheduler_configs_tenant_user_env,priority:3" json:"is_live"`
	ScheduleType       ScheduleType `gorm:"column:schedule_type;size:20" json:"schedule_type"`
	ScheduleExpression string       `gorm:"column:schedule_expression;size:100" json:"schedule_expression"`
	TimeOfDay          string       `gorm:"column:time_of_day;size:5" json:"time_of_day"`
	IsEnabled          bool         `gorm:"column:is_enabled;index:idx_scheduler_configs_enabled" json:"is_enabled"`
	WebhookTarget      string       `gorm:"column:webhook_target;size:500" json:"webhook_target"`
	LastExecutedAt     *time.Time   `gorm:"column:last_executed_at" json:"last_executed_at"`
	NextExecutionAt    *time.Time   `gorm:"column:next_execution_at" json:"next_execution_at"`
	ExecutionCount     int64        `gorm:"column:execution_count;default:0" json:"execution_count"`
	FailureCount       int64        `gorm:"column:failure_count;default:0" json:"failure_count"`
	CreatedAt          time.Time    `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time    `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (SchedulerConfig) TableName() string {
	return "scheduler_configs"
}

// ScheduleExecution is the append-only record of one firing attempt.
// A row is created in status `running` before the workflow call and
// transitions exactly once to a terminal status.
type ScheduleExecution struct {
	ID                  uint            `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SchedulerConfigID   uint            `gorm:"column:scheduler_config_id;index:idx_schedule_executions_config_time,priority:1" json:"scheduler_config_id"`
	ExecutionTime       time.Time       `gorm:"column:execution_time;index:idx_schedule_executions_config_time,priority:2" json:"execution_time"`
	Status              ExecutionStatus `gorm:"column:status;size:20" json:"status"`
	ExternalExecutionID string          `gorm:"column:external_execution_id;size:100" json:"external_execution_id"`
	ErrorMessage        string          `gorm:"column:error_message;type:text" json:"error_message"`
	ExecutionDurationMs *int64          `gorm:"column:execution_duration_ms" json:"execution_duration_ms"`
	CreatedAt           time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (ScheduleExecution) TableName() string {
	return "schedule_executions"
}
