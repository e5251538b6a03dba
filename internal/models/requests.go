package models

// APIResponse is the standard JSON envelope returned by every API handler.
type APIResponse struct {
	Status bool        `json:"status"`
	Msg    string      `json:"msg"`
	Obj    interface{} `json:"obj"`
}

// SaveSchedulerConfigRequest creates (no id) or updates (with id) a
// scheduler config.
type SaveSchedulerConfigRequest struct {
	ID                 uint   `json:"id"`
	TenantID           uint   `json:"tenant_id"`
	UserID             uint   `json:"user_id"`
	IsLive             bool   `json:"is_live"`
	ScheduleType       string `json:"schedule_type"`
	ScheduleExpression string `json:"schedule_expression"`
	TimeOfDay          string `json:"time_of_day"`
	IsEnabled          bool   `json:"is_enabled"`
	WebhookTarget      string `json:"webhook_target"`
}

// WorkflowCallbackRequest is posted by the external workflow system to
// report its own execution id and outcome for a triggered download.
type WorkflowCallbackRequest struct {
	SchedulerConfigID uint   `json:"scheduler_config_id"`
	ExecutionID       string `json:"execution_id"`
	Status            string `json:"status"`
	Message           string `json:"message"`
}
