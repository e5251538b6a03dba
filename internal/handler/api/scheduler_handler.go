package api

import (
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"pulsecrm/internal/models"
	"pulsecrm/internal/scheduler"
)

// SchedulerHandler is the thin HTTP surface over the scheduler
// orchestrator: bind, delegate, map errors.
type SchedulerHandler struct {
	orch   *scheduler.Orchestrator
	logger *zap.Logger
}

func NewSchedulerHandler(orch *scheduler.Orchestrator, logger *zap.Logger) *SchedulerHandler {
	return &SchedulerHandler{orch: orch, logger: logger}
}

// SaveConfig creates or updates the scheduler config for a user.
// POST /api/scheduler/config
func (h *SchedulerHandler) SaveConfig(c echo.Context) error {
	var req models.SaveSchedulerConfigRequest
	if err := c.Bind(&req); err != nil {
		return badRequestResponse(c, "Invalid request body")
	}
	if req.TenantID == 0 || req.UserID == 0 {
		return badRequestResponse(c, "tenant_id and user_id are required")
	}

	scheduleType := models.ScheduleType(req.ScheduleType)
	switch scheduleType {
	case models.ScheduleTypeDaily, models.ScheduleTypeWeekly, models.ScheduleTypeCustom:
	case "":
		scheduleType = models.ScheduleTypeDaily
	default:
		return badRequestResponse(c, "schedule_type must be daily, weekly or custom")
	}

	cfg := &models.SchedulerConfig{
		ID:                 req.ID,
		TenantID:           req.TenantID,
		UserID:             req.UserID,
		IsLive:             req.IsLive,
		ScheduleType:       scheduleType,
		ScheduleExpression: req.ScheduleExpression,
		TimeOfDay:          req.TimeOfDay,
		IsEnabled:          req.IsEnabled,
		WebhookTarget:      req.WebhookTarget,
	}

	saved, err := h.orch.SaveConfig(cfg)
	if err != nil {
		h.logger.Warn("Save scheduler config failed",
			zap.Uint("tenant_id", req.TenantID),
			zap.Uint("user_id", req.UserID),
			zap.Error(err),
		)
		return errorResponse(c, err)
	}
	return successResponse(c, "Scheduler config saved", saved)
}

// GetConfig returns the scheduler config for a user.
// GET /api/scheduler/config?tenant_id=..&user_id=..&is_live=..
func (h *SchedulerHandler) GetConfig(c echo.Context) error {
	tenantID, userID, isLive, ok := tripleParams(c)
	if !ok {
		return badRequestResponse(c, "tenant_id and user_id are required")
	}

	cfg, err := h.orch.GetConfig(tenantID, isLive, userID)
	if err != nil {
		return errorResponse(c, err)
	}
	return successResponse(c, "Scheduler config", cfg)
}

// DeleteConfig removes the scheduler config and disarms its job.
// DELETE /api/scheduler/config?tenant_id=..&user_id=..&is_live=..
func (h *SchedulerHandler) DeleteConfig(c echo.Context) error {
	tenantID, userID, isLive, ok := tripleParams(c)
	if !ok {
		return badRequestResponse(c, "tenant_id and user_id are required")
	}

	if err := h.orch.DeleteConfig(tenantID, isLive, userID); err != nil {
		return errorResponse(c, err)
	}
	return successResponse(c, "Scheduler config deleted", nil)
}

// GetStatus reports the job state and recent executions.
// GET /api/scheduler/status?tenant_id=..&user_id=..&is_live=..
func (h *SchedulerHandler) GetStatus(c echo.Context) error {
	tenantID, userID, isLive, ok := tripleParams(c)
	if !ok {
		return badRequestResponse(c, "tenant_id and user_id are required")
	}

	status, err := h.orch.Status(tenantID, isLive, userID)
	if err != nil {
		return errorResponse(c, err)
	}
	return successResponse(c, "Scheduler status", status)
}

// ManualTrigger fires the download workflow once, out-of-band from the
// schedule.
// POST /api/scheduler/trigger
func (h *SchedulerHandler) ManualTrigger(c echo.Context) error {
	var req struct {
		TenantID uint `json:"tenant_id"`
		UserID   uint `json:"user_id"`
		IsLive   bool `json:"is_live"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequestResponse(c, "Invalid request body")
	}
	if req.TenantID == 0 || req.UserID == 0 {
		return badRequestResponse(c, "tenant_id and user_id are required")
	}

	result, err := h.orch.ManualTrigger(req.TenantID, req.IsLive, req.UserID)
	if err != nil {
		return errorResponse(c, err)
	}
	return successResponse(c, "Manual trigger finished", result)
}

// ListActive is the admin view over enabled configs and their armed state.
// GET /api/scheduler/active
func (h *SchedulerHandler) ListActive(c echo.Context) error {
	jobs, err := h.orch.ListAllActive()
	if err != nil {
		return errorResponse(c, err)
	}
	return successResponse(c, "Active scheduler jobs", jobs)
}

// WorkflowCallback receives the completion report from the external
// workflow system.
// POST /api/scheduler/callback
func (h *SchedulerHandler) WorkflowCallback(c echo.Context) error {
	var req models.WorkflowCallbackRequest
	if err := c.Bind(&req); err != nil {
		return badRequestResponse(c, "Invalid request body")
	}
	if req.SchedulerConfigID == 0 {
		return badRequestResponse(c, "scheduler_config_id is required")
	}

	if err := h.orch.RecordWorkflowCallback(req.SchedulerConfigID, req.ExecutionID, req.Status); err != nil {
		return errorResponse(c, err)
	}
	return successResponse(c, "Callback recorded", nil)
}

func tripleParams(c echo.Context) (tenantID, userID uint, isLive, ok bool) {
	tenant, err := strconv.ParseUint(c.QueryParam("tenant_id"), 10, 32)
	if err != nil || tenant == 0 {
		return 0, 0, false, false
	}
	user, err := strconv.ParseUint(c.QueryParam("user_id"), 10, 32)
	if err != nil || user == 0 {
		return 0, 0, false, false
	}
	live, _ := strconv.ParseBool(c.QueryParam("is_live"))
	return uint(tenant), uint(user), live, true
}
