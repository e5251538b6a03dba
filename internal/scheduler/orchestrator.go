package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pulsecrm/internal/models"
	"pulsecrm/internal/pkg/apperrors"
)

// ConfigStore persists scheduler configs. Implemented by
// repository.SchedulerConfigRepository.
type ConfigStore interface {
	// Save creates (id unset) or updates (id set) a config, validating the
	// schedule expression and recomputing next_execution_at.
	Save(cfg *models.SchedulerConfig) (*models.SchedulerConfig, error)
	// Get returns nil without error when no config exists for the triple.
	Get(tenantID uint, isLive bool, userID uint) (*models.SchedulerConfig, error)
	Delete(tenantID uint, isLive bool, userID uint) error
	ListEnabled() ([]models.SchedulerConfig, error)
	// MarkExecuted persists last_executed_at and a fresh next_execution_at
	// so status reads see forward progress while the workflow call is in
	// flight.
	MarkExecuted(configID uint, executedAt, nextAt time.Time) error
}

// ExecutionLedger records firing attempts and bumps the aggregate counters
// on the owning config row. Implemented by
// repository.ScheduleExecutionRepository.
type ExecutionLedger interface {
	CreateRunning(configID uint) (*models.ScheduleExecution, error)
	Complete(executionID uint, status models.ExecutionStatus, externalID, errMsg string, durationMs int64) error
	IncrementExecutionCount(configID uint) error
	IncrementFailureCount(configID uint) error
	RecentExecutions(configID uint, limit int) ([]models.ScheduleExecution, error)
	LatestExecution(configID uint) (*models.ScheduleExecution, error)
	UpdateExternalID(executionID uint, externalID string) error
}

// Options carries the deployment-level settings the orchestrator needs.
// They are explicit constructor arguments, never read from the environment.
type Options struct {
	// DefaultWebhookTarget is used when a config has no webhook_target.
	DefaultWebhookTarget string
	// CallbackURL is the address the workflow reports completion back to.
	CallbackURL string
	// RecentLimit bounds the execution history returned by Status.
	RecentLimit int
}

// JobStatus is the monitoring view of one job.
type JobStatus struct {
	Config           *models.SchedulerConfig    `json:"config"`
	JobKey           string                     `json:"job_key"`
	IsRunning        bool                       `json:"is_running"`
	NextRunAt        *time.Time                 `json:"next_run_at"`
	LastRunAt        *time.Time                 `json:"last_run_at"`
	RecentExecutions []models.ScheduleExecution `json:"recent_executions"`
}

// ActiveJob is one entry of the admin view over enabled configs. An enabled
// config that is not armed signals a missed StartJob.
type ActiveJob struct {
	JobKey          string     `json:"job_key"`
	ConfigID        uint       `json:"config_id"`
	TenantID        uint       `json:"tenant_id"`
	UserID          uint       `json:"user_id"`
	IsLive          bool       `json:"is_live"`
	IsArmed         bool       `json:"is_armed"`
	NextExecutionAt *time.Time `json:"next_execution_at"`
}

// Orchestrator owns the per-user recurring download jobs: it persists
// configuration through the store, arms timers in the registry, fires the
// workflow trigger and records every attempt in the ledger.
type Orchestrator struct {
	store    ConfigStore
	ledger   ExecutionLedger
	trigger  WorkflowTrigger
	registry *TimerRegistry
	opts     Options
	logger   *zap.Logger
}

func NewOrchestrator(store ConfigStore, ledger ExecutionLedger, trigger WorkflowTrigger, registry *TimerRegistry, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 10
	}
	return &Orchestrator{
		store:    store,
		ledger:   ledger,
		trigger:  trigger,
		registry: registry,
		opts:     opts,
		logger:   logger,
	}
}

// SaveConfig persists the config and immediately re-derives the timer from
// the saved row, so the persisted is_enabled flag and the in-memory timer
// can never diverge.
func (o *Orchestrator) SaveConfig(cfg *models.SchedulerConfig) (*models.SchedulerConfig, error) {
	saved, err := o.store.Save(cfg)
	if err != nil {
		return nil, err
	}

	if saved.IsEnabled {
		if err := o.StartJob(saved); err != nil {
			return nil, err
		}
	} else {
		o.StopJob(saved)
	}
	return saved, nil
}

// GetConfig fetches the config for the triple.
func (o *Orchestrator) GetConfig(tenantID uint, isLive bool, userID uint) (*models.SchedulerConfig, error) {
	cfg, err := o.store.Get(tenantID, isLive, userID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: scheduler config for %s", apperrors.ErrNotFound, JobKey(tenantID, isLive, userID))
	}
	return cfg, nil
}

// DeleteConfig disarms the job and removes the config row.
func (o *Orchestrator) DeleteConfig(tenantID uint, isLive bool, userID uint) error {
	o.registry.Disarm(JobKey(tenantID, isLive, userID))
	return o.store.Delete(tenantID, isLive, userID)
}

// StartJob arms (or re-arms) the timer for cfg. Re-arming replaces the
// previous timer for the key, so calling it twice leaves exactly one.
func (o *Orchestrator) StartJob(cfg *models.SchedulerConfig) error {
	if !ValidateExpression(cfg.ScheduleExpression) {
		return fmt.Errorf("%w: schedule expression %q", apperrors.ErrValidation, cfg.ScheduleExpression)
	}

	key := JobKey(cfg.TenantID, cfg.IsLive, cfg.UserID)

	now := time.Now()
	fireAt := NextFireTime(cfg.ScheduleExpression, now)
	if cfg.NextExecutionAt != nil && cfg.NextExecutionAt.After(now) {
		fireAt = *cfg.NextExecutionAt
	}

	snapshot := *cfg
	o.registry.Arm(key, fireAt, snapshot, func() {
		o.executeAndReschedule(snapshot)
	})

	o.logger.Info("Download job armed",
		zap.String("job_key", key),
		zap.Time("fire_at", fireAt),
	)
	return nil
}

// StopJob disarms the timer for cfg's job key, if any.
func (o *Orchestrator) StopJob(cfg *models.SchedulerConfig) {
	key := JobKey(cfg.TenantID, cfg.IsLive, cfg.UserID)
	o.registry.Disarm(key)
	o.logger.Info("Download job disarmed", zap.String("job_key", key))
}

// executeAndReschedule is the timer callback: record the attempt, fire the
// workflow, complete the ledger row and re-arm from the freshly fetched
// config. The job always reschedules, success or failure.
func (o *Orchestrator) executeAndReschedule(cfg models.SchedulerConfig) {
	key := JobKey(cfg.TenantID, cfg.IsLive, cfg.UserID)
	defer o.recoverFromPanic("executeAndReschedule", key)

	start := time.Now()
	o.logger.Debug("Download job firing",
		zap.String("job_key", key),
		zap.Uint("config_id", cfg.ID),
	)

	exec, err := o.ledger.CreateRunning(cfg.ID)
	if err != nil {
		o.logger.Error("Failed to record execution start",
			zap.String("job_key", key),
			zap.Error(err),
		)
		o.rearm(cfg)
		return
	}

	if err := o.store.MarkExecuted(cfg.ID, start, NextFireTime(cfg.ScheduleExpression, start)); err != nil {
		o.logger.Error("Failed to persist execution progress",
			zap.String("job_key", key),
			zap.Error(err),
		)
	}

	result := o.fire(cfg, TriggerSourceScheduled)
	durationMs := time.Since(start).Milliseconds()

	if result.Success {
		o.completeExecution(exec.ID, models.ExecutionStatusSuccess, result, durationMs, key)
		o.bumpCounters(cfg.ID, false, key)
		o.logger.Info("Download job completed",
			zap.String("job_key", key),
			zap.String("external_execution_id", result.ExternalExecutionID),
			zap.Bool("id_synthesized", result.IDSynthesized),
			zap.Int64("duration_ms", durationMs),
		)
	} else {
		o.completeExecution(exec.ID, models.ExecutionStatusFailed, result, durationMs, key)
		o.bumpCounters(cfg.ID, true, key)
		o.logger.Error("Download job failed, waiting for next occurrence",
			zap.String("job_key", key),
			zap.String("error", result.Err),
		)
	}

	o.rearm(cfg)
}

// ManualTrigger fires the workflow once, out-of-band from the schedule. It
// records a ledger row but leaves the timer and next_execution_at untouched.
func (o *Orchestrator) ManualTrigger(tenantID uint, isLive bool, userID uint) (TriggerResult, error) {
	cfg, err := o.GetConfig(tenantID, isLive, userID)
	if err != nil {
		return TriggerResult{}, err
	}

	key := JobKey(tenantID, isLive, userID)
	start := time.Now()

	exec, err := o.ledger.CreateRunning(cfg.ID)
	if err != nil {
		return TriggerResult{}, err
	}

	result := o.fire(*cfg, TriggerSourceManual)
	durationMs := time.Since(start).Milliseconds()

	status := models.ExecutionStatusSuccess
	if !result.Success {
		status = models.ExecutionStatusFailed
	}
	o.completeExecution(exec.ID, status, result, durationMs, key)

	o.logger.Info("Manual trigger finished",
		zap.String("job_key", key),
		zap.Bool("success", result.Success),
	)
	return result, nil
}

// InitializeAll rebuilds every timer from persisted enabled configs at
// process startup. One bad config (e.g. an unparsable legacy expression) is
// logged and skipped; it never prevents arming the rest.
func (o *Orchestrator) InitializeAll() error {
	configs, err := o.store.ListEnabled()
	if err != nil {
		return fmt.Errorf("list enabled configs: %w", err)
	}

	armed := 0
	for i := range configs {
		cfg := configs[i]
		if err := o.StartJob(&cfg); err != nil {
			o.logger.Error("Skipping config during startup",
				zap.Uint("config_id", cfg.ID),
				zap.String("job_key", JobKey(cfg.TenantID, cfg.IsLive, cfg.UserID)),
				zap.Error(err),
			)
			continue
		}
		armed++
	}

	o.logger.Info("Scheduler initialized",
		zap.Int("armed", armed),
		zap.Int("enabled", len(configs)),
	)
	return nil
}

// ShutdownAll disarms every timer. Firings already in flight run to
// completion; their re-arm attempt targets a cleared registry, which the
// next startup's InitializeAll supersedes anyway.
func (o *Orchestrator) ShutdownAll() {
	o.registry.Clear()
	o.logger.Info("Scheduler shut down, all timers cleared")
}

// Status reports the config, whether its timer is armed, the best-known
// next/last run times and the most recent executions.
func (o *Orchestrator) Status(tenantID uint, isLive bool, userID uint) (*JobStatus, error) {
	cfg, err := o.GetConfig(tenantID, isLive, userID)
	if err != nil {
		return nil, err
	}

	key := JobKey(tenantID, isLive, userID)

	status := &JobStatus{
		Config:    cfg,
		JobKey:    key,
		IsRunning: o.registry.IsArmed(key),
		NextRunAt: cfg.NextExecutionAt,
		LastRunAt: cfg.LastExecutedAt,
	}
	if fireAt, ok := o.registry.NextFireAt(key); ok {
		status.NextRunAt = &fireAt
	}

	executions, err := o.ledger.RecentExecutions(cfg.ID, o.opts.RecentLimit)
	if err != nil {
		return nil, err
	}
	status.RecentExecutions = executions

	return status, nil
}

// ListAllActive reports every enabled config with its armed state.
func (o *Orchestrator) ListAllActive() ([]ActiveJob, error) {
	configs, err := o.store.ListEnabled()
	if err != nil {
		return nil, err
	}

	jobs := make([]ActiveJob, 0, len(configs))
	for _, cfg := range configs {
		key := JobKey(cfg.TenantID, cfg.IsLive, cfg.UserID)
		jobs = append(jobs, ActiveJob{
			JobKey:          key,
			ConfigID:        cfg.ID,
			TenantID:        cfg.TenantID,
			UserID:          cfg.UserID,
			IsLive:          cfg.IsLive,
			IsArmed:         o.registry.IsArmed(key),
			NextExecutionAt: cfg.NextExecutionAt,
		})
	}
	return jobs, nil
}

// RecordWorkflowCallback handles a completion report from the workflow
// system. When the workflow supplies its own execution id it is attached to
// the latest ledger row for the config; terminal statuses are never
// rewritten.
func (o *Orchestrator) RecordWorkflowCallback(configID uint, externalExecutionID, status string) error {
	latest, err := o.ledger.LatestExecution(configID)
	if err != nil {
		return err
	}
	if latest == nil {
		return fmt.Errorf("%w: no executions for config %d", apperrors.ErrNotFound, configID)
	}

	o.logger.Info("Workflow completion callback received",
		zap.Uint("config_id", configID),
		zap.String("external_execution_id", externalExecutionID),
		zap.String("workflow_status", status),
	)

	if externalExecutionID != "" && externalExecutionID != latest.ExternalExecutionID {
		return o.ledger.UpdateExternalID(latest.ID, externalExecutionID)
	}
	return nil
}

// fire resolves the webhook target and performs one bounded trigger call.
func (o *Orchestrator) fire(cfg models.SchedulerConfig, source string) TriggerResult {
	target := cfg.WebhookTarget
	if target == "" {
		target = o.opts.DefaultWebhookTarget
	}

	ctx, cancel := context.WithTimeout(context.Background(), triggerTimeout)
	defer cancel()

	return o.trigger.Trigger(ctx, target, TriggerPayload{
		TenantID:          cfg.TenantID,
		UserID:            cfg.UserID,
		IsLive:            cfg.IsLive,
		ScheduleType:      cfg.ScheduleType,
		TriggerSource:     source,
		CallbackURL:       o.opts.CallbackURL,
		SchedulerConfigID: cfg.ID,
	})
}

func (o *Orchestrator) completeExecution(executionID uint, status models.ExecutionStatus, result TriggerResult, durationMs int64, key string) {
	if err := o.ledger.Complete(executionID, status, result.ExternalExecutionID, result.Err, durationMs); err != nil {
		o.logger.Error("Failed to complete execution record",
			zap.String("job_key", key),
			zap.Uint("execution_id", executionID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) bumpCounters(configID uint, failed bool, key string) {
	if err := o.ledger.IncrementExecutionCount(configID); err != nil {
		o.logger.Error("Failed to increment execution count",
			zap.String("job_key", key),
			zap.Error(err),
		)
	}
	if !failed {
		return
	}
	if err := o.ledger.IncrementFailureCount(configID); err != nil {
		o.logger.Error("Failed to increment failure count",
			zap.String("job_key", key),
			zap.Error(err),
		)
	}
}

// rearm closes the self-rescheduling loop: re-fetch the config and arm again
// only if it is still present and enabled. A disable racing with the firing
// is honored here, at completion time.
func (o *Orchestrator) rearm(cfg models.SchedulerConfig) {
	key := JobKey(cfg.TenantID, cfg.IsLive, cfg.UserID)

	fresh, err := o.store.Get(cfg.TenantID, cfg.IsLive, cfg.UserID)
	if err != nil {
		o.logger.Error("Reschedule fetch failed, job lapses until reconciliation",
			zap.String("job_key", key),
			zap.Error(err),
		)
		return
	}
	if fresh == nil || !fresh.IsEnabled {
		o.logger.Info("Config disabled or removed, not rescheduling",
			zap.String("job_key", key),
		)
		return
	}

	if err := o.StartJob(fresh); err != nil {
		o.logger.Error("Reschedule failed",
			zap.String("job_key", key),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) recoverFromPanic(op, key string) {
	if r := recover(); r != nil {
		o.logger.Error("Scheduler operation panicked",
			zap.String("op", op),
			zap.String("job_key", key),
			zap.Any("error", r),
		)
	}
}
