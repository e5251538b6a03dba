package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pulsecrm/internal/models"
	"pulsecrm/internal/pkg/apperrors"
)

// ── Fakes ─────────────────────────────────────────────────────────────

type fakeStore struct {
	mu      sync.Mutex
	nextID  uint
	configs map[uint]*models.SchedulerConfig
}

func newFakeStore() *fakeStore {
	return &fakeStore{configs: make(map[uint]*models.SchedulerConfig)}
}

// seed inserts a config directly, bypassing validation. Used to model
// legacy rows.
func (s *fakeStore) seed(cfg models.SchedulerConfig) *models.SchedulerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cfg.ID = s.nextID
	s.configs[cfg.ID] = &cfg
	return &cfg
}

func (s *fakeStore) Save(cfg *models.SchedulerConfig) (*models.SchedulerConfig, error) {
	if !ValidateExpression(cfg.ScheduleExpression) {
		return nil, fmt.Errorf("%w: schedule expression %q", apperrors.ErrValidation, cfg.ScheduleExpression)
	}
	next := NextFireTime(cfg.ScheduleExpression, time.Now())
	cfg.NextExecutionAt = &next

	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.ID == 0 {
		for _, existing := range s.configs {
			if existing.TenantID == cfg.TenantID && existing.UserID == cfg.UserID && existing.IsLive == cfg.IsLive {
				return nil, fmt.Errorf("%w: scheduler config for tenant %d user %d", apperrors.ErrAlreadyExists, cfg.TenantID, cfg.UserID)
			}
		}
		s.nextID++
		cfg.ID = s.nextID
		clone := *cfg
		s.configs[cfg.ID] = &clone
		out := clone
		return &out, nil
	}

	existing, ok := s.configs[cfg.ID]
	if !ok || existing.TenantID != cfg.TenantID || existing.UserID != cfg.UserID || existing.IsLive != cfg.IsLive {
		return nil, fmt.Errorf("%w: scheduler config %d", apperrors.ErrNotFound, cfg.ID)
	}
	existing.ScheduleType = cfg.ScheduleType
	existing.ScheduleExpression = cfg.ScheduleExpression
	existing.TimeOfDay = cfg.TimeOfDay
	existing.IsEnabled = cfg.IsEnabled
	existing.WebhookTarget = cfg.WebhookTarget
	existing.NextExecutionAt = cfg.NextExecutionAt
	out := *existing
	return &out, nil
}

func (s *fakeStore) Get(tenantID uint, isLive bool, userID uint) (*models.SchedulerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cfg := range s.configs {
		if cfg.TenantID == tenantID && cfg.UserID == userID && cfg.IsLive == isLive {
			clone := *cfg
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) Delete(tenantID uint, isLive bool, userID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cfg := range s.configs {
		if cfg.TenantID == tenantID && cfg.UserID == userID && cfg.IsLive == isLive {
			delete(s.configs, id)
			return nil
		}
	}
	return fmt.Errorf("%w: scheduler config for tenant %d user %d", apperrors.ErrNotFound, tenantID, userID)
}

func (s *fakeStore) ListEnabled() ([]models.SchedulerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SchedulerConfig
	for _, cfg := range s.configs {
		if cfg.IsEnabled {
			out = append(out, *cfg)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkExecuted(configID uint, executedAt, nextAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[configID]
	if !ok {
		return fmt.Errorf("%w: scheduler config %d", apperrors.ErrNotFound, configID)
	}
	cfg.LastExecutedAt = &executedAt
	cfg.NextExecutionAt = &nextAt
	return nil
}

func (s *fakeStore) setEnabled(configID uint, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[configID].IsEnabled = enabled
}

type fakeLedger struct {
	mu         sync.Mutex
	nextID     uint
	executions []*models.ScheduleExecution
	execCounts map[uint]int
	failCounts map[uint]int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		execCounts: make(map[uint]int),
		failCounts: make(map[uint]int),
	}
}

func (l *fakeLedger) CreateRunning(configID uint) (*models.ScheduleExecution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	exec := &models.ScheduleExecution{
		ID:                l.nextID,
		SchedulerConfigID: configID,
		ExecutionTime:     time.Now(),
		Status:            models.ExecutionStatusRunning,
	}
	l.executions = append(l.executions, exec)
	clone := *exec
	return &clone, nil
}

func (l *fakeLedger) Complete(executionID uint, status models.ExecutionStatus, externalID, errMsg string, durationMs int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, exec := range l.executions {
		if exec.ID != executionID || exec.Status != models.ExecutionStatusRunning {
			continue
		}
		exec.Status = status
		if externalID != "" {
			exec.ExternalExecutionID = externalID
		}
		if errMsg != "" {
			exec.ErrorMessage = errMsg
		}
		exec.ExecutionDurationMs = &durationMs
		return nil
	}
	return nil
}

func (l *fakeLedger) IncrementExecutionCount(configID uint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.execCounts[configID]++
	return nil
}

func (l *fakeLedger) IncrementFailureCount(configID uint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failCounts[configID]++
	return nil
}

func (l *fakeLedger) RecentExecutions(configID uint, limit int) ([]models.ScheduleExecution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.ScheduleExecution
	for i := len(l.executions) - 1; i >= 0 && len(out) < limit; i-- {
		if l.executions[i].SchedulerConfigID == configID {
			out = append(out, *l.executions[i])
		}
	}
	return out, nil
}

func (l *fakeLedger) LatestExecution(configID uint) (*models.ScheduleExecution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.executions) - 1; i >= 0; i-- {
		if l.executions[i].SchedulerConfigID == configID {
			clone := *l.executions[i]
			return &clone, nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) UpdateExternalID(executionID uint, externalID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, exec := range l.executions {
		if exec.ID == executionID {
			exec.ExternalExecutionID = externalID
		}
	}
	return nil
}

func (l *fakeLedger) byConfig(configID uint) []models.ScheduleExecution {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.ScheduleExecution
	for _, exec := range l.executions {
		if exec.SchedulerConfigID == configID {
			out = append(out, *exec)
		}
	}
	return out
}

type fakeTrigger struct {
	mu      sync.Mutex
	result  TriggerResult
	calls   []TriggerPayload
	targets []string
}

func (t *fakeTrigger) Trigger(_ context.Context, target string, payload TriggerPayload) TriggerResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, payload)
	t.targets = append(t.targets, target)
	return t.result
}

func (t *fakeTrigger) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *fakeTrigger) lastCall() TriggerPayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[len(t.calls)-1]
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeStore, *fakeLedger, *fakeTrigger) {
	t.Helper()
	store := newFakeStore()
	ledger := newFakeLedger()
	trigger := &fakeTrigger{result: TriggerResult{Success: true, ExternalExecutionID: "wf-1"}}
	orch := NewOrchestrator(store, ledger, trigger, NewTimerRegistry(), Options{
		DefaultWebhookTarget: "http://workflow.local/run",
		CallbackURL:          "http://crm.local/api/scheduler/callback",
	}, zap.NewNop())
	return orch, store, ledger, trigger
}

func enabledConfig(tenantID, userID uint) *models.SchedulerConfig {
	return &models.SchedulerConfig{
		TenantID:           tenantID,
		UserID:             userID,
		IsLive:             true,
		ScheduleType:       models.ScheduleTypeDaily,
		ScheduleExpression: "0 23 * * *",
		TimeOfDay:          "23:00",
		IsEnabled:          true,
	}
}

// ── Tests ─────────────────────────────────────────────────────────────

func TestSaveConfigArmsEnabledJob(t *testing.T) {
	t.Parallel()
	orch, _, _, _ := newTestOrchestrator(t)

	saved, err := orch.SaveConfig(enabledConfig(1, 10))
	require.NoError(t, err)
	require.NotZero(t, saved.ID)
	require.NotNil(t, saved.NextExecutionAt)

	assert.True(t, orch.registry.IsArmed(JobKey(1, true, 10)))
}

func TestSaveConfigDuplicateRejected(t *testing.T) {
	t.Parallel()
	orch, store, _, _ := newTestOrchestrator(t)

	_, err := orch.SaveConfig(enabledConfig(1, 10))
	require.NoError(t, err)

	_, err = orch.SaveConfig(enabledConfig(1, 10))
	require.ErrorIs(t, err, apperrors.ErrAlreadyExists)

	assert.Len(t, store.configs, 1)
	assert.Equal(t, 1, orch.registry.Len())
}

func TestSaveConfigInvalidExpression(t *testing.T) {
	t.Parallel()
	orch, store, _, _ := newTestOrchestrator(t)

	cfg := enabledConfig(1, 10)
	cfg.ScheduleExpression = "* * *"
	_, err := orch.SaveConfig(cfg)
	require.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Empty(t, store.configs)
}

func TestSaveConfigDisableDisarms(t *testing.T) {
	t.Parallel()
	orch, _, _, _ := newTestOrchestrator(t)

	saved, err := orch.SaveConfig(enabledConfig(1, 10))
	require.NoError(t, err)
	require.True(t, orch.registry.IsArmed(JobKey(1, true, 10)))

	saved.IsEnabled = false
	_, err = orch.SaveConfig(saved)
	require.NoError(t, err)
	assert.False(t, orch.registry.IsArmed(JobKey(1, true, 10)))
}

func TestStartJobIdempotentReplace(t *testing.T) {
	t.Parallel()
	orch, _, _, _ := newTestOrchestrator(t)

	saved, err := orch.SaveConfig(enabledConfig(2, 20))
	require.NoError(t, err)

	require.NoError(t, orch.StartJob(saved))
	require.NoError(t, orch.StartJob(saved))

	assert.Equal(t, 1, orch.registry.Len())
	assert.True(t, orch.registry.IsArmed(JobKey(2, true, 20)))
}

func TestExecuteAndRescheduleSuccess(t *testing.T) {
	t.Parallel()
	orch, store, ledger, trigger := newTestOrchestrator(t)

	saved, err := orch.SaveConfig(enabledConfig(3, 30))
	require.NoError(t, err)

	orch.executeAndReschedule(*saved)

	executions := ledger.byConfig(saved.ID)
	require.Len(t, executions, 1)
	assert.Equal(t, models.ExecutionStatusSuccess, executions[0].Status)
	assert.Equal(t, "wf-1", executions[0].ExternalExecutionID)
	require.NotNil(t, executions[0].ExecutionDurationMs)

	assert.Equal(t, 1, ledger.execCounts[saved.ID])
	assert.Equal(t, 0, ledger.failCounts[saved.ID])
	assert.Equal(t, 1, trigger.callCount())
	assert.Equal(t, TriggerSourceScheduled, trigger.lastCall().TriggerSource)
	assert.Equal(t, saved.ID, trigger.lastCall().SchedulerConfigID)

	// Self-rescheduling: armed again for the next occurrence.
	assert.True(t, orch.registry.IsArmed(JobKey(3, true, 30)))

	fresh, err := store.Get(3, true, 30)
	require.NoError(t, err)
	require.NotNil(t, fresh.LastExecutedAt)
}

func TestExecuteAndRescheduleFailure(t *testing.T) {
	t.Parallel()
	orch, _, ledger, trigger := newTestOrchestrator(t)
	trigger.result = TriggerResult{Err: "workflow returned status 502"}

	saved, err := orch.SaveConfig(enabledConfig(4, 40))
	require.NoError(t, err)

	orch.executeAndReschedule(*saved)

	executions := ledger.byConfig(saved.ID)
	require.Len(t, executions, 1)
	assert.Equal(t, models.ExecutionStatusFailed, executions[0].Status)
	assert.Equal(t, "workflow returned status 502", executions[0].ErrorMessage)

	assert.Equal(t, 1, ledger.execCounts[saved.ID])
	assert.Equal(t, 1, ledger.failCounts[saved.ID])

	// Failure is recorded, not retried: still rescheduled.
	assert.True(t, orch.registry.IsArmed(JobKey(4, true, 40)))
}

func TestExecuteAndRescheduleHonorsDisable(t *testing.T) {
	t.Parallel()
	orch, store, ledger, _ := newTestOrchestrator(t)

	saved, err := orch.SaveConfig(enabledConfig(5, 50))
	require.NoError(t, err)

	// Disable races with the in-flight execution. Disarm first: the real
	// timer callback removes its registry entry before running.
	store.setEnabled(saved.ID, false)
	orch.registry.Disarm(JobKey(5, true, 50))

	orch.executeAndReschedule(*saved)

	require.Len(t, ledger.byConfig(saved.ID), 1)
	assert.False(t, orch.registry.IsArmed(JobKey(5, true, 50)), "must not re-arm a disabled config")
}

func TestExecuteAndRescheduleHonorsDelete(t *testing.T) {
	t.Parallel()
	orch, store, _, _ := newTestOrchestrator(t)

	saved, err := orch.SaveConfig(enabledConfig(6, 60))
	require.NoError(t, err)

	require.NoError(t, store.Delete(6, true, 60))
	orch.registry.Disarm(JobKey(6, true, 60))
	orch.executeAndReschedule(*saved)

	assert.False(t, orch.registry.IsArmed(JobKey(6, true, 60)))
}

func TestManualTrigger(t *testing.T) {
	t.Parallel()
	orch, store, ledger, trigger := newTestOrchestrator(t)

	saved, err := orch.SaveConfig(enabledConfig(7, 70))
	require.NoError(t, err)
	nextBefore := *saved.NextExecutionAt

	result, err := orch.ManualTrigger(7, true, 70)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, TriggerSourceManual, trigger.lastCall().TriggerSource)

	executions := ledger.byConfig(saved.ID)
	require.Len(t, executions, 1)
	assert.Equal(t, models.ExecutionStatusSuccess, executions[0].Status)

	// Out-of-band: the schedule is untouched.
	fresh, err := store.Get(7, true, 70)
	require.NoError(t, err)
	assert.Equal(t, nextBefore, *fresh.NextExecutionAt)
	assert.Nil(t, fresh.LastExecutedAt)
}

func TestManualTriggerNotFound(t *testing.T) {
	t.Parallel()
	orch, _, _, _ := newTestOrchestrator(t)

	_, err := orch.ManualTrigger(9, true, 99)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestInitializeAllIsolatesBadConfig(t *testing.T) {
	t.Parallel()
	orch, store, _, _ := newTestOrchestrator(t)

	bad := store.seed(models.SchedulerConfig{
		TenantID:           1,
		UserID:             11,
		IsLive:             true,
		ScheduleExpression: "legacy-garbage",
		IsEnabled:          true,
	})
	good := store.seed(models.SchedulerConfig{
		TenantID:           1,
		UserID:             12,
		IsLive:             true,
		ScheduleExpression: "0 6 * * *",
		IsEnabled:          true,
	})

	require.NoError(t, orch.InitializeAll())

	assert.True(t, orch.registry.IsArmed(JobKey(good.TenantID, good.IsLive, good.UserID)))
	assert.False(t, orch.registry.IsArmed(JobKey(bad.TenantID, bad.IsLive, bad.UserID)))
}

func TestShutdownAllStopsEverything(t *testing.T) {
	t.Parallel()
	orch, _, _, _ := newTestOrchestrator(t)

	_, err := orch.SaveConfig(enabledConfig(8, 80))
	require.NoError(t, err)
	cfg2 := enabledConfig(8, 81)
	_, err = orch.SaveConfig(cfg2)
	require.NoError(t, err)

	status, err := orch.Status(8, true, 80)
	require.NoError(t, err)
	assert.True(t, status.IsRunning)

	orch.ShutdownAll()

	status, err = orch.Status(8, true, 80)
	require.NoError(t, err)
	assert.False(t, status.IsRunning)
	assert.Equal(t, 0, orch.registry.Len())
}

func TestDeleteConfigDisarmsFirst(t *testing.T) {
	t.Parallel()
	orch, _, _, _ := newTestOrchestrator(t)

	_, err := orch.SaveConfig(enabledConfig(9, 90))
	require.NoError(t, err)

	require.NoError(t, orch.DeleteConfig(9, true, 90))
	assert.False(t, orch.registry.IsArmed(JobKey(9, true, 90)))

	require.ErrorIs(t, orch.DeleteConfig(9, true, 90), apperrors.ErrNotFound)
}

func TestStatusReportsRecentExecutions(t *testing.T) {
	t.Parallel()
	orch, _, _, _ := newTestOrchestrator(t)

	saved, err := orch.SaveConfig(enabledConfig(10, 100))
	require.NoError(t, err)

	orch.executeAndReschedule(*saved)

	status, err := orch.Status(10, true, 100)
	require.NoError(t, err)
	require.Len(t, status.RecentExecutions, 1)
	assert.Equal(t, models.ExecutionStatusSuccess, status.RecentExecutions[0].Status)
	require.NotNil(t, status.NextRunAt)
	assert.True(t, status.NextRunAt.After(time.Now()))
}

func TestListAllActiveReportsArmedState(t *testing.T) {
	t.Parallel()
	orch, store, _, _ := newTestOrchestrator(t)

	armed, err := orch.SaveConfig(enabledConfig(11, 110))
	require.NoError(t, err)
	orphan := store.seed(models.SchedulerConfig{
		TenantID:           11,
		UserID:             111,
		IsLive:             true,
		ScheduleExpression: "0 7 * * *",
		IsEnabled:          true,
	})

	jobs, err := orch.ListAllActive()
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	byKey := make(map[string]ActiveJob, len(jobs))
	for _, job := range jobs {
		byKey[job.JobKey] = job
	}
	assert.True(t, byKey[JobKey(armed.TenantID, armed.IsLive, armed.UserID)].IsArmed)
	assert.False(t, byKey[JobKey(orphan.TenantID, orphan.IsLive, orphan.UserID)].IsArmed)
}

func TestReconcileRearmsOrphanedJobs(t *testing.T) {
	t.Parallel()
	orch, store, _, _ := newTestOrchestrator(t)

	orphan := store.seed(models.SchedulerConfig{
		TenantID:           12,
		UserID:             120,
		IsLive:             true,
		ScheduleExpression: "0 5 * * *",
		IsEnabled:          true,
	})
	require.False(t, orch.registry.IsArmed(JobKey(12, true, 120)))

	orch.Reconcile()

	assert.True(t, orch.registry.IsArmed(JobKey(orphan.TenantID, orphan.IsLive, orphan.UserID)))
}

func TestRecordWorkflowCallback(t *testing.T) {
	t.Parallel()
	orch, _, ledger, trigger := newTestOrchestrator(t)
	trigger.result = TriggerResult{Success: true, ExternalExecutionID: "local-1", IDSynthesized: true}

	saved, err := orch.SaveConfig(enabledConfig(13, 130))
	require.NoError(t, err)
	orch.executeAndReschedule(*saved)

	require.NoError(t, orch.RecordWorkflowCallback(saved.ID, "wf-real-42", "completed"))

	latest, err := ledger.LatestExecution(saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "wf-real-42", latest.ExternalExecutionID)
	// Terminal status is never rewritten by a callback.
	assert.Equal(t, models.ExecutionStatusSuccess, latest.Status)

	require.ErrorIs(t, orch.RecordWorkflowCallback(999, "x", "completed"), apperrors.ErrNotFound)
}

func TestDefaultWebhookTargetApplied(t *testing.T) {
	t.Parallel()
	orch, _, _, trigger := newTestOrchestrator(t)

	cfg := enabledConfig(14, 140)
	cfg.WebhookTarget = ""
	saved, err := orch.SaveConfig(cfg)
	require.NoError(t, err)

	_, err = orch.ManualTrigger(14, true, 140)
	require.NoError(t, err)
	require.Equal(t, 1, trigger.callCount())
	assert.Equal(t, "http://workflow.local/run", trigger.targets[0])
	assert.Equal(t, "http://crm.local/api/scheduler/callback", trigger.lastCall().CallbackURL)
	assert.Equal(t, saved.ID, trigger.lastCall().SchedulerConfigID)
}
