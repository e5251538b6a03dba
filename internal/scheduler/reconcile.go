package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reconciler periodically sweeps enabled configs and re-arms any whose
// timer went missing (a firing that failed to reschedule, a panic in a
// callback). The enabled-but-not-armed state is a health symptom; the sweep
// turns it into a recovery.
type Reconciler struct {
	cron   *cron.Cron
	orch   *Orchestrator
	logger *zap.Logger
}

func NewReconciler(orch *Orchestrator, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		cron:   cron.New(cron.WithSeconds()),
		orch:   orch,
		logger: logger,
	}
}

// Start registers the sweep every 5 minutes and starts the cron runner.
func (r *Reconciler) Start() {
	r.cron.AddFunc("0 */5 * * * *", func() {
		r.logger.Debug("Running: scheduler reconciliation")
		r.orch.Reconcile()
	})
	r.cron.Start()
	r.logger.Info("Scheduler reconciler started")
}

// Stop gracefully stops the cron runner; the returned context is done when
// any in-flight sweep has finished.
func (r *Reconciler) Stop() context.Context {
	return r.cron.Stop()
}

// Reconcile re-arms every enabled config that has no armed timer. A config
// whose firing is in flight re-arms itself moments later; the replace
// semantics of Arm make the overlap harmless.
func (o *Orchestrator) Reconcile() {
	defer o.recoverFromPanic("reconcile", "")

	configs, err := o.store.ListEnabled()
	if err != nil {
		o.logger.Error("Reconciliation list failed", zap.Error(err))
		return
	}

	for i := range configs {
		cfg := configs[i]
		key := JobKey(cfg.TenantID, cfg.IsLive, cfg.UserID)
		if o.registry.IsArmed(key) {
			continue
		}

		o.logger.Warn("Enabled config has no armed timer, re-arming",
			zap.String("job_key", key),
			zap.Uint("config_id", cfg.ID),
		)
		if err := o.StartJob(&cfg); err != nil {
			o.logger.Error("Reconciliation re-arm failed",
				zap.String("job_key", key),
				zap.Error(err),
			)
		}
	}
}
