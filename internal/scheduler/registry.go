package scheduler

import (
	"fmt"
	"sync"
	"time"

	"pulsecrm/internal/models"
)

// JobKey derives the deterministic identifier of one logical recurring job.
// It is stable across saves of the same config, so re-arming a key always
// replaces its timer instead of duplicating it.
func JobKey(tenantID uint, isLive bool, userID uint) string {
	env := "test"
	if isLive {
		env = "live"
	}
	return fmt.Sprintf("sched:%d:%s:%d", tenantID, env, userID)
}

type activeTimer struct {
	timer  *time.Timer
	fireAt time.Time
	config models.SchedulerConfig
}

// TimerRegistry maps job keys to live, cancellable timers. It is the only
// shared mutable state of the scheduler and is safe for concurrent use by
// firing callbacks. Construct one per process (or per test) and inject it.
type TimerRegistry struct {
	mu     sync.Mutex
	timers map[string]*activeTimer
}

func NewTimerRegistry() *TimerRegistry {
	return &TimerRegistry{timers: make(map[string]*activeTimer)}
}

// Arm schedules callback at fireAt under jobKey, replacing any timer already
// registered for that key. The entry is removed just before the callback
// runs, so IsArmed is false while a firing is in flight.
func (r *TimerRegistry) Arm(jobKey string, fireAt time.Time, cfg models.SchedulerConfig, callback func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.timers[jobKey]; ok {
		existing.timer.Stop()
		delete(r.timers, jobKey)
	}

	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}

	entry := &activeTimer{fireAt: fireAt, config: cfg}
	entry.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		if current, ok := r.timers[jobKey]; ok && current == entry {
			delete(r.timers, jobKey)
		}
		r.mu.Unlock()
		callback()
	})
	r.timers[jobKey] = entry
}

// Disarm cancels and removes the timer for jobKey. No-op if absent. A firing
// already in flight is not interrupted; it makes its own reschedule decision
// from the config state at completion time.
func (r *TimerRegistry) Disarm(jobKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.timers[jobKey]; ok {
		entry.timer.Stop()
		delete(r.timers, jobKey)
	}
}

func (r *TimerRegistry) IsArmed(jobKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.timers[jobKey]
	return ok
}

// NextFireAt reports the fire time the key is armed for.
func (r *TimerRegistry) NextFireAt(jobKey string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.timers[jobKey]
	if !ok {
		return time.Time{}, false
	}
	return entry.fireAt, true
}

// Clear disarms every timer. Used at shutdown; tolerates timers that have
// already fired concurrently.
func (r *TimerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, entry := range r.timers {
		entry.timer.Stop()
		delete(r.timers, key)
	}
}

// Len reports how many timers are currently armed.
func (r *TimerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.timers)
}
