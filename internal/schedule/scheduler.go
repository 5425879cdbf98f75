package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxTimerDelay caps a single timer arm. Longer waits are re-derived by
// the reconciliation pass, which also self-heals drifted or lost timers.
const maxTimerDelay = 24 * time.Hour

// defaultReconcileEvery is the period of the reconciliation pass.
const defaultReconcileEvery = 60 * time.Second

// Job is the externally visible state of one scheduled entry.
type Job struct {
	ID        string    `json:"id"`
	Schedule  Schedule  `json:"schedule"`
	NextRunAt time.Time `json:"next_run_at,omitempty"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	Active    bool      `json:"active"`
}

type job struct {
	id        string
	schedule  Schedule
	fire      func()
	timer     *time.Timer
	nextRunAt time.Time
	lastRunAt time.Time
	active    bool
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Logger         *zap.Logger
	ReconcileEvery time.Duration
	Now            func() time.Time
}

// Scheduler maintains one timer per active schedule and re-arms
// recurring schedules after each fire.
type Scheduler struct {
	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time
	every  time.Duration
	jobs   map[string]*job

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a stopped scheduler; call Start to enable the
// reconciliation loop. Timers fire regardless of Start.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = defaultReconcileEvery
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		logger: cfg.Logger.Named("scheduler"),
		now:    cfg.Now,
		every:  cfg.ReconcileEvery,
		jobs:   make(map[string]*job),
		stopCh: make(chan struct{}),
	}
}

// Add registers a schedule and arms its first timer. The fire callback
// runs on the timer goroutine and must return promptly.
func (s *Scheduler) Add(id string, sched Schedule, fire func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return fmt.Errorf("schedule %s already registered", id)
	}
	j := &job{id: id, schedule: sched, fire: fire, active: true}
	s.jobs[id] = j
	s.armLocked(j)
	if j.nextRunAt.IsZero() {
		j.active = false
		return fmt.Errorf("schedule %s has no future occurrence", id)
	}
	s.logger.Info("schedule armed",
		zap.String("id", id),
		zap.Time("next_run_at", j.nextRunAt))
	return nil
}

// Remove deactivates a schedule and stops its timer.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	j.active = false
	if j.timer != nil {
		j.timer.Stop()
	}
	delete(s.jobs, id)
}

// Jobs returns a snapshot of all registered schedules.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, Job{
			ID:        j.id,
			Schedule:  j.schedule,
			NextRunAt: j.nextRunAt,
			LastRunAt: j.lastRunAt,
			Active:    j.active,
		})
	}
	return out
}

// NextRun reports the computed next fire time for a schedule.
func (s *Scheduler) NextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.nextRunAt.IsZero() {
		return time.Time{}, false
	}
	return j.nextRunAt, true
}

// Start launches the periodic reconciliation pass. It re-derives
// nextRunAt for every active schedule and re-arms any timer that
// drifted or was lost, e.g. after a process restart.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Reconcile()
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts reconciliation and all timers.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.timer != nil {
			j.timer.Stop()
		}
	}
}

// Reconcile recomputes and re-arms every active schedule.
func (s *Scheduler) Reconcile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if !j.active {
			continue
		}
		next, ok := NextRunTime(j.schedule, s.now())
		if !ok {
			j.active = false
			if j.timer != nil {
				j.timer.Stop()
			}
			j.nextRunAt = time.Time{}
			continue
		}
		if !next.Equal(j.nextRunAt) || j.timer == nil {
			s.logger.Debug("reconcile re-armed schedule",
				zap.String("id", j.id),
				zap.Time("next_run_at", next))
			j.nextRunAt = next
			s.armTimerLocked(j)
		}
	}
}

// armLocked computes nextRunAt and arms the timer.
func (s *Scheduler) armLocked(j *job) {
	next, ok := NextRunTime(j.schedule, s.now())
	if !ok {
		j.nextRunAt = time.Time{}
		return
	}
	j.nextRunAt = next
	s.armTimerLocked(j)
}

// armTimerLocked arms the timer for j.nextRunAt, capping the single
// delay at maxTimerDelay.
func (s *Scheduler) armTimerLocked(j *job) {
	if j.timer != nil {
		j.timer.Stop()
	}
	delay := j.nextRunAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	if delay > maxTimerDelay {
		delay = maxTimerDelay
	}
	id := j.id
	j.timer = time.AfterFunc(delay, func() { s.onFire(id) })
}

// onFire runs when a timer elapses. A capped timer that fired early is
// simply re-armed; a fire against a removed or deactivated schedule is
// a no-op.
func (s *Scheduler) onFire(id string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || !j.active {
		s.mu.Unlock()
		return
	}
	now := s.now()
	if now.Before(j.nextRunAt) {
		s.armTimerLocked(j)
		s.mu.Unlock()
		return
	}
	fire := j.fire
	j.lastRunAt = now
	if j.schedule.Type == TypeRecurring {
		s.armLocked(j)
		if j.nextRunAt.IsZero() {
			j.active = false
		}
	} else {
		j.active = false
		j.nextRunAt = time.Time{}
	}
	s.mu.Unlock()

	if fire != nil {
		fire()
	}
}
