package campaign

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"leadpilot/internal/schedule"
)

// Arm registers the runner's campaign with the scheduler so the next
// schedule occurrence starts processing. The campaign moves to
// SCHEDULED; the fire callback moves it to RUNNING via Start. A
// campaign without a schedule cannot be armed.
func (r *ThrottledRunner) Arm(ctx context.Context, s *schedule.Scheduler) error {
	r.mu.Lock()
	c := r.campaign
	if c.Schedule == nil {
		r.mu.Unlock()
		return fmt.Errorf("campaign %s has no schedule", c.ID)
	}
	if err := c.transition(StateScheduled); err != nil {
		r.mu.Unlock()
		return err
	}
	id, sched := c.ID, *c.Schedule
	r.mu.Unlock()

	return s.Add(id, sched, func() {
		if err := r.Start(ctx); err != nil {
			r.logger.Warn("scheduled start rejected", zap.Error(err))
		}
	})
}

// Disarm removes the campaign from the scheduler.
func (r *ThrottledRunner) Disarm(s *schedule.Scheduler) {
	r.mu.RLock()
	id := r.campaign.ID
	r.mu.RUnlock()
	s.Remove(id)
}
