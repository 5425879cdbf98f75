package campaign

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"leadpilot/internal/events"
	"leadpilot/internal/orchestrator"
	"leadpilot/internal/schedule"
	"leadpilot/internal/types"
)

// TaskStarter launches one task run. *orchestrator.Orchestrator
// satisfies it.
type TaskStarter interface {
	Start(ctx context.Context, task *types.Task) (string, error)
}

// RunnerConfig wires a ThrottledRunner's collaborators.
type RunnerConfig struct {
	Starter TaskStarter
	Bus     *events.Bus
	Logger  *zap.Logger

	// BusyRetryDelay is how long to wait before re-trying a lead whose
	// target resource was busy.
	BusyRetryDelay time.Duration

	// LeadRetryBackoff is the base delay before a failed lead becomes
	// eligible again; it scales linearly with the retry count.
	LeadRetryBackoff time.Duration

	// WindowPollInterval bounds how long the runner sleeps while
	// outside the campaign's schedule window.
	WindowPollInterval time.Duration
}

// ThrottledRunner processes a campaign's lead queue sequentially,
// spacing leads by a jittered delay from the throttle configuration and
// pausing outside the schedule window. One runner owns one campaign.
type ThrottledRunner struct {
	starter TaskStarter
	bus     *events.Bus
	logger  *zap.Logger

	busyDelay   time.Duration
	retryBase   time.Duration
	windowPoll  time.Duration
	now         func() time.Time
	jitter      func(min, max time.Duration) time.Duration

	mu       sync.RWMutex
	campaign *Campaign
	leads    []*Lead
	running  bool
	paused   bool
	resumeCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRunner creates a runner for one campaign. The campaign and leads
// are owned by the runner from here on; read them back via Snapshot.
func NewRunner(c *Campaign, leads []*Lead, cfg RunnerConfig) *ThrottledRunner {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BusyRetryDelay <= 0 {
		cfg.BusyRetryDelay = 15 * time.Second
	}
	if cfg.LeadRetryBackoff <= 0 {
		cfg.LeadRetryBackoff = time.Minute
	}
	if cfg.WindowPollInterval <= 0 {
		cfg.WindowPollInterval = time.Minute
	}
	for _, l := range leads {
		if l.Status == "" {
			l.Status = LeadPending
		}
		l.CampaignID = c.ID
	}
	c.Stats.TotalLeads = len(leads)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &ThrottledRunner{
		starter:    cfg.Starter,
		bus:        cfg.Bus,
		logger:     cfg.Logger.Named("campaign").With(zap.String("campaign_id", c.ID)),
		busyDelay:  cfg.BusyRetryDelay,
		retryBase:  cfg.LeadRetryBackoff,
		windowPoll: cfg.WindowPollInterval,
		now:        time.Now,
		jitter: func(min, max time.Duration) time.Duration {
			if max <= min {
				return min
			}
			return min + time.Duration(rng.Int63n(int64(max-min)))
		},
		campaign: c,
		leads:    leads,
		resumeCh: make(chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins processing on its own goroutine. Starting an already
// started or terminal campaign is an error.
func (r *ThrottledRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("campaign %s already running", r.campaign.ID)
	}
	if err := r.campaign.transition(StateRunning); err != nil {
		r.mu.Unlock()
		return err
	}
	r.running = true
	if r.campaign.Stats.StartedAt.IsZero() {
		r.campaign.Stats.StartedAt = r.now()
	}
	r.mu.Unlock()

	r.audit(AuditInfo, "", "", "campaign started")
	go r.loop(ctx)
	return nil
}

// Pause suspends processing between leads. The in-flight lead finishes.
func (r *ThrottledRunner) Pause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.paused || !r.campaign.State.CanTransition(StatePaused) {
		return false
	}
	if err := r.campaign.transition(StatePaused); err != nil {
		return false
	}
	r.paused = true
	return true
}

// Resume releases a paused runner.
func (r *ThrottledRunner) Resume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return false
	}
	if err := r.campaign.transition(StateRunning); err != nil {
		return false
	}
	r.paused = false
	close(r.resumeCh)
	r.resumeCh = make(chan struct{})
	return true
}

// Stop aborts the campaign. The in-flight lead's run completes; no
// further lead is dequeued.
func (r *ThrottledRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Done is closed when the processing loop exits.
func (r *ThrottledRunner) Done() <-chan struct{} {
	return r.done
}

// Snapshot returns copies of the campaign and its leads.
func (r *ThrottledRunner) Snapshot() (Campaign, []Lead) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := *r.campaign
	c.AuditLog = append([]AuditEntry(nil), r.campaign.AuditLog...)
	leads := make([]Lead, len(r.leads))
	for i, l := range r.leads {
		leads[i] = *l
	}
	return c, leads
}

// loop is the dequeue cycle: window check, pick lead, run, settle,
// jittered delay, repeat until the queue drains or the campaign trips.
func (r *ThrottledRunner) loop(ctx context.Context) {
	defer close(r.done)
	for {
		if r.stopped(ctx) {
			r.finish(StateStopped, "campaign stopped")
			return
		}
		if !r.waitResumed(ctx) {
			r.finish(StateStopped, "campaign stopped while paused")
			return
		}
		if wait, outside := r.outsideWindow(); outside {
			if !r.sleep(ctx, wait) {
				r.finish(StateStopped, "campaign stopped")
				return
			}
			continue
		}

		lead, wait := r.nextLead()
		if lead == nil {
			if wait <= 0 {
				r.finish(StateCompleted, "lead queue drained")
				return
			}
			// Only RETRY leads remain; sleep until the earliest one
			// becomes eligible.
			if !r.sleep(ctx, wait) {
				r.finish(StateStopped, "campaign stopped")
				return
			}
			continue
		}

		r.processLead(ctx, lead)

		r.mu.RLock()
		consec := r.campaign.ConsecutiveErrors
		tripped := consec >= r.campaign.maxConsecutive()
		minD := r.campaign.Throttle.MinDelay()
		maxD := r.campaign.Throttle.MaxDelay()
		r.mu.RUnlock()
		if tripped {
			r.finish(StateFailed, fmt.Sprintf("aborted after %d consecutive errors", consec))
			return
		}
		if !r.sleep(ctx, r.jitter(minD, maxD)) {
			r.finish(StateStopped, "campaign stopped")
			return
		}
	}
}

// processLead runs one lead's task to a terminal run state and settles
// the lead status from the outcome.
func (r *ThrottledRunner) processLead(ctx context.Context, lead *Lead) {
	r.setLeadStatus(lead, LeadProcessing, "")
	task := renderTask(r.campaign, lead)

	runID, err := r.starter.Start(ctx, task)
	if err != nil {
		if errors.Is(err, orchestrator.ErrResourceBusy) {
			r.audit(AuditWarn, lead.ID, "", "resource busy, lead re-queued")
			r.requeue(lead, r.busyDelay)
			return
		}
		r.settleFailure(lead, "", err)
		return
	}

	terminal := r.awaitRun(ctx, runID)
	r.mu.Lock()
	r.campaign.Stats.LastLeadAt = r.now()
	r.campaign.QueuePosition++
	r.mu.Unlock()

	switch terminal {
	case events.RunFinished:
		r.setLeadStatus(lead, LeadCompleted, "")
		r.mu.Lock()
		r.campaign.Stats.Completed++
		r.campaign.Stats.ActionsExecuted += len(task.Actions)
		r.campaign.ConsecutiveErrors = 0
		r.mu.Unlock()
		r.audit(AuditInfo, lead.ID, runID, "lead completed")
	case events.Stopped:
		r.setLeadStatus(lead, LeadCancelled, "run stopped")
		r.mu.Lock()
		r.campaign.Stats.Cancelled++
		r.mu.Unlock()
		r.audit(AuditWarn, lead.ID, runID, "lead run stopped")
	default:
		r.settleFailure(lead, runID, fmt.Errorf("run ended %s", terminal))
	}
}

// awaitRun blocks until the run reaches a terminal event or the context
// ends, returning the terminal event type.
func (r *ThrottledRunner) awaitRun(ctx context.Context, runID string) events.EventType {
	terminalCh := make(chan events.EventType, 1)
	push := func(evt events.Event) {
		switch evt.Type {
		case events.RunFinished, events.RunFailed, events.Stopped:
			select {
			case terminalCh <- evt.Type:
			default:
			}
		}
	}
	unsub := r.bus.OnRun(runID, push)
	defer unsub()

	// The run may have reached a terminal state before the subscription
	// landed; the bus history covers that gap.
	r.bus.ReplayRun(runID, push)

	select {
	case t := <-terminalCh:
		return t
	case <-ctx.Done():
		return events.Stopped
	}
}

// settleFailure applies the lead retry policy and the campaign's
// consecutive-error accounting.
func (r *ThrottledRunner) settleFailure(lead *Lead, runID string, err error) {
	r.mu.Lock()
	lead.RetryCount++
	lead.LastError = err.Error()
	lead.UpdatedAt = r.now()
	retriable := lead.RetryCount <= lead.MaxRetries
	if retriable {
		lead.Status = LeadRetry
		lead.NextRetryAt = r.now().Add(time.Duration(lead.RetryCount) * r.retryBase)
		r.campaign.Stats.Retried++
	} else {
		lead.Status = LeadFailed
		r.campaign.Stats.Failed++
	}
	r.campaign.ConsecutiveErrors++
	r.mu.Unlock()

	if retriable {
		r.audit(AuditWarn, lead.ID, runID, fmt.Sprintf("lead failed, retry %d scheduled: %v", lead.RetryCount, err))
	} else {
		r.audit(AuditError, lead.ID, runID, fmt.Sprintf("lead failed permanently: %v", err))
	}
}

// nextLead picks the best eligible lead: PENDING and due RETRY leads
// ordered by priority (desc) then queue order. When only not-yet-due
// RETRY leads remain it returns (nil, wait>0); a fully settled queue
// returns (nil, 0).
func (r *ThrottledRunner) nextLead() (*Lead, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var eligible []*Lead
	var earliestRetry time.Time
	for _, l := range r.leads {
		switch l.Status {
		case LeadPending, LeadQueued:
			eligible = append(eligible, l)
		case LeadRetry:
			if !l.NextRetryAt.After(now) {
				eligible = append(eligible, l)
			} else if earliestRetry.IsZero() || l.NextRetryAt.Before(earliestRetry) {
				earliestRetry = l.NextRetryAt
			}
		}
	}
	if len(eligible) == 0 {
		if earliestRetry.IsZero() {
			return nil, 0
		}
		return nil, earliestRetry.Sub(now)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Priority > eligible[j].Priority
	})
	return eligible[0], 0
}

// outsideWindow reports whether a schedule window is configured and now
// falls outside it, along with how long to wait before re-checking.
func (r *ThrottledRunner) outsideWindow() (time.Duration, bool) {
	r.mu.RLock()
	sched := r.campaign.Schedule
	r.mu.RUnlock()
	if sched == nil || sched.Type != schedule.TypeRecurring || sched.StartTime == "" || sched.EndTime == "" {
		return 0, false
	}
	win, err := schedule.CurrentWindow(*sched, r.now())
	if err != nil {
		r.logger.Warn("bad schedule window", zap.Error(err))
		return 0, false
	}
	if win.Active {
		return 0, false
	}
	wait := r.windowPoll
	if until := win.Start.Sub(r.now()); until > 0 && until < wait {
		wait = until
	}
	return wait, true
}

func (r *ThrottledRunner) requeue(lead *Lead, delay time.Duration) {
	r.mu.Lock()
	lead.Status = LeadRetry
	lead.NextRetryAt = r.now().Add(delay)
	lead.UpdatedAt = r.now()
	r.mu.Unlock()
}

func (r *ThrottledRunner) setLeadStatus(lead *Lead, status LeadStatus, errMsg string) {
	r.mu.Lock()
	lead.Status = status
	lead.LastError = errMsg
	lead.UpdatedAt = r.now()
	r.mu.Unlock()
}

// finish drives the campaign into a terminal state and marks leftover
// queue entries cancelled when stopping.
func (r *ThrottledRunner) finish(state State, msg string) {
	r.mu.Lock()
	if err := r.campaign.transition(state); err != nil {
		r.logger.Warn("rejected campaign transition", zap.Error(err))
	}
	if state == StateStopped {
		for _, l := range r.leads {
			if l.Status == LeadPending || l.Status == LeadQueued || l.Status == LeadRetry {
				l.Status = LeadCancelled
				r.campaign.Stats.Cancelled++
			}
		}
	}
	r.running = false
	r.mu.Unlock()

	level := AuditInfo
	if state == StateFailed {
		level = AuditError
	}
	r.audit(level, "", "", msg)
	r.logger.Info("campaign finished", zap.String("state", string(state)))
}

// audit appends to the campaign log and mirrors to the logger.
func (r *ThrottledRunner) audit(level AuditLevel, leadID, runID, msg string) {
	entry := AuditEntry{At: r.now(), Level: level, LeadID: leadID, RunID: runID, Message: msg}
	r.mu.Lock()
	r.campaign.AuditLog = append(r.campaign.AuditLog, entry)
	r.mu.Unlock()

	fields := []zap.Field{zap.String("message", msg)}
	if leadID != "" {
		fields = append(fields, zap.String("lead_id", leadID))
	}
	switch level {
	case AuditError:
		r.logger.Error("campaign audit", fields...)
	case AuditWarn:
		r.logger.Warn("campaign audit", fields...)
	default:
		r.logger.Info("campaign audit", fields...)
	}
}

// waitResumed parks while paused. Returns false when stopped instead.
func (r *ThrottledRunner) waitResumed(ctx context.Context) bool {
	for {
		r.mu.RLock()
		paused := r.paused
		ch := r.resumeCh
		r.mu.RUnlock()
		if !paused {
			return true
		}
		select {
		case <-ch:
		case <-r.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (r *ThrottledRunner) stopped(ctx context.Context) bool {
	select {
	case <-r.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep waits d unless stopped first.
func (r *ThrottledRunner) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
