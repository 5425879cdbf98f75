package compliance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"leadpilot/internal/events"
	"leadpilot/internal/types"
)

// DenyReason names why the gate refused an action.
type DenyReason string

const (
	DenyNone       DenyReason = ""
	DenyRateLimit  DenyReason = "RATE_LIMIT_HIT"
	DenyTimeWindow DenyReason = "TIME_WINDOW_BLOCKED"
)

// Decision is the outcome of a policy check. When RequiresApproval is
// set, Approval carries the pending request the caller must wait on.
type Decision struct {
	Allowed          bool
	RequiresApproval bool
	Approval         *ApprovalRequest
	Reason           DenyReason
	ResetAt          time.Time
}

// GateConfig configures a compliance gate.
type GateConfig struct {
	Throttle    ThrottleConfig
	Bus         *events.Bus
	Logger      *zap.Logger
	ApprovalTTL time.Duration // defaults to DefaultApprovalTTL

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type approvalRecord struct {
	req   *ApprovalRequest
	timer *time.Timer
	done  chan struct{}
}

// Gate enforces throttle policy and owns the approval-request registry.
// All state is in-memory; Reset clears it.
type Gate struct {
	mu     sync.Mutex
	cfg    ThrottleConfig
	ttl    time.Duration
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time

	actions       []time.Time // allowed-action timestamps, pruned to 24h
	burst         []time.Time
	cooldownUntil time.Time
	firstAllowed  time.Time

	approvals map[string]*approvalRecord
}

// NewGate creates a gate publishing on bus.
func NewGate(cfg GateConfig) *Gate {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = DefaultApprovalTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{
		cfg:       cfg.Throttle,
		ttl:       cfg.ApprovalTTL,
		bus:       cfg.Bus,
		logger:    cfg.Logger.Named("compliance"),
		now:       cfg.Now,
		approvals: make(map[string]*approvalRecord),
	}
}

// SetThrottle swaps the throttle limits at runtime (config hot-reload).
func (g *Gate) SetThrottle(cfg ThrottleConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	g.logger.Info("throttle config updated",
		zap.Int("per_hour_cap", cfg.PerHourCap),
		zap.Int("per_day_cap", cfg.PerDayCap))
}

// CheckAction evaluates policy for one action. Non-sensitive actions
// are allowed immediately as long as rate caps hold. Sensitive actions
// additionally pass quiet hours and burst control, and come back with a
// pending ApprovalRequest the caller must resolve before executing.
func (g *Gate) CheckAction(action types.Action, runID string) Decision {
	g.mu.Lock()

	now := g.now()
	g.prune(now)

	if resetAt, limited := g.rateLimitedLocked(now); limited {
		g.mu.Unlock()
		g.emitDenied(events.RateLimitHit, action, runID, resetAt)
		return Decision{Reason: DenyRateLimit, ResetAt: resetAt}
	}

	if !action.Kind.RequiresApproval() {
		g.recordLocked(now)
		g.mu.Unlock()
		return Decision{Allowed: true}
	}

	if end, blocked := g.inQuietHours(now); blocked {
		g.mu.Unlock()
		g.emitDenied(events.TimeWindowBlocked, action, runID, end)
		return Decision{Reason: DenyTimeWindow, ResetAt: end}
	}

	if resetAt, locked := g.burstLockedOut(now); locked {
		g.mu.Unlock()
		g.emitDenied(events.RateLimitHit, action, runID, resetAt)
		return Decision{Reason: DenyRateLimit, ResetAt: resetAt}
	}

	g.recordLocked(now)
	g.burst = append(g.burst, now)

	req := &ApprovalRequest{
		ID:        uuid.NewString(),
		RunID:     runID,
		Action:    action,
		Reason:    approvalReason(action),
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
		Status:    ApprovalPending,
	}
	rec := &approvalRecord{req: req, done: make(chan struct{})}
	rec.timer = time.AfterFunc(g.ttl, func() { g.expire(req.ID) })
	g.approvals[req.ID] = rec
	reqCopy := *req
	g.mu.Unlock()

	evt := events.New(events.NeedsApproval, runID)
	evt.ApprovalID = req.ID
	evt.Action = action.Kind
	evt.Message = req.Reason
	g.emit(evt)

	g.logger.Info("approval required",
		zap.String("approval_id", req.ID),
		zap.String("run_id", runID),
		zap.String("action", string(action.Kind)))

	return Decision{Allowed: true, RequiresApproval: true, Approval: &reqCopy}
}

// ApproveAction resolves a pending request as approved.
func (g *Gate) ApproveAction(id string) error {
	return g.resolve(id, ApprovalApproved, "")
}

// DenyAction resolves a pending request as denied.
func (g *Gate) DenyAction(id, reason string) error {
	return g.resolve(id, ApprovalDenied, reason)
}

// GetApprovalRequest returns a copy of the request, if known.
func (g *Gate) GetApprovalRequest(id string) (ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.approvals[id]
	if !ok {
		return ApprovalRequest{}, false
	}
	return *rec.req, true
}

// PendingApprovals lists all unresolved requests.
func (g *Gate) PendingApprovals() []ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ApprovalRequest, 0, len(g.approvals))
	for _, rec := range g.approvals {
		if rec.req.Status == ApprovalPending {
			out = append(out, *rec.req)
		}
	}
	return out
}

// AwaitResolution blocks until the request resolves or ctx is done,
// and returns the final status. This is the one-shot rendezvous the
// workflow engine suspends on.
func (g *Gate) AwaitResolution(ctx context.Context, id string) (ApprovalStatus, error) {
	g.mu.Lock()
	rec, ok := g.approvals[id]
	if !ok {
		g.mu.Unlock()
		return "", fmt.Errorf("unknown approval request %s", id)
	}
	if rec.req.Resolved() {
		status := rec.req.Status
		g.mu.Unlock()
		return status, nil
	}
	done := rec.done
	g.mu.Unlock()

	select {
	case <-done:
		g.mu.Lock()
		status := rec.req.Status
		g.mu.Unlock()
		return status, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Reset clears counters and outstanding approvals. Pending timers are
// stopped without emitting events. Intended for tests and teardown.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.actions = nil
	g.burst = nil
	g.cooldownUntil = time.Time{}
	g.firstAllowed = time.Time{}
	for _, rec := range g.approvals {
		rec.timer.Stop()
		if !rec.req.Resolved() {
			rec.req.Status = ApprovalDenied
			close(rec.done)
		}
	}
	g.approvals = make(map[string]*approvalRecord)
}

func (g *Gate) resolve(id string, status ApprovalStatus, reason string) error {
	g.mu.Lock()
	rec, ok := g.approvals[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("unknown approval request %s", id)
	}
	if rec.req.Resolved() {
		g.mu.Unlock()
		return fmt.Errorf("approval request %s already %s", id, rec.req.Status)
	}
	rec.timer.Stop()
	rec.req.Status = status
	rec.req.DenyReason = reason
	rec.req.ResolvedAt = g.now()
	runID := rec.req.RunID
	kind := rec.req.Action.Kind
	close(rec.done)
	g.mu.Unlock()

	evtType := events.ApprovalGranted
	if status == ApprovalDenied {
		evtType = events.ApprovalDenied
	}
	evt := events.New(evtType, runID)
	evt.ApprovalID = id
	evt.Action = kind
	evt.Message = reason
	g.emit(evt)
	return nil
}

// expire fires from the TTL timer. Resolving and expiring race on the
// pending check, so the timeout event is emitted at most once.
func (g *Gate) expire(id string) {
	g.mu.Lock()
	rec, ok := g.approvals[id]
	if !ok || rec.req.Resolved() {
		g.mu.Unlock()
		return
	}
	rec.req.Status = ApprovalExpired
	rec.req.ResolvedAt = g.now()
	runID := rec.req.RunID
	kind := rec.req.Action.Kind
	close(rec.done)
	g.mu.Unlock()

	evt := events.New(events.ApprovalTimeout, runID)
	evt.ApprovalID = id
	evt.Action = kind
	g.emit(evt)

	g.logger.Warn("approval request expired",
		zap.String("approval_id", id),
		zap.String("run_id", runID))
}

// rateLimitedLocked checks the rolling hourly and daily caps, the
// daily one tightened by the progressive ramp.
func (g *Gate) rateLimitedLocked(now time.Time) (time.Time, bool) {
	if g.cfg.PerHourCap > 0 {
		hourAgo := now.Add(-time.Hour)
		count := 0
		var oldest time.Time
		for _, t := range g.actions {
			if t.After(hourAgo) {
				if count == 0 {
					oldest = t
				}
				count++
			}
		}
		if count >= g.cfg.PerHourCap {
			return oldest.Add(time.Hour), true
		}
	}

	dayCap := g.effectiveDayCap(now)
	if dayCap > 0 {
		dayAgo := now.Add(-24 * time.Hour)
		count := 0
		var oldest time.Time
		for _, t := range g.actions {
			if t.After(dayAgo) {
				if count == 0 {
					oldest = t
				}
				count++
			}
		}
		if count >= dayCap {
			return oldest.Add(24 * time.Hour), true
		}
	}
	return time.Time{}, false
}

// effectiveDayCap applies the progressive ramp: the cap starts at
// StartCap on the gate's first day of activity and grows by RampPerDay
// each whole day, saturating at MaxCap. The configured PerDayCap still
// bounds the result.
func (g *Gate) effectiveDayCap(now time.Time) int {
	limit := g.cfg.PerDayCap
	ramp := g.cfg.ProgressiveRamp
	if !ramp.Enabled || ramp.StartCap <= 0 {
		return limit
	}
	days := 0
	if !g.firstAllowed.IsZero() {
		days = int(now.Sub(g.firstAllowed).Hours() / 24)
	}
	ramped := ramp.StartCap + days*ramp.RampPerDay
	if ramp.MaxCap > 0 && ramped > ramp.MaxCap {
		ramped = ramp.MaxCap
	}
	if limit == 0 || ramped < limit {
		return ramped
	}
	return limit
}

// inQuietHours reports whether now falls inside the blocked window and
// returns when the window ends. Start is inclusive, end exclusive;
// overnight windows span midnight.
func (g *Gate) inQuietHours(now time.Time) (time.Time, bool) {
	q := g.cfg.QuietHours
	if !q.Enabled {
		return time.Time{}, false
	}
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start, ok1 := atClock(local, q.Start)
	end, ok2 := atClock(local, q.End)
	if !ok1 || !ok2 {
		return time.Time{}, false
	}
	if start.After(end) {
		// Overnight window, e.g. 22:00-06:00.
		if !local.Before(start) {
			return end.Add(24 * time.Hour), true
		}
		if local.Before(end) {
			return end, true
		}
		return time.Time{}, false
	}
	if !local.Before(start) && local.Before(end) {
		return end, true
	}
	return time.Time{}, false
}

func (g *Gate) burstLockedOut(now time.Time) (time.Time, bool) {
	b := g.cfg.BurstControl
	if b.MaxActionsPerBurst <= 0 {
		return time.Time{}, false
	}
	if now.Before(g.cooldownUntil) {
		return g.cooldownUntil, true
	}
	cutoff := now.Add(-b.BurstWindow())
	kept := g.burst[:0]
	for _, t := range g.burst {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.burst = kept
	if len(g.burst) >= b.MaxActionsPerBurst {
		g.cooldownUntil = now.Add(b.Cooldown())
		return g.cooldownUntil, true
	}
	return time.Time{}, false
}

func (g *Gate) recordLocked(now time.Time) {
	if g.firstAllowed.IsZero() {
		g.firstAllowed = now
	}
	g.actions = append(g.actions, now)
}

func (g *Gate) prune(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	kept := g.actions[:0]
	for _, t := range g.actions {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.actions = kept
}

func (g *Gate) emitDenied(t events.EventType, action types.Action, runID string, resetAt time.Time) {
	evt := events.New(t, runID)
	evt.Action = action.Kind
	evt.ResetAt = resetAt
	g.emit(evt)
}

func (g *Gate) emit(evt events.Event) {
	if g.bus != nil {
		g.bus.Emit(evt)
	}
}

// atClock resolves "HH:MM" onto the date of ref in ref's location.
func atClock(ref time.Time, clock string) (time.Time, bool) {
	var h, m int
	if _, err := fmt.Sscanf(clock, "%d:%d", &h, &m); err != nil {
		return time.Time{}, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return time.Time{}, false
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), h, m, 0, 0, ref.Location()), true
}

func approvalReason(a types.Action) string {
	if a.Note != "" {
		return a.Note
	}
	return fmt.Sprintf("%s action requires approval", a.Kind)
}
