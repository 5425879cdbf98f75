package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"leadpilot/internal/compliance"
	"leadpilot/internal/events"
	"leadpilot/internal/types"
)

// Approver is the slice of the compliance gate the engine suspends on.
// *compliance.Gate satisfies it.
type Approver interface {
	CheckAction(action types.Action, runID string) compliance.Decision
	AwaitResolution(ctx context.Context, id string) (compliance.ApprovalStatus, error)
}

// Config configures one engine instance.
type Config struct {
	RunID    string
	Bus      *events.Bus
	Approver Approver
	Logger   *zap.Logger

	// DefaultMaxRetries applies to steps without their own override.
	DefaultMaxRetries int
	// DefaultTimeout bounds a single step attempt.
	DefaultTimeout time.Duration
	// BackoffBase is the unit for exponential backoff: the wait before
	// attempt n+1 is BackoffBase << n. Defaults to one second.
	BackoffBase time.Duration
}

// Engine executes one run of a Definition. It is created per run and
// must not be reused after reaching a terminal state.
type Engine[I, O, C any] struct {
	def    Definition[I, O, C]
	runID  string
	bus    *events.Bus
	gate   Approver
	logger *zap.Logger

	defaultRetries int
	defaultTimeout time.Duration
	backoffBase    time.Duration

	mu                sync.Mutex
	state             State
	paused            bool
	resumeCh          chan struct{}
	stopCh            chan struct{}
	stopOnce          sync.Once
	cancel            context.CancelFunc
	steps             []StepState
	currentStep       int
	pendingApprovalID string
}

// NewEngine builds an engine for one run of def.
func NewEngine[I, O, C any](def Definition[I, O, C], cfg Config) *Engine[I, O, C] {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	steps := make([]StepState, len(def.Steps))
	for i, s := range def.Steps {
		steps[i] = StepState{Index: i, Name: s.Name, Action: s.Action.Kind, Status: StepPending}
	}
	return &Engine[I, O, C]{
		def:            def,
		runID:          cfg.RunID,
		bus:            cfg.Bus,
		gate:           cfg.Approver,
		logger:         cfg.Logger.Named("workflow"),
		defaultRetries: cfg.DefaultMaxRetries,
		defaultTimeout: cfg.DefaultTimeout,
		backoffBase:    cfg.BackoffBase,
		state:          StateIdle,
		stopCh:         make(chan struct{}),
		steps:          steps,
		currentStep:    -1,
	}
}

// RunID returns the run this engine executes.
func (e *Engine[I, O, C]) RunID() string { return e.runID }

// State returns the current engine state.
func (e *Engine[I, O, C]) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// StepStates returns a copy of per-step tracking state.
func (e *Engine[I, O, C]) StepStates() []StepState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StepState, len(e.steps))
	copy(out, e.steps)
	return out
}

// CurrentStep returns the index of the step in flight, or -1.
func (e *Engine[I, O, C]) CurrentStep() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentStep
}

// PendingApprovalID returns the approval the engine is suspended on.
func (e *Engine[I, O, C]) PendingApprovalID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingApprovalID
}

// Run executes the workflow to a terminal state. The returned error is
// nil only for a completed run.
func (e *Engine[I, O, C]) Run(ctx context.Context, input I) (O, error) {
	var zero O

	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return zero, types.ErrStopped
	}
	if e.state != StateIdle {
		st := e.state
		e.mu.Unlock()
		return zero, fmt.Errorf("engine already %s", st)
	}
	e.state = StateRunning
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	e.emit(events.New(events.RunStarted, e.runID))

	if e.def.Validate != nil {
		if err := e.def.Validate(input); err != nil {
			verr := types.NewError(types.ErrKindValidation, "workflow input rejected", err)
			return zero, e.fail(-1, verr)
		}
	}

	var wc *C
	if e.def.Initialize != nil {
		var err error
		wc, err = e.def.Initialize(runCtx, input)
		if err != nil {
			return zero, e.fail(-1, types.NewError(types.ErrKindValidation, "workflow initialize failed", err))
		}
	}

	for i, step := range e.def.Steps {
		if err := e.checkpoint(runCtx); err != nil {
			return zero, e.stopped()
		}

		e.setCurrentStep(i)

		if step.CanSkip != nil && step.CanSkip(wc) {
			e.markStep(i, StepSkipped, nil)
			evt := events.New(events.StepSkipped, e.runID)
			evt.StepIndex = i
			evt.StepName = step.Name
			evt.Action = step.Action.Kind
			e.emit(evt)
			continue
		}

		if step.needsApproval() && e.gate != nil {
			if err := e.awaitApproval(runCtx, i, step); err != nil {
				if types.KindOf(err) == types.ErrKindStopped {
					return zero, e.stopped()
				}
				return zero, e.fail(i, err)
			}
		}

		if err := e.executeWithRetry(runCtx, i, step, wc); err != nil {
			if types.KindOf(err) == types.ErrKindStopped {
				return zero, e.stopped()
			}
			return zero, e.fail(i, err)
		}
	}

	e.setCurrentStep(-1)

	var out O
	if e.def.Finalize != nil {
		var err error
		out, err = e.def.Finalize(runCtx, wc)
		if err != nil {
			return zero, e.fail(-1, types.NewError(types.ErrKindUnknown, "workflow finalize failed", err))
		}
	}

	e.setState(StateCompleted)
	e.emit(events.New(events.RunFinished, e.runID))
	return out, nil
}

// Pause requests suspension. The in-flight step is not interrupted; the
// engine parks before the next step starts.
func (e *Engine[I, O, C]) Pause() bool {
	e.mu.Lock()
	if e.state != StateRunning || e.paused {
		e.mu.Unlock()
		return false
	}
	e.paused = true
	e.resumeCh = make(chan struct{})
	e.mu.Unlock()
	e.emit(events.New(events.PauseRequested, e.runID))
	return true
}

// Resume releases a paused engine.
func (e *Engine[I, O, C]) Resume() bool {
	e.mu.Lock()
	if !e.paused {
		e.mu.Unlock()
		return false
	}
	e.paused = false
	close(e.resumeCh)
	e.resumeCh = nil
	if e.state == StatePaused {
		e.state = StateRunning
	}
	e.mu.Unlock()
	e.emit(events.New(events.RunResumed, e.runID))
	return true
}

// Stop aborts the run cooperatively. Any outstanding approval or pause
// wait is released immediately. With immediate set the in-flight step's
// context is cancelled as well; otherwise the step runs to its own
// completion or timeout and the run halts at the next checkpoint.
func (e *Engine[I, O, C]) Stop(immediate bool) {
	e.stopOnce.Do(func() {
		e.emit(events.New(events.StopRequested, e.runID))
		e.mu.Lock()
		close(e.stopCh)
		cancel := e.cancel
		wasIdle := e.state == StateIdle
		if wasIdle {
			e.state = StateStopped
		}
		e.mu.Unlock()
		if immediate && cancel != nil {
			cancel()
		}
		if wasIdle {
			e.emit(events.New(events.Stopped, e.runID))
		}
	})
}

// checkpoint polls the abort signal and parks while paused. Returns an
// error only when the run must stop.
func (e *Engine[I, O, C]) checkpoint(ctx context.Context) error {
	for {
		select {
		case <-e.stopCh:
			return types.ErrStopped
		case <-ctx.Done():
			return types.ErrStopped
		default:
		}

		e.mu.Lock()
		if !e.paused {
			e.mu.Unlock()
			return nil
		}
		resume := e.resumeCh
		e.state = StatePaused
		e.mu.Unlock()

		e.emit(events.New(events.RunPaused, e.runID))

		select {
		case <-resume:
		case <-e.stopCh:
			return types.ErrStopped
		case <-ctx.Done():
			return types.ErrStopped
		}
	}
}

// awaitApproval consults the gate and suspends until the request is
// resolved. Denial, expiry and compliance blocks all fail the step.
func (e *Engine[I, O, C]) awaitApproval(ctx context.Context, idx int, step Step[C]) error {
	decision := e.gate.CheckAction(step.Action, e.runID)
	if !decision.Allowed {
		switch decision.Reason {
		case compliance.DenyTimeWindow:
			return types.Errorf(types.ErrKindRateLimited,
				"step %q blocked by quiet hours until %s", step.Name, decision.ResetAt.Format(time.RFC3339))
		default:
			return types.Errorf(types.ErrKindRateLimited,
				"step %q rate limited until %s", step.Name, decision.ResetAt.Format(time.RFC3339))
		}
	}
	if !decision.RequiresApproval {
		return nil
	}

	e.mu.Lock()
	e.state = StateAwaitingApproval
	e.pendingApprovalID = decision.Approval.ID
	e.mu.Unlock()

	// AwaitResolution only watches ctx; relay the stop signal into it
	// so a graceful stop releases the wait without a ctx cancellation.
	waitCtx, cancelWait := context.WithCancel(ctx)
	go func() {
		select {
		case <-e.stopCh:
			cancelWait()
		case <-waitCtx.Done():
		}
	}()
	status, err := e.gate.AwaitResolution(waitCtx, decision.Approval.ID)
	cancelWait()

	e.mu.Lock()
	e.pendingApprovalID = ""
	if e.state == StateAwaitingApproval {
		e.state = StateRunning
	}
	e.mu.Unlock()

	// A stop racing the resolution wins: the run ends stopped, not
	// failed, even when the request was already denied on its behalf.
	select {
	case <-e.stopCh:
		return types.ErrStopped
	default:
	}

	if err != nil {
		// Context cancelled while waiting: the stop wins and the
		// pending request is treated as denied.
		return types.ErrStopped
	}
	switch status {
	case compliance.ApprovalApproved:
		return nil
	case compliance.ApprovalExpired:
		return types.ErrApprovalExpired
	default:
		return types.ErrApprovalDenied
	}
}

// executeWithRetry runs one step with exponential backoff. Attempt n
// failing retryably waits backoffBase<<n before attempt n+1; the final
// failure is returned and halts the run.
func (e *Engine[I, O, C]) executeWithRetry(ctx context.Context, idx int, step Step[C], wc *C) error {
	maxRetries := step.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.defaultRetries
	}
	if step.Action.MaxRetries > 0 {
		maxRetries = step.Action.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		e.mu.Lock()
		e.steps[idx].Status = StepRunning
		e.steps[idx].Retries = attempt
		if attempt == 0 {
			e.steps[idx].StartedAt = time.Now()
		}
		e.mu.Unlock()

		evt := events.New(events.StepStarted, e.runID)
		evt.StepIndex = idx
		evt.StepName = step.Name
		evt.Action = step.Action.Kind
		evt.Attempt = attempt
		e.emit(evt)

		err := e.executeOnce(ctx, step, wc)
		if err == nil {
			e.markStep(idx, StepCompleted, nil)
			done := events.New(events.StepCompleted, e.runID)
			done.StepIndex = idx
			done.StepName = step.Name
			done.Action = step.Action.Kind
			done.Attempt = attempt
			e.emit(done)
			return nil
		}

		lastErr = err
		failed := events.New(events.StepFailed, e.runID)
		failed.StepIndex = idx
		failed.StepName = step.Name
		failed.Action = step.Action.Kind
		failed.Attempt = attempt
		failed.Error = err.Error()
		e.emit(failed)

		if types.KindOf(err) == types.ErrKindStopped {
			e.markStep(idx, StepFailed, err)
			return err
		}
		if !types.IsRetryable(err) || attempt == maxRetries {
			e.markStep(idx, StepFailed, err)
			return err
		}

		delay := e.backoffBase << attempt
		e.logger.Debug("step retry scheduled",
			zap.String("run_id", e.runID),
			zap.String("step", step.Name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-e.stopCh:
			timer.Stop()
			e.markStep(idx, StepFailed, types.ErrStopped)
			return types.ErrStopped
		case <-ctx.Done():
			timer.Stop()
			e.markStep(idx, StepFailed, types.ErrStopped)
			return types.ErrStopped
		}
	}
	return lastErr
}

// executeOnce races one attempt against the step timeout. Whichever of
// completion and timeout happens first wins; the losing attempt keeps
// its goroutine until its Execute returns.
func (e *Engine[I, O, C]) executeOnce(ctx context.Context, step Step[C], wc *C) error {
	if step.Execute == nil {
		return nil
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = step.Action.Timeout
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- step.Execute(stepCtx, wc)
	}()

	select {
	case err := <-done:
		return err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return types.ErrStopped
		}
		return types.Errorf(types.ErrKindTimeout, "step %q timed out after %s", step.Name, timeout)
	}
}

func (e *Engine[I, O, C]) fail(stepIdx int, err error) error {
	e.setState(StateFailed)
	evt := events.New(events.RunFailed, e.runID)
	evt.StepIndex = stepIdx
	evt.Error = err.Error()
	e.emit(evt)
	e.logger.Warn("run failed",
		zap.String("run_id", e.runID),
		zap.Int("step", stepIdx),
		zap.Error(err))
	return err
}

func (e *Engine[I, O, C]) stopped() error {
	e.setState(StateStopped)
	e.emit(events.New(events.Stopped, e.runID))
	return types.ErrStopped
}

func (e *Engine[I, O, C]) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine[I, O, C]) setCurrentStep(i int) {
	e.mu.Lock()
	e.currentStep = i
	e.mu.Unlock()
}

func (e *Engine[I, O, C]) markStep(idx int, status StepStatus, err error) {
	e.mu.Lock()
	e.steps[idx].Status = status
	e.steps[idx].CompletedAt = time.Now()
	if err != nil {
		e.steps[idx].Error = err.Error()
	}
	e.mu.Unlock()
}

func (e *Engine[I, O, C]) emit(evt events.Event) {
	if e.bus != nil {
		e.bus.Emit(evt)
	}
}
