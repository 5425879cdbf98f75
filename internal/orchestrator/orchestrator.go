package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"leadpilot/internal/compliance"
	"leadpilot/internal/events"
	"leadpilot/internal/types"
	"leadpilot/internal/workflow"
)

// ErrResourceBusy rejects a start against a resource with an active run.
var ErrResourceBusy = fmt.Errorf("target resource busy")

// ActionExecutor performs one browser action. *browser.Executor
// satisfies it; tests substitute fakes.
type ActionExecutor interface {
	Execute(ctx context.Context, action types.Action) (types.ActionResult, error)
}

// engineHandle is the non-generic view of a workflow engine the
// orchestrator keeps per run.
type engineHandle interface {
	Pause() bool
	Resume() bool
	Stop(immediate bool)
	State() workflow.State
	PendingApprovalID() string
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Bus      *events.Bus
	Gate     *compliance.Gate
	Executor ActionExecutor
	Logger   *zap.Logger

	DefaultMaxRetries  int
	DefaultStepTimeout time.Duration
	BackoffBase        time.Duration
}

// StateChangeFunc observes run state transitions.
type StateChangeFunc func(runID string, state RunState)

type runRecord struct {
	rc     *RunContext
	engine engineHandle
	unsub  events.Unsubscribe
}

// Orchestrator owns all runs and enforces at-most-one active run per
// target resource.
type Orchestrator struct {
	bus      *events.Bus
	gate     *compliance.Gate
	executor ActionExecutor
	logger   *zap.Logger

	maxRetries  int
	stepTimeout time.Duration
	backoffBase time.Duration

	mu        sync.RWMutex
	runs      map[string]*runRecord
	resources map[string]*semaphore.Weighted
	queued    map[string][]*types.Task
	subs      []StateChangeFunc

	wg sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Orchestrator{
		bus:         cfg.Bus,
		gate:        cfg.Gate,
		executor:    cfg.Executor,
		logger:      cfg.Logger.Named("orchestrator"),
		maxRetries:  cfg.DefaultMaxRetries,
		stepTimeout: cfg.DefaultStepTimeout,
		backoffBase: cfg.BackoffBase,
		runs:        make(map[string]*runRecord),
		resources:   make(map[string]*semaphore.Weighted),
		queued:      make(map[string][]*types.Task),
	}
}

// OnStateChange registers a callback for run state transitions.
func (o *Orchestrator) OnStateChange(fn StateChangeFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subs = append(o.subs, fn)
}

// Start begins executing a task immediately. It fails with
// ErrResourceBusy when another run already holds the task's target
// resource; the existing run is not touched.
func (o *Orchestrator) Start(ctx context.Context, task *types.Task) (string, error) {
	if task == nil || len(task.Actions) == 0 {
		return "", types.Errorf(types.ErrKindValidation, "task has no actions")
	}
	resource := task.TargetResource()
	sem := o.resourceSem(resource)
	if !sem.TryAcquire(1) {
		return "", fmt.Errorf("%w: %s", ErrResourceBusy, resource)
	}
	return o.launch(ctx, task, resource, sem), nil
}

// Submit behaves like Start but queues the task instead of rejecting
// it when the resource is busy. Returns queued=true in that case.
func (o *Orchestrator) Submit(ctx context.Context, task *types.Task) (runID string, queued bool, err error) {
	runID, err = o.Start(ctx, task)
	if err == nil {
		return runID, false, nil
	}
	if errors.Is(err, ErrResourceBusy) {
		o.mu.Lock()
		o.queued[task.TargetResource()] = append(o.queued[task.TargetResource()], task)
		o.mu.Unlock()
		o.logger.Info("task queued behind busy resource",
			zap.String("task_id", task.ID),
			zap.String("resource", task.TargetResource()))
		return "", true, nil
	}
	return "", false, err
}

// launch builds the run context, the workflow definition and the
// engine, and runs the engine on its own goroutine.
func (o *Orchestrator) launch(ctx context.Context, task *types.Task, resource string, sem *semaphore.Weighted) string {
	runID := uuid.NewString()

	rc := &RunContext{
		ID:               runID,
		Task:             task,
		State:            RunIdle,
		Steps:            make([]workflow.StepState, len(task.Actions)),
		CurrentStepIndex: -1,
		PendingApprovals: make(map[string]compliance.ApprovalRequest),
	}
	for i, a := range task.Actions {
		rc.Steps[i] = workflow.StepState{Index: i, Name: stepName(i, a), Action: a.Kind, Status: workflow.StepPending}
	}

	def := o.buildDefinition(task)
	engine := workflow.NewEngine(def, workflow.Config{
		RunID:             runID,
		Bus:               o.bus,
		Approver:          o.gate,
		Logger:            o.logger,
		DefaultMaxRetries: o.maxRetries,
		DefaultTimeout:    o.stepTimeout,
		BackoffBase:       o.backoffBase,
	})

	rec := &runRecord{rc: rc, engine: engine}
	rec.unsub = o.bus.OnRun(runID, func(evt events.Event) { o.applyEvent(runID, evt) })

	o.mu.Lock()
	o.runs[runID] = rec
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer sem.Release(1)

		o.setRunState(runID, RunRunning, time.Time{})

		_, err := engine.Run(ctx, task)

		end := time.Now()
		switch {
		case err == nil:
			o.setRunState(runID, RunCompleted, end)
		case types.KindOf(err) == types.ErrKindStopped:
			o.setRunState(runID, RunStopped, end)
		default:
			o.setRunError(runID, err)
			o.setRunState(runID, RunFailed, end)
		}

		o.startNextQueued(ctx, resource)
	}()

	return runID
}

// buildDefinition turns the task's action list into a workflow over
// the orchestrator's executor.
func (o *Orchestrator) buildDefinition(task *types.Task) workflow.Definition[*types.Task, RunResult, taskRun] {
	steps := make([]workflow.Step[taskRun], len(task.Actions))
	for i, action := range task.Actions {
		steps[i] = workflow.Step[taskRun]{
			Name:       stepName(i, action),
			Action:     action,
			MaxRetries: action.MaxRetries,
			Execute: func(ctx context.Context, tr *taskRun) error {
				res, err := o.executor.Execute(ctx, action)
				if err != nil {
					return err
				}
				tr.results = append(tr.results, res)
				return nil
			},
		}
	}
	return workflow.Definition[*types.Task, RunResult, taskRun]{
		Name:  task.Description,
		Steps: steps,
		Validate: func(t *types.Task) error {
			if len(t.Actions) == 0 {
				return fmt.Errorf("task %s has no actions", t.ID)
			}
			return nil
		},
		Initialize: func(ctx context.Context, t *types.Task) (*taskRun, error) {
			return &taskRun{task: t}, nil
		},
		Finalize: func(ctx context.Context, tr *taskRun) (RunResult, error) {
			return RunResult{Results: tr.results}, nil
		},
	}
}

type taskRun struct {
	task    *types.Task
	results []types.ActionResult
}

// Pause suspends a run between steps. Returns false for unknown runs
// or illegal states.
func (o *Orchestrator) Pause(runID string) bool {
	rec := o.record(runID)
	if rec == nil {
		return false
	}
	o.mu.Lock()
	legal := rec.rc.State.CanTransition(RunPaused)
	o.mu.Unlock()
	if !legal {
		return false
	}
	if !rec.engine.Pause() {
		return false
	}
	o.setRunState(runID, RunPaused, time.Time{})
	return true
}

// Resume releases a paused run.
func (o *Orchestrator) Resume(runID string) bool {
	rec := o.record(runID)
	if rec == nil {
		return false
	}
	o.mu.Lock()
	legal := rec.rc.State.CanTransition(RunRunning)
	o.mu.Unlock()
	if !legal {
		return false
	}
	if !rec.engine.Resume() {
		return false
	}
	o.setRunState(runID, RunRunning, time.Time{})
	return true
}

// Stop aborts a run; the run always ends stopped, never failed. An
// outstanding approval wait is released immediately and its request
// denied on the run's behalf. With immediate set the in-flight step's
// context is cancelled too; otherwise the step finishes on its own and
// the run halts at the next checkpoint.
func (o *Orchestrator) Stop(runID string, immediate bool) bool {
	rec := o.record(runID)
	if rec == nil {
		return false
	}
	o.mu.Lock()
	legal := !rec.rc.State.Terminal()
	pending := make([]string, 0, len(rec.rc.PendingApprovals))
	for id := range rec.rc.PendingApprovals {
		pending = append(pending, id)
	}
	o.mu.Unlock()
	if !legal {
		return false
	}
	// The engine must observe the stop before the denials land, or the
	// abandoned approval wait would classify the run as failed.
	rec.engine.Stop(immediate)
	for _, id := range pending {
		_ = o.gate.DenyAction(id, "run stopped")
	}
	return true
}

// ApproveAction resolves a pending approval owned by the run.
func (o *Orchestrator) ApproveAction(runID, approvalID string) error {
	if err := o.checkApprovalOwner(runID, approvalID); err != nil {
		return err
	}
	return o.gate.ApproveAction(approvalID)
}

// DenyAction denies a pending approval owned by the run.
func (o *Orchestrator) DenyAction(runID, approvalID, reason string) error {
	if err := o.checkApprovalOwner(runID, approvalID); err != nil {
		return err
	}
	return o.gate.DenyAction(approvalID, reason)
}

// GetRun returns a copy of the run context.
func (o *Orchestrator) GetRun(runID string) (RunContext, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.runs[runID]
	if !ok {
		return RunContext{}, false
	}
	return rec.rc.snapshot(), true
}

// Runs lists all run contexts, active and finished.
func (o *Orchestrator) Runs() []RunContext {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]RunContext, 0, len(o.runs))
	for _, rec := range o.runs {
		out = append(out, rec.rc.snapshot())
	}
	return out
}

// GetQueuedTasks exposes tasks waiting because their target resource
// is busy.
func (o *Orchestrator) GetQueuedTasks() []*types.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*types.Task
	for _, q := range o.queued {
		out = append(out, q...)
	}
	return out
}

// ClearRun drops a terminal run's context from orchestrator memory.
func (o *Orchestrator) ClearRun(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.runs[runID]
	if !ok || !rec.rc.State.Terminal() {
		return false
	}
	if rec.unsub != nil {
		rec.unsub()
	}
	delete(o.runs, runID)
	return true
}

// Wait blocks until every launched run goroutine has exited. For
// shutdown and tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) checkApprovalOwner(runID, approvalID string) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.runs[runID]
	if !ok {
		return fmt.Errorf("unknown run %s", runID)
	}
	if _, ok := rec.rc.PendingApprovals[approvalID]; !ok {
		return fmt.Errorf("approval %s not pending on run %s", approvalID, runID)
	}
	return nil
}

// applyEvent keeps the RunContext bookkeeping in sync with engine and
// gate events for this run.
func (o *Orchestrator) applyEvent(runID string, evt events.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.runs[runID]
	if !ok {
		return
	}
	rc := rec.rc

	switch evt.Type {
	case events.StepStarted:
		if evt.StepIndex >= 0 && evt.StepIndex < len(rc.Steps) {
			rc.CurrentStepIndex = evt.StepIndex
			rc.Steps[evt.StepIndex].Status = workflow.StepRunning
			rc.Steps[evt.StepIndex].Retries = evt.Attempt
			if rc.Steps[evt.StepIndex].StartedAt.IsZero() {
				rc.Steps[evt.StepIndex].StartedAt = evt.Timestamp
			}
		}
	case events.StepCompleted:
		if evt.StepIndex >= 0 && evt.StepIndex < len(rc.Steps) {
			rc.Steps[evt.StepIndex].Status = workflow.StepCompleted
			rc.Steps[evt.StepIndex].CompletedAt = evt.Timestamp
		}
	case events.StepFailed:
		if evt.StepIndex >= 0 && evt.StepIndex < len(rc.Steps) {
			rc.Steps[evt.StepIndex].Status = workflow.StepFailed
			rc.Steps[evt.StepIndex].CompletedAt = evt.Timestamp
			rc.Steps[evt.StepIndex].Error = evt.Error
		}
	case events.StepSkipped:
		if evt.StepIndex >= 0 && evt.StepIndex < len(rc.Steps) {
			rc.Steps[evt.StepIndex].Status = workflow.StepSkipped
		}
	case events.NeedsApproval:
		if req, ok := o.gate.GetApprovalRequest(evt.ApprovalID); ok {
			rc.PendingApprovals[evt.ApprovalID] = req
		}
	case events.ApprovalGranted, events.ApprovalDenied, events.ApprovalTimeout:
		delete(rc.PendingApprovals, evt.ApprovalID)
	}
}

func (o *Orchestrator) setRunState(runID string, state RunState, endedAt time.Time) {
	o.mu.Lock()
	rec, ok := o.runs[runID]
	if !ok {
		o.mu.Unlock()
		return
	}
	rc := rec.rc
	if err := rc.transition(state); err != nil {
		o.mu.Unlock()
		o.logger.Warn("rejected run transition",
			zap.String("run_id", runID),
			zap.Error(err))
		return
	}
	if state == RunRunning && rc.StartedAt.IsZero() {
		rc.StartedAt = time.Now()
	}
	if !endedAt.IsZero() {
		rc.EndedAt = endedAt
	}
	subs := make([]StateChangeFunc, len(o.subs))
	copy(subs, o.subs)
	o.mu.Unlock()

	for _, fn := range subs {
		fn(runID, state)
	}
}

func (o *Orchestrator) setRunError(runID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec, ok := o.runs[runID]; ok {
		rec.rc.Error = err.Error()
	}
}

func (o *Orchestrator) record(runID string) *runRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.runs[runID]
}

func (o *Orchestrator) resourceSem(resource string) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	sem, ok := o.resources[resource]
	if !ok {
		sem = semaphore.NewWeighted(1)
		o.resources[resource] = sem
	}
	return sem
}

// startNextQueued launches the oldest task queued behind the resource,
// if any.
func (o *Orchestrator) startNextQueued(ctx context.Context, resource string) {
	o.mu.Lock()
	queue := o.queued[resource]
	if len(queue) == 0 {
		o.mu.Unlock()
		return
	}
	next := queue[0]
	o.queued[resource] = queue[1:]
	o.mu.Unlock()

	if _, err := o.Start(ctx, next); err != nil {
		o.logger.Warn("failed to start queued task",
			zap.String("task_id", next.ID),
			zap.Error(err))
		o.mu.Lock()
		o.queued[resource] = append([]*types.Task{next}, o.queued[resource]...)
		o.mu.Unlock()
	}
}

func stepName(i int, a types.Action) string {
	return fmt.Sprintf("step-%d-%s", i+1, a.Kind)
}
