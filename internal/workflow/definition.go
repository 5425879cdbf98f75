// Package workflow implements the generic step-sequence executor the
// run orchestrator drives. A Definition is a stateless declarative
// workflow; an Engine executes one run of it as a resumable state
// machine with retry, backoff, timeout and approval gating.
package workflow

import (
	"context"
	"time"

	"leadpilot/internal/types"
)

// State is the engine lifecycle state.
type State string

const (
	StateIdle             State = "idle"
	StateRunning          State = "running"
	StatePaused           State = "paused"
	StateAwaitingApproval State = "awaiting_approval"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateStopped          State = "stopped"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateStopped
}

// StepStatus is the per-step execution status.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is one unit of work inside a workflow over context type C.
type Step[C any] struct {
	Name string

	// Action describes the browser action the step performs. It drives
	// approval gating and event payloads; pure-computation steps may
	// leave it zero.
	Action types.Action

	// Execute performs the step. It must honor ctx cancellation where
	// it can; a step that does not is still bounded by Timeout.
	Execute func(ctx context.Context, wc *C) error

	// CanSkip, when set and true for the current context, marks the
	// step skipped without executing it.
	CanSkip func(wc *C) bool

	// RequiresApproval forces the approval gate even for action kinds
	// outside the sensitive set.
	RequiresApproval bool

	// MaxRetries overrides the engine default when > 0.
	MaxRetries int

	// Timeout overrides the engine default when > 0.
	Timeout time.Duration
}

func (s Step[C]) needsApproval() bool {
	return s.RequiresApproval || s.Action.Kind.RequiresApproval()
}

// Definition declares an ordered workflow: validate the input, build a
// context, run the steps, produce the output. Definitions are stateless
// and shared across engine instances.
type Definition[I, O, C any] struct {
	Name       string
	Steps      []Step[C]
	Validate   func(input I) error
	Initialize func(ctx context.Context, input I) (*C, error)
	Finalize   func(ctx context.Context, wc *C) (O, error)
}

// StepState is the tracked state of one step within a run.
type StepState struct {
	Index       int              `json:"index"`
	Name        string           `json:"name"`
	Action      types.ActionKind `json:"action,omitempty"`
	Status      StepStatus       `json:"status"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
	Error       string           `json:"error,omitempty"`
	Retries     int              `json:"retries"`
}
