// Package orchestrator is the top-level conductor: it accepts tasks,
// owns one RunContext per run, serializes runs against their target
// resource, and routes approvals between callers and the compliance
// gate.
package orchestrator

import (
	"fmt"
	"time"

	"leadpilot/internal/compliance"
	"leadpilot/internal/types"
	"leadpilot/internal/workflow"
)

// RunState is the externally visible run lifecycle state.
type RunState string

const (
	RunIdle      RunState = "IDLE"
	RunRunning   RunState = "RUNNING"
	RunPaused    RunState = "PAUSED"
	RunStopped   RunState = "STOPPED"
	RunCompleted RunState = "COMPLETED"
	RunFailed    RunState = "FAILED"
)

// runTransitions is the fixed transition table. Anything absent is an
// illegal transition and is rejected, not ignored.
var runTransitions = map[RunState][]RunState{
	RunIdle:    {RunRunning, RunStopped},
	RunRunning: {RunPaused, RunStopped, RunCompleted, RunFailed},
	RunPaused:  {RunRunning, RunStopped},
}

// CanTransition reports whether from→to is in the transition table.
func (s RunState) CanTransition(to RunState) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state absorbs all further transitions.
func (s RunState) Terminal() bool {
	return s == RunStopped || s == RunCompleted || s == RunFailed
}

// RunContext tracks one execution of a task. It is owned exclusively
// by the orchestrator and mutated only through its control operations.
type RunContext struct {
	ID               string                                 `json:"id"`
	Task             *types.Task                            `json:"task"`
	State            RunState                               `json:"state"`
	Steps            []workflow.StepState                   `json:"steps"`
	CurrentStepIndex int                                    `json:"current_step_index"`
	PendingApprovals map[string]compliance.ApprovalRequest  `json:"pending_approvals,omitempty"`
	StartedAt        time.Time                              `json:"started_at,omitempty"`
	EndedAt          time.Time                              `json:"ended_at,omitempty"`
	Error            string                                 `json:"error,omitempty"`
}

// transition moves the run to a new state, enforcing the table.
func (rc *RunContext) transition(to RunState) error {
	if rc.State == to {
		return nil
	}
	if !rc.State.CanTransition(to) {
		return fmt.Errorf("illegal run transition %s -> %s", rc.State, to)
	}
	rc.State = to
	return nil
}

// snapshot returns a deep enough copy for external callers.
func (rc *RunContext) snapshot() RunContext {
	out := *rc
	out.Steps = make([]workflow.StepState, len(rc.Steps))
	copy(out.Steps, rc.Steps)
	out.PendingApprovals = make(map[string]compliance.ApprovalRequest, len(rc.PendingApprovals))
	for k, v := range rc.PendingApprovals {
		out.PendingApprovals[k] = v
	}
	return out
}

// RunResult is the output of a completed task workflow.
type RunResult struct {
	RunID   string               `json:"run_id"`
	Results []types.ActionResult `json:"results"`
}
