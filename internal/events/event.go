// Package events implements the in-process event bus every component of
// the engine publishes state transitions on. Delivery is synchronous and
// best-effort; history is a bounded ring buffer with FIFO eviction.
package events

import (
	"time"

	"github.com/google/uuid"

	"leadpilot/internal/types"
)

// EventType tags a RuntimeEvent.
type EventType string

const (
	// Run lifecycle
	RunStarted  EventType = "RUN_STARTED"
	RunFinished EventType = "RUN_FINISHED"
	RunFailed   EventType = "RUN_FAILED"
	RunPaused   EventType = "RUN_PAUSED"
	RunResumed  EventType = "RUN_RESUMED"

	// Step lifecycle
	StepStarted   EventType = "STEP_STARTED"
	StepCompleted EventType = "STEP_COMPLETED"
	StepFailed    EventType = "STEP_FAILED"
	StepSkipped   EventType = "STEP_SKIPPED"

	// Approval lifecycle
	NeedsApproval   EventType = "NEEDS_APPROVAL"
	ApprovalGranted EventType = "APPROVAL_GRANTED"
	ApprovalDenied  EventType = "APPROVAL_DENIED"
	ApprovalTimeout EventType = "APPROVAL_TIMEOUT"

	// Control
	StopRequested  EventType = "STOP_REQUESTED"
	Stopped        EventType = "STOPPED"
	PauseRequested EventType = "PAUSE_REQUESTED"

	// Compliance
	RateLimitHit      EventType = "RATE_LIMIT_HIT"
	TimeWindowBlocked EventType = "TIME_WINDOW_BLOCKED"
	ContactBlocked    EventType = "CONTACT_BLOCKED"
)

// Event is a single immutable runtime event. Type-specific fields are
// populated depending on Type and zero otherwise.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`

	// Step fields
	StepIndex int              `json:"step_index,omitempty"`
	StepName  string           `json:"step_name,omitempty"`
	Action    types.ActionKind `json:"action,omitempty"`
	Attempt   int              `json:"attempt,omitempty"`

	// Approval fields
	ApprovalID string `json:"approval_id,omitempty"`

	// Compliance fields
	ResetAt time.Time `json:"reset_at,omitempty"`

	// Failure / context
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(t EventType, runID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
		RunID:     runID,
	}
}
