// Package campaign implements long-running outreach campaigns: a lead
// queue processed one lead at a time through the run orchestrator,
// throttled by the compliance configuration and gated by an optional
// schedule window.
package campaign

import (
	"fmt"
	"strings"
	"time"

	"leadpilot/internal/compliance"
	"leadpilot/internal/schedule"
	"leadpilot/internal/types"
)

// State is the campaign lifecycle state.
type State string

const (
	StateDraft     State = "DRAFT"
	StateScheduled State = "SCHEDULED"
	StateRunning   State = "RUNNING"
	StatePaused    State = "PAUSED"
	StateStopped   State = "STOPPED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// stateTransitions is the fixed transition table. Pairs absent from the
// table are illegal and rejected.
var stateTransitions = map[State][]State{
	StateDraft:     {StateScheduled, StateRunning, StateStopped},
	StateScheduled: {StateRunning, StateStopped},
	StateRunning:   {StatePaused, StateStopped, StateCompleted, StateFailed},
	StatePaused:    {StateRunning, StateStopped},
}

// CanTransition reports whether from→to appears in the table.
func (s State) CanTransition(to State) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state absorbs all further transitions.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCompleted || s == StateFailed
}

// LeadStatus is the per-lead processing status.
type LeadStatus string

const (
	LeadPending    LeadStatus = "PENDING"
	LeadQueued     LeadStatus = "QUEUED"
	LeadProcessing LeadStatus = "PROCESSING"
	LeadCompleted  LeadStatus = "COMPLETED"
	LeadSkipped    LeadStatus = "SKIPPED"
	LeadFailed     LeadStatus = "FAILED"
	LeadRetry      LeadStatus = "RETRY"
	LeadCancelled  LeadStatus = "CANCELLED"
)

// Lead is one outreach target in a campaign's queue.
type Lead struct {
	ID         string     `json:"id" yaml:"id"`
	CampaignID string     `json:"campaign_id" yaml:"campaign_id"`
	Name       string     `json:"name,omitempty" yaml:"name,omitempty"`
	ProfileURL string     `json:"profile_url,omitempty" yaml:"profile_url,omitempty"`
	Status     LeadStatus `json:"status" yaml:"status"`

	// Priority orders dequeue: higher first, FIFO within a priority.
	Priority   int `json:"priority,omitempty" yaml:"priority,omitempty"`
	RetryCount int `json:"retry_count,omitempty" yaml:"-"`

	// MaxRetries bounds per-lead re-processing, distinct from the
	// per-step retry limit inside a run.
	MaxRetries  int       `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty" yaml:"-"`
	LastError   string    `json:"last_error,omitempty" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at,omitempty" yaml:"-"`

	// Fields feeds template expansion of the campaign's step sequence.
	Fields map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Stats is a running tally over the campaign's leads.
type Stats struct {
	TotalLeads      int       `json:"total_leads"`
	Completed       int       `json:"completed"`
	Failed          int       `json:"failed"`
	Skipped         int       `json:"skipped"`
	Cancelled       int       `json:"cancelled"`
	Retried         int       `json:"retried"`
	ActionsExecuted int       `json:"actions_executed"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	LastLeadAt      time.Time `json:"last_lead_at,omitempty"`
}

// AuditLevel classifies audit log entries.
type AuditLevel string

const (
	AuditInfo  AuditLevel = "info"
	AuditWarn  AuditLevel = "warn"
	AuditError AuditLevel = "error"
)

// AuditEntry records one campaign-level occurrence. Errors land here
// instead of halting the scheduler.
type AuditEntry struct {
	At      time.Time  `json:"at"`
	Level   AuditLevel `json:"level"`
	LeadID  string     `json:"lead_id,omitempty"`
	RunID   string     `json:"run_id,omitempty"`
	Message string     `json:"message"`
}

// DefaultMaxConsecutiveErrors trips the campaign to FAILED once that
// many leads in a row end in error.
const DefaultMaxConsecutiveErrors = 5

// Campaign is a named lead queue plus the step sequence applied to each
// lead and the policies that throttle and schedule processing.
type Campaign struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	State State  `json:"state" yaml:"state"`

	// Steps is the per-lead action template; occurrences of
	// {{profile_url}}, {{name}} and lead field keys are substituted.
	Steps []types.Action `json:"steps" yaml:"steps"`

	// Resource names the serialized execution target (browser profile).
	Resource string `json:"resource,omitempty" yaml:"resource,omitempty"`

	Throttle compliance.ThrottleConfig `json:"throttle" yaml:"throttle"`
	Schedule *schedule.Schedule        `json:"schedule,omitempty" yaml:"schedule,omitempty"`

	QueuePosition        int          `json:"queue_position"`
	Stats                Stats        `json:"stats"`
	AuditLog             []AuditEntry `json:"audit_log,omitempty"`
	ConsecutiveErrors    int          `json:"consecutive_errors"`
	MaxConsecutiveErrors int          `json:"max_consecutive_errors,omitempty" yaml:"max_consecutive_errors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// transition moves the campaign to a new state, enforcing the table.
func (c *Campaign) transition(to State) error {
	if c.State == to {
		return nil
	}
	if !c.State.CanTransition(to) {
		return fmt.Errorf("illegal campaign transition %s -> %s", c.State, to)
	}
	c.State = to
	c.UpdatedAt = time.Now()
	return nil
}

// maxConsecutive returns the configured threshold or the default.
func (c *Campaign) maxConsecutive() int {
	if c.MaxConsecutiveErrors > 0 {
		return c.MaxConsecutiveErrors
	}
	return DefaultMaxConsecutiveErrors
}

// renderTask expands the campaign's step template for one lead into a
// runnable task targeting the campaign's resource.
func renderTask(c *Campaign, lead *Lead) *types.Task {
	pairs := []string{
		"{{profile_url}}", lead.ProfileURL,
		"{{name}}", lead.Name,
	}
	for k, v := range lead.Fields {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)

	actions := make([]types.Action, len(c.Steps))
	for i, a := range c.Steps {
		a.URL = r.Replace(a.URL)
		a.Text = r.Replace(a.Text)
		actions[i] = a
	}
	return &types.Task{
		ID:          fmt.Sprintf("%s/%s", c.ID, lead.ID),
		Description: fmt.Sprintf("campaign %s lead %s", c.Name, lead.ID),
		Actions:     actions,
		Resource:    c.Resource,
	}
}
