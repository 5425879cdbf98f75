// Package types defines the shared vocabulary of the outreach engine:
// actions, tasks, and the error taxonomy used across all components.
package types

import "time"

// ActionKind identifies what a single browser-mediated action does.
type ActionKind string

const (
	ActionNavigate   ActionKind = "navigate"
	ActionClick      ActionKind = "click"
	ActionType       ActionKind = "type"
	ActionScroll     ActionKind = "scroll"
	ActionExtract    ActionKind = "extract"
	ActionScreenshot ActionKind = "screenshot"
	ActionWait       ActionKind = "wait"
	ActionHover      ActionKind = "hover"
	ActionSelect     ActionKind = "select"

	// Outreach actions. These mutate state on the remote platform and
	// always require human approval before they execute.
	ActionSendMessage ActionKind = "send_message"
	ActionConnect     ActionKind = "connect"
	ActionPost        ActionKind = "post"
	ActionFollow      ActionKind = "follow"
)

// approvalRequired is the fixed set of sensitive action kinds.
var approvalRequired = map[ActionKind]bool{
	ActionSendMessage: true,
	ActionConnect:     true,
	ActionPost:        true,
	ActionFollow:      true,
}

// RequiresApproval reports whether the kind is in the sensitive set.
func (k ActionKind) RequiresApproval() bool {
	return approvalRequired[k]
}

// Action is one unit of browser work within a task. Selector lists are
// ordered fallbacks: the first selector that matches wins.
type Action struct {
	Kind      ActionKind `json:"kind" yaml:"kind"`
	URL       string     `json:"url,omitempty" yaml:"url,omitempty"`
	Selectors []string   `json:"selectors,omitempty" yaml:"selectors,omitempty"`
	Text      string     `json:"text,omitempty" yaml:"text,omitempty"`

	// TextSelectors locates the input field for outreach kinds whose
	// Selectors point at the submit control.
	TextSelectors []string      `json:"text_selectors,omitempty" yaml:"text_selectors,omitempty"`
	Attribute     string        `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Direction     string        `json:"direction,omitempty" yaml:"direction,omitempty"`
	Amount        int           `json:"amount,omitempty" yaml:"amount,omitempty"`
	Script        string        `json:"script,omitempty" yaml:"script,omitempty"`
	Duration      time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxRetries overrides the engine default when > 0.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	// Optional free-form note surfaced in approval requests.
	Note string `json:"note,omitempty" yaml:"note,omitempty"`
}

// ActionResult carries the payload produced by an executed action.
type ActionResult struct {
	Kind       ActionKind `json:"kind"`
	Value      string     `json:"value,omitempty"`
	Screenshot []byte     `json:"screenshot,omitempty"`
	URL        string     `json:"url,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}
