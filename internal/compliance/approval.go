package compliance

import (
	"time"

	"leadpilot/internal/types"
)

// ApprovalStatus is the lifecycle state of an approval request.
// Exactly one transition away from pending is permitted.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// DefaultApprovalTTL is how long a request stays resolvable before it
// expires. Expiry is treated as denial.
const DefaultApprovalTTL = 300000 * time.Millisecond

// ApprovalRequest gates one sensitive action behind a human decision.
type ApprovalRequest struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Action     types.Action   `json:"action"`
	Reason     string         `json:"reason"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	Status     ApprovalStatus `json:"status"`
	DenyReason string         `json:"deny_reason,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at,omitempty"`
}

// Resolved reports whether the request left the pending state.
func (r *ApprovalRequest) Resolved() bool {
	return r.Status != ApprovalPending
}

// Granted reports whether the action may execute.
func (r *ApprovalRequest) Granted() bool {
	return r.Status == ApprovalApproved
}
