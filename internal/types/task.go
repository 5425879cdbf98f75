package types

// TaskPriority orders tasks waiting on the same resource.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityNormal   TaskPriority = "normal"
	PriorityLow      TaskPriority = "low"
)

// Task is an ordered list of actions enqueued by a caller. The task is
// owned by the caller and consumed read-only by a run.
type Task struct {
	ID          string       `json:"id" yaml:"id"`
	Description string       `json:"description" yaml:"description"`
	Actions     []Action     `json:"actions" yaml:"actions"`
	Priority    TaskPriority `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Resource names the external resource the run must hold exclusively,
	// typically a browser profile. Empty means the default profile.
	Resource string `json:"resource,omitempty" yaml:"resource,omitempty"`
}

// TargetResource returns the serialization key for the task.
func (t *Task) TargetResource() string {
	if t.Resource == "" {
		return "default"
	}
	return t.Resource
}
