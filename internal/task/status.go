package task

import "time"

// Status is the backend-agnostic lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether s may move to next. Staying in the same
// status is not a transition.
func (s Status) CanTransition(next Status) bool {
	if !next.Valid() || s == next {
		return false
	}
	switch s {
	case StatusPending:
		return next != StatusPending
	case StatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// StatusRecord correlates a logical task with the backend that runs it.
type StatusRecord struct {
	TaskID      string      `json:"task_id"`
	Kind        string      `json:"kind"`
	Backend     BackendKind `json:"backend"`
	NativeID    string      `json:"native_id"`
	Status      Status      `json:"status"`
	Attempt     int         `json:"attempt"`
	Error       string      `json:"error,omitempty"`
	Downgraded  bool        `json:"downgraded,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	LastUpdated time.Time   `json:"last_updated"`
}

// Filter narrows a record listing. Zero fields match everything.
type Filter struct {
	Backend BackendKind
	Status  Status
}

func (f Filter) Match(r StatusRecord) bool {
	if f.Backend != "" && r.Backend != f.Backend {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}
