package store

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskBlocked   TaskStatus = "blocked"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Failed tasks are not
// terminal here: they stay eligible for retry until the budget is spent.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// Task is the persistent record for a unit of work.
type Task struct {
	ID                   string
	Title                string
	Description          string
	Status               TaskStatus
	Priority             int
	OwnerAgentID         *string
	ParentTaskID         *string
	Input                json.RawMessage
	ExpectedOutput       json.RawMessage
	AcceptanceCriteria   string
	RequiredCapabilities []string
	// DependsOn mirrors the task_dependencies edge table.
	DependsOn    []string
	Version      int64
	RetryCount   int
	MaxRetries   int
	TimeoutMs    int64
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// Owner returns the owner agent id or the empty string.
func (t *Task) Owner() string {
	if t.OwnerAgentID == nil {
		return ""
	}
	return *t.OwnerAgentID
}

// Error returns the error message or the empty string.
func (t *Task) Error() string {
	if t.ErrorMessage == nil {
		return ""
	}
	return *t.ErrorMessage
}

// CreateTask is the parameter set for inserting a task. The driver derives
// the initial status from the declared dependencies: blocked when any
// dependency is not completed, pending otherwise.
type CreateTask struct {
	ID                   string
	Title                string
	Description          string
	Priority             int
	ParentTaskID         *string
	Input                json.RawMessage
	ExpectedOutput       json.RawMessage
	AcceptanceCriteria   string
	RequiredCapabilities []string
	DependsOn            []string
	MaxRetries           int
	TimeoutMs            int64
}

// UpdateTask is a guarded task mutation. The update applies only when the
// stored version equals ExpectedVersion and the stored status is one of
// FromStatuses (any status when empty); otherwise it is a silent no-op and
// the driver reports false. Every applied update bumps version and
// updated_at.
type UpdateTask struct {
	ID              string
	ExpectedVersion int64
	FromStatuses    []TaskStatus

	Status         *TaskStatus
	OwnerAgentID   *string
	ClearOwner     bool
	ErrorMessage   *string
	ClearError     bool
	IncrementRetry bool
	SetCompletedAt bool
}

// FindTask filters task listings. Results are always ordered by
// (priority ASC, created_at ASC) and capped at Limit (default 100).
//
// UnblockedOnly is a pure dependency predicate: it admits tasks of any
// status whose dependencies are all completed. Callers that want runnable
// work must combine it with Statuses.
type FindTask struct {
	ID            *string
	Statuses      []TaskStatus
	OwnerAgentID  *string
	Unowned       bool
	ParentTaskID  *string
	UnblockedOnly bool
	Limit         *int
	Offset        *int
}
