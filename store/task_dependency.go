package store

import "github.com/pkg/errors"

// TaskDependency is an edge "task_id cannot start until depends_on_id is
// completed". Deleting either endpoint cascades the edge.
type TaskDependency struct {
	TaskID      string
	DependsOnID string
}

// ErrDependencyCycle is returned when an edge insertion would make the
// dependency relation cyclic. The transaction is rolled back; no partial
// edges remain.
var ErrDependencyCycle = errors.New("dependency cycle detected")

// ErrUnknownTask is returned when an operation references a task id that
// does not exist.
var ErrUnknownTask = errors.New("unknown task")
