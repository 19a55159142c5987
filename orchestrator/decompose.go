package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/store"
	"github.com/taskmesh/taskmesh/taskgraph"
)

// SubtaskSpec describes one subtask of a goal. DependsOnIndices refer to
// positions within the same decomposition request.
type SubtaskSpec struct {
	Title                string          `json:"title"`
	Description          string          `json:"description,omitempty"`
	Priority             int             `json:"priority,omitempty"`
	Input                json.RawMessage `json:"input,omitempty"`
	ExpectedOutput       json.RawMessage `json:"expectedOutput,omitempty"`
	AcceptanceCriteria   string          `json:"acceptanceCriteria,omitempty"`
	RequiredCapabilities []string        `json:"requiredCapabilities,omitempty"`
	DependsOnIndices     []int           `json:"dependsOnIndices,omitempty"`
	MaxRetries           int             `json:"maxRetries,omitempty"`
	TimeoutMs            int64           `json:"timeoutMs,omitempty"`
}

// DecomposeGoal materializes a goal as a subtask DAG in one transaction.
// Index-based dependencies resolve to ids before insertion, so a returned
// task's status already reflects its incomplete dependencies. A completed
// decomposition triggers an immediate assignment cycle.
func (o *Orchestrator) DecomposeGoal(ctx context.Context, goal string, subtasks []*SubtaskSpec, parentTaskID *string) ([]*store.Task, error) {
	if goal == "" {
		return nil, errors.New("goal required")
	}
	if len(subtasks) == 0 {
		return nil, errors.New("at least one subtask required")
	}

	opts := make([]*taskgraph.CreateTaskOptions, 0, len(subtasks))
	for i, spec := range subtasks {
		for _, idx := range spec.DependsOnIndices {
			if idx < 0 || idx >= len(subtasks) {
				return nil, errors.Errorf("subtask %d: dependency index %d out of range", i, idx)
			}
			if idx == i {
				return nil, errors.Errorf("subtask %d depends on itself", i)
			}
		}
		maxRetries := spec.MaxRetries
		if maxRetries == 0 {
			maxRetries = o.config.MaxRetries
		}
		opts = append(opts, &taskgraph.CreateTaskOptions{
			Title:                spec.Title,
			Description:          spec.Description,
			Priority:             spec.Priority,
			ParentTaskID:         parentTaskID,
			Input:                spec.Input,
			ExpectedOutput:       spec.ExpectedOutput,
			AcceptanceCriteria:   spec.AcceptanceCriteria,
			RequiredCapabilities: spec.RequiredCapabilities,
			MaxRetries:           maxRetries,
			TimeoutMs:            spec.TimeoutMs,
		})
	}

	tasks, err := o.graph.CreateTaskBatchIndexed(ctx, opts, dependsOnIndices(subtasks))
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	o.log.append("goal_decomposed", map[string]string{
		"goal":     goal,
		"task_ids": strings.Join(ids, ","),
	})
	slog.Info("goal decomposed", "subtasks", len(tasks))

	if _, err := o.AssignmentCycle(ctx); err != nil {
		slog.Error("post-decomposition assignment cycle failed", "error", err)
	}
	return tasks, nil
}

func dependsOnIndices(subtasks []*SubtaskSpec) [][]int {
	indices := make([][]int, len(subtasks))
	for i, spec := range subtasks {
		indices[i] = spec.DependsOnIndices
	}
	return indices
}
