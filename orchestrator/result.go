package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskmesh/taskmesh/store"
)

// SubmitResult absorbs a worker's report for one task. Completions update
// the graph, feed the capability profile, and immediately try to place
// each newly unblocked dependent. Failures charge the retry budget; when
// it is spent, owners of newly blocked dependents are notified. A stale
// version or wrong state yields a version_conflict outcome, never an
// error.
func (o *Orchestrator) SubmitResult(ctx context.Context, result *TaskResult) (*SubmitOutcome, error) {
	if result == nil || result.TaskID == "" {
		return &SubmitOutcome{Error: "task id required"}, nil
	}
	task, err := o.graph.GetTask(ctx, result.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return &SubmitOutcome{Error: fmt.Sprintf("task %s not found", result.TaskID)}, nil
	}
	if task.Status != store.TaskRunning && task.Status != store.TaskAssigned {
		return &SubmitOutcome{Error: fmt.Sprintf("task %s is %s, expected running or assigned", task.ID, task.Status)}, nil
	}

	switch result.Status {
	case ResultCompleted:
		return o.acceptCompletion(ctx, task, result)
	case ResultFailed:
		return o.acceptFailure(ctx, task, result)
	default:
		return &SubmitOutcome{Error: fmt.Sprintf("unknown result status %q", result.Status)}, nil
	}
}

func (o *Orchestrator) acceptCompletion(ctx context.Context, task *store.Task, result *TaskResult) (*SubmitOutcome, error) {
	completion, err := o.graph.CompleteTask(ctx, task.ID, task.Version)
	if err != nil {
		return nil, err
	}
	if !completion.Success {
		o.metrics.resultsTotal.WithLabelValues("conflict").Inc()
		return &SubmitOutcome{Error: ErrVersionConflict}, nil
	}
	o.metrics.resultsTotal.WithLabelValues("completed").Inc()
	o.log.append("result_accepted", map[string]string{
		"task_id": task.ID,
		"status":  string(ResultCompleted),
	})

	if owner := task.Owner(); owner != "" {
		if err := o.graph.RecordTaskOutcome(ctx, owner, task.RequiredCapabilities, true); err != nil {
			slog.Error("outcome recording failed", "task_id", task.ID, "agent_id", owner, "error", err)
		}
	}

	unblockedIDs := make([]string, 0, len(completion.UnblockedTasks))
	for _, unblocked := range completion.UnblockedTasks {
		unblockedIDs = append(unblockedIDs, unblocked.ID)
		o.tryAssignTask(ctx, unblocked.ID)
	}
	return &SubmitOutcome{Accepted: true, UnblockedTasks: unblockedIDs}, nil
}

func (o *Orchestrator) acceptFailure(ctx context.Context, task *store.Task, result *TaskResult) (*SubmitOutcome, error) {
	message := result.ErrorMessage
	if message == "" {
		message = "task failed without detail"
	}
	failure, err := o.graph.FailTask(ctx, task.ID, message, task.Version)
	if err != nil {
		return nil, err
	}
	if !failure.Success {
		o.metrics.resultsTotal.WithLabelValues("conflict").Inc()
		return &SubmitOutcome{Error: ErrVersionConflict}, nil
	}
	o.metrics.resultsTotal.WithLabelValues("failed").Inc()
	o.log.append("result_accepted", map[string]string{
		"task_id": task.ID,
		"status":  string(ResultFailed),
		"error":   message,
	})

	if owner := task.Owner(); owner != "" {
		if err := o.graph.RecordTaskOutcome(ctx, owner, task.RequiredCapabilities, false); err != nil {
			slog.Error("outcome recording failed", "task_id", task.ID, "agent_id", owner, "error", err)
		}
	}

	// Retryable failures are recovered by the subscription handler. When
	// the budget is spent, whoever holds a newly blocked dependent is told
	// the work upstream is gone.
	if !failure.CanRetry {
		for _, blocked := range failure.BlockedTasks {
			owner := blocked.Owner()
			if owner == "" {
				continue
			}
			o.sendNotification(ctx, owner, fmt.Sprintf("Task %s is blocked: %s", blocked.ID, blocked.Error()))
		}
	}
	return &SubmitOutcome{Accepted: true}, nil
}
