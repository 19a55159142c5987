package taskgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/store"
)

const (
	// DefaultMaxTasks caps the number of active (non-terminal) tasks.
	DefaultMaxTasks = 10000
	// MaxDependenciesPerTask caps the fan-in of a single task.
	MaxDependenciesPerTask = 100
	// MaxRetryLimit caps the per-task retry budget.
	MaxRetryLimit = 10
	// MaxTimeoutMs caps the advisory per-task timeout (one hour).
	MaxTimeoutMs = 3600000
	// DefaultMaxRetries applies when a create leaves MaxRetries unset.
	DefaultMaxRetries = 3
)

// Config tunes graph-level admission limits.
type Config struct {
	MaxTasks int
}

// Option mutates the graph configuration.
type Option func(*Config)

// WithMaxTasks overrides the active-task admission cap.
func WithMaxTasks(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxTasks = n
		}
	}
}

// Graph is the single source of truth for tasks, dependency edges, and
// capability statistics. Mutations are optimistic-locked in the store;
// each committed transition emits exactly one event.
type Graph struct {
	store  *store.Store
	config Config

	mu             sync.Mutex
	listeners      map[int]Listener
	nextListenerID int
}

// New creates a Graph over the given store.
func New(st *store.Store, opts ...Option) *Graph {
	config := Config{MaxTasks: DefaultMaxTasks}
	for _, opt := range opts {
		opt(&config)
	}
	return &Graph{
		store:     st,
		config:    config,
		listeners: map[int]Listener{},
	}
}

// CreateTaskOptions is the caller-facing parameter set for CreateTask.
type CreateTaskOptions struct {
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

func (g *Graph) validateCreate(opts *CreateTaskOptions) error {
	if opts.Title == "" {
		return errors.New("title required")
	}
	if opts.Priority < 0 || opts.Priority > 4 {
		return errors.Errorf("priority %d out of range [0,4]", opts.Priority)
	}
	if len(opts.DependsOn) > MaxDependenciesPerTask {
		return errors.Errorf("dependency count %d exceeds limit %d", len(opts.DependsOn), MaxDependenciesPerTask)
	}
	if opts.MaxRetries < 0 || opts.MaxRetries > MaxRetryLimit {
		return errors.Errorf("max retries %d out of range [0,%d]", opts.MaxRetries, MaxRetryLimit)
	}
	if opts.TimeoutMs < 0 || opts.TimeoutMs > MaxTimeoutMs {
		return errors.Errorf("timeout %dms out of range [0,%d]", opts.TimeoutMs, MaxTimeoutMs)
	}
	return nil
}

func toCreateParams(opts *CreateTaskOptions) *store.CreateTask {
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	return &store.CreateTask{
		ID:                   uuid.NewString(),
		Title:                opts.Title,
		Description:          opts.Description,
		Priority:             opts.Priority,
		ParentTaskID:         opts.ParentTaskID,
		Input:                opts.Input,
		ExpectedOutput:       opts.ExpectedOutput,
		AcceptanceCriteria:   opts.AcceptanceCriteria,
		RequiredCapabilities: opts.RequiredCapabilities,
		DependsOn:            opts.DependsOn,
		MaxRetries:           maxRetries,
		TimeoutMs:            opts.TimeoutMs,
	}
}

func (g *Graph) checkCapacity(ctx context.Context, incoming int) error {
	active, err := g.store.CountActiveTasks(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to count active tasks")
	}
	if active+incoming > g.config.MaxTasks {
		return errors.Errorf("active task limit %d reached", g.config.MaxTasks)
	}
	return nil
}

// CreateTask validates limits, inserts the task and its edges in one
// transaction, and emits task_created. The returned task reflects the
// derived status: blocked when any declared dependency is incomplete.
func (g *Graph) CreateTask(ctx context.Context, opts *CreateTaskOptions) (*store.Task, error) {
	if err := g.validateCreate(opts); err != nil {
		return nil, err
	}
	if err := g.checkCapacity(ctx, 1); err != nil {
		return nil, err
	}
	task, err := g.store.CreateTask(ctx, toCreateParams(opts))
	if err != nil {
		return nil, err
	}
	g.emit(Event{Type: EventTaskCreated, Task: task})
	return task, nil
}

// CreateTaskBatch inserts a set of tasks and their edges in a single
// transaction. Either every task commits or none does; task_created is
// emitted per task after the commit.
func (g *Graph) CreateTaskBatch(ctx context.Context, opts []*CreateTaskOptions) ([]*store.Task, error) {
	if len(opts) == 0 {
		return nil, nil
	}
	for _, o := range opts {
		if err := g.validateCreate(o); err != nil {
			return nil, err
		}
	}
	if err := g.checkCapacity(ctx, len(opts)); err != nil {
		return nil, err
	}
	creates := make([]*store.CreateTask, 0, len(opts))
	for _, o := range opts {
		creates = append(creates, toCreateParams(o))
	}
	tasks, err := g.store.CreateTaskBatch(ctx, creates)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		g.emit(Event{Type: EventTaskCreated, Task: task})
	}
	return tasks, nil
}

// CreateTaskBatchIndexed is CreateTaskBatch for callers that declare
// dependencies by position within the batch instead of by id. Entry i of
// indices lists the batch positions task i depends on; they resolve to
// generated ids before the transactional insert.
func (g *Graph) CreateTaskBatchIndexed(ctx context.Context, opts []*CreateTaskOptions, indices [][]int) ([]*store.Task, error) {
	if len(opts) == 0 {
		return nil, nil
	}
	if len(indices) != len(opts) {
		return nil, errors.Errorf("index list length %d does not match batch size %d", len(indices), len(opts))
	}
	for _, o := range opts {
		if err := g.validateCreate(o); err != nil {
			return nil, err
		}
	}
	if err := g.checkCapacity(ctx, len(opts)); err != nil {
		return nil, err
	}

	creates := make([]*store.CreateTask, 0, len(opts))
	for _, o := range opts {
		creates = append(creates, toCreateParams(o))
	}
	for i, deps := range indices {
		for _, idx := range deps {
			if idx < 0 || idx >= len(creates) {
				return nil, errors.Errorf("task %d: dependency index %d out of range", i, idx)
			}
			if idx == i {
				return nil, errors.Errorf("task %d depends on itself", i)
			}
			creates[i].DependsOn = append(creates[i].DependsOn, creates[idx].ID)
		}
		if len(creates[i].DependsOn) > MaxDependenciesPerTask {
			return nil, errors.Errorf("dependency count %d exceeds limit %d", len(creates[i].DependsOn), MaxDependenciesPerTask)
		}
	}

	tasks, err := g.store.CreateTaskBatch(ctx, creates)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		g.emit(Event{Type: EventTaskCreated, Task: task})
	}
	return tasks, nil
}

// GetTask returns the task or nil when it does not exist.
func (g *Graph) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return g.store.GetTask(ctx, id)
}

// QueryFilter narrows QueryTasks. RequiredCapability applies as a
// post-filter on top of the store-level predicates.
type QueryFilter struct {
	Statuses           []store.TaskStatus
	OwnerAgentID       *string
	Unowned            bool
	ParentTaskID       *string
	UnblockedOnly      bool
	RequiredCapability string
	Limit              *int
	Offset             *int
}

// QueryTasks lists tasks ordered by (priority ASC, created_at ASC).
func (g *Graph) QueryTasks(ctx context.Context, filter *QueryFilter) ([]*store.Task, error) {
	if filter == nil {
		filter = &QueryFilter{}
	}
	tasks, err := g.store.ListTasks(ctx, &store.FindTask{
		Statuses:      filter.Statuses,
		OwnerAgentID:  filter.OwnerAgentID,
		Unowned:       filter.Unowned,
		ParentTaskID:  filter.ParentTaskID,
		UnblockedOnly: filter.UnblockedOnly,
		Limit:         filter.Limit,
		Offset:        filter.Offset,
	})
	if err != nil {
		return nil, err
	}
	if filter.RequiredCapability == "" {
		return tasks, nil
	}
	filtered := make([]*store.Task, 0, len(tasks))
	for _, task := range tasks {
		for _, tag := range task.RequiredCapabilities {
			if tag == filter.RequiredCapability {
				filtered = append(filtered, task)
				break
			}
		}
	}
	return filtered, nil
}

// GetNextTask returns the best runnable candidate for an agent, or nil.
// Candidates are pending, unowned, and have all dependencies completed.
// When agentCaps is non-empty the first task whose required capabilities
// intersect them wins; otherwise the top of the order does.
func (g *Graph) GetNextTask(ctx context.Context, agentCaps []string) (*store.Task, error) {
	candidates, err := g.store.ListTasks(ctx, &store.FindTask{
		Statuses:      []store.TaskStatus{store.TaskPending},
		Unowned:       true,
		UnblockedOnly: true,
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(agentCaps) > 0 {
		capSet := make(map[string]bool, len(agentCaps))
		for _, tag := range agentCaps {
			capSet[tag] = true
		}
		for _, task := range candidates {
			for _, tag := range task.RequiredCapabilities {
				if capSet[tag] {
					return task, nil
				}
			}
		}
	}
	return candidates[0], nil
}

// AssignTask atomically claims a pending task for an agent. Returns false
// when the version is stale or the task is no longer pending. Failed tasks
// must go through RetryTask, which enforces the retry budget.
func (g *Graph) AssignTask(ctx context.Context, taskID, agentID string, expectedVersion int64) (bool, error) {
	status := store.TaskAssigned
	ok, err := g.store.UpdateTask(ctx, &store.UpdateTask{
		ID:              taskID,
		ExpectedVersion: expectedVersion,
		FromStatuses:    []store.TaskStatus{store.TaskPending},
		Status:          &status,
		OwnerAgentID:    &agentID,
	})
	if err != nil || !ok {
		return false, err
	}
	if task, err := g.store.GetTask(ctx, taskID); err == nil && task != nil {
		g.emit(Event{Type: EventTaskAssigned, Task: task})
	}
	return true, nil
}

// StartTask moves an assigned task to running.
func (g *Graph) StartTask(ctx context.Context, taskID string, expectedVersion int64) (bool, error) {
	status := store.TaskRunning
	ok, err := g.store.UpdateTask(ctx, &store.UpdateTask{
		ID:              taskID,
		ExpectedVersion: expectedVersion,
		FromStatuses:    []store.TaskStatus{store.TaskAssigned},
		Status:          &status,
	})
	if err != nil || !ok {
		return false, err
	}
	if task, err := g.store.GetTask(ctx, taskID); err == nil && task != nil {
		g.emit(Event{Type: EventTaskStarted, Task: task})
	}
	return true, nil
}

// CompleteTaskResult reports a completion and the dependents it released.
type CompleteTaskResult struct {
	Success        bool
	UnblockedTasks []*store.Task
}

// CompleteTask finishes an assigned or running task, clears its error, and
// unblocks every dependent whose dependencies are now all completed.
// task_unblocked events fire before this call returns.
func (g *Graph) CompleteTask(ctx context.Context, taskID string, expectedVersion int64) (*CompleteTaskResult, error) {
	status := store.TaskCompleted
	ok, err := g.store.UpdateTask(ctx, &store.UpdateTask{
		ID:              taskID,
		ExpectedVersion: expectedVersion,
		FromStatuses:    []store.TaskStatus{store.TaskAssigned, store.TaskRunning},
		Status:          &status,
		ClearError:      true,
		SetCompletedAt:  true,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return &CompleteTaskResult{}, nil
	}
	if task, err := g.store.GetTask(ctx, taskID); err == nil && task != nil {
		g.emit(Event{Type: EventTaskCompleted, Task: task})
	}
	unblocked, err := g.unblockDependents(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &CompleteTaskResult{Success: true, UnblockedTasks: unblocked}, nil
}

func (g *Graph) unblockDependents(ctx context.Context, taskID string) ([]*store.Task, error) {
	dependents, err := g.store.ListDependents(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var unblocked []*store.Task
	for _, dep := range dependents {
		if dep.Status != store.TaskBlocked {
			continue
		}
		incomplete, err := g.store.HasIncompleteDependencies(ctx, dep.ID)
		if err != nil {
			return nil, err
		}
		if incomplete {
			continue
		}
		status := store.TaskPending
		ok, err := g.store.UpdateTask(ctx, &store.UpdateTask{
			ID:              dep.ID,
			ExpectedVersion: dep.Version,
			FromStatuses:    []store.TaskStatus{store.TaskBlocked},
			Status:          &status,
			ClearOwner:      true,
			ClearError:      true,
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			// Lost a race on this dependent; whoever won owns its state.
			continue
		}
		fresh, err := g.store.GetTask(ctx, dep.ID)
		if err != nil || fresh == nil {
			continue
		}
		g.emit(Event{Type: EventTaskUnblocked, Task: fresh})
		unblocked = append(unblocked, fresh)
	}
	return unblocked, nil
}

// FailTaskResult reports a failure, the dependents it re-blocked, and
// whether the retry budget still has room.
type FailTaskResult struct {
	Success      bool
	BlockedTasks []*store.Task
	CanRetry     bool
}

// FailTask records a failure on an assigned or running task. The retry
// counter increments unconditionally; the owner is kept so recovery can
// prefer a different agent. Non-terminal dependents transition to blocked.
func (g *Graph) FailTask(ctx context.Context, taskID, errorMessage string, expectedVersion int64) (*FailTaskResult, error) {
	status := store.TaskFailed
	ok, err := g.store.UpdateTask(ctx, &store.UpdateTask{
		ID:              taskID,
		ExpectedVersion: expectedVersion,
		FromStatuses:    []store.TaskStatus{store.TaskAssigned, store.TaskRunning},
		Status:          &status,
		ErrorMessage:    &errorMessage,
		IncrementRetry:  true,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return &FailTaskResult{}, nil
	}
	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	canRetry := false
	if task != nil {
		canRetry = task.RetryCount < task.MaxRetries
		g.emit(Event{Type: EventTaskFailed, Task: task, CanRetry: canRetry})
	}
	blocked, err := g.blockDependents(ctx, taskID, errorMessage)
	if err != nil {
		return nil, err
	}
	return &FailTaskResult{Success: true, BlockedTasks: blocked, CanRetry: canRetry}, nil
}

func (g *Graph) blockDependents(ctx context.Context, taskID, errorMessage string) ([]*store.Task, error) {
	dependents, err := g.store.ListDependents(ctx, taskID)
	if err != nil {
		return nil, err
	}
	reason := fmt.Sprintf("Blocked: dependency %s failed: %s", shortID(taskID), errorMessage)
	var blocked []*store.Task
	for _, dep := range dependents {
		if dep.Status.IsTerminal() {
			continue
		}
		// The owner is kept so the failure can be reported to whoever was
		// working the dependent; it is released when the task unblocks.
		status := store.TaskBlocked
		ok, err := g.store.UpdateTask(ctx, &store.UpdateTask{
			ID:              dep.ID,
			ExpectedVersion: dep.Version,
			Status:          &status,
			ErrorMessage:    &reason,
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		fresh, err := g.store.GetTask(ctx, dep.ID)
		if err != nil || fresh == nil {
			continue
		}
		g.emit(Event{Type: EventTaskBlocked, Task: fresh, Reason: reason})
		blocked = append(blocked, fresh)
	}
	return blocked, nil
}

// CancelTask cancels a task from any non-terminal state and releases its
// owner. Completed and cancelled tasks are refused.
func (g *Graph) CancelTask(ctx context.Context, taskID string, expectedVersion int64) (bool, error) {
	status := store.TaskCancelled
	ok, err := g.store.UpdateTask(ctx, &store.UpdateTask{
		ID:              taskID,
		ExpectedVersion: expectedVersion,
		FromStatuses: []store.TaskStatus{
			store.TaskPending, store.TaskBlocked, store.TaskAssigned,
			store.TaskRunning, store.TaskFailed,
		},
		Status:     &status,
		ClearOwner: true,
	})
	if err != nil || !ok {
		return false, err
	}
	if task, err := g.store.GetTask(ctx, taskID); err == nil && task != nil {
		g.emit(Event{Type: EventTaskCancelled, Task: task})
	}
	return true, nil
}

// RetryTask re-queues a failed task whose retry budget still has room.
// With an agent id it goes straight to assigned under that owner; without
// one it returns to pending with no owner. The retry counter is not
// touched here, FailTask already charged the attempt.
func (g *Graph) RetryTask(ctx context.Context, taskID, agentID string) (bool, error) {
	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil || task.Status != store.TaskFailed {
		return false, nil
	}
	if task.RetryCount >= task.MaxRetries {
		return false, nil
	}

	update := &store.UpdateTask{
		ID:              taskID,
		ExpectedVersion: task.Version,
		FromStatuses:    []store.TaskStatus{store.TaskFailed},
		ClearError:      true,
	}
	if agentID != "" {
		status := store.TaskAssigned
		update.Status = &status
		update.OwnerAgentID = &agentID
	} else {
		status := store.TaskPending
		update.Status = &status
		update.ClearOwner = true
	}
	ok, err := g.store.UpdateTask(ctx, update)
	if err != nil || !ok {
		return false, err
	}
	if fresh, err := g.store.GetTask(ctx, taskID); err == nil && fresh != nil {
		g.emit(Event{Type: EventTaskRetried, Task: fresh})
	}
	return true, nil
}

// AddDependencies appends edges to an existing task, ignoring duplicates.
// Cycles and unknown dependency ids roll the whole call back. The task
// transitions to blocked when any effective dependency is incomplete.
func (g *Graph) AddDependencies(ctx context.Context, taskID string, depIDs []string) (*store.Task, error) {
	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, errors.Wrapf(store.ErrUnknownTask, "task %s", taskID)
	}

	existing := make(map[string]bool, len(task.DependsOn))
	for _, id := range task.DependsOn {
		existing[id] = true
	}
	added := 0
	for _, id := range depIDs {
		if !existing[id] {
			existing[id] = true
			added++
		}
	}
	if len(task.DependsOn)+added > MaxDependenciesPerTask {
		return nil, errors.Errorf("dependency count %d exceeds limit %d", len(task.DependsOn)+added, MaxDependenciesPerTask)
	}

	updated, err := g.store.AddTaskDependencies(ctx, taskID, depIDs)
	if err != nil {
		return nil, err
	}
	if task.Status != store.TaskBlocked && updated.Status == store.TaskBlocked {
		g.emit(Event{Type: EventTaskBlocked, Task: updated})
	}
	return updated, nil
}

// CleanupForAgent releases every assigned or running task owned by a
// terminated agent back to pending. Returns the number of tasks reset.
// Emits no events; the next assignment cycle picks the work back up.
func (g *Graph) CleanupForAgent(ctx context.Context, agentID string) (int64, error) {
	return g.store.ResetTasksForAgent(ctx, agentID)
}

// DeleteTask removes a task; dependency edges cascade.
func (g *Graph) DeleteTask(ctx context.Context, taskID string) error {
	return g.store.DeleteTask(ctx, taskID)
}

// ClearAll wipes every task and capability profile. Returns the number of
// tasks deleted.
func (g *Graph) ClearAll(ctx context.Context) (int64, error) {
	count, err := g.store.DeleteAllTasks(ctx)
	if err != nil {
		return 0, err
	}
	if err := g.store.DeleteAllCapabilityProfiles(ctx); err != nil {
		return count, err
	}
	return count, nil
}

// Summary is a point-in-time census of the graph.
type Summary struct {
	Total    int
	Active   int
	ByStatus map[store.TaskStatus]int
}

// GetSummary counts tasks per status.
func (g *Graph) GetSummary(ctx context.Context) (*Summary, error) {
	byStatus, err := g.store.CountTasksByStatus(ctx)
	if err != nil {
		return nil, err
	}
	summary := &Summary{ByStatus: byStatus}
	for status, n := range byStatus {
		summary.Total += n
		if !status.IsTerminal() {
			summary.Active += n
		}
	}
	return summary, nil
}

// shortID abbreviates a task id for messages.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
