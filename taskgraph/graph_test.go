package taskgraph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/profile"
	"github.com/taskmesh/taskmesh/store"
	"github.com/taskmesh/taskmesh/store/db/sqlite"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	testProfile := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		Data:   dir,
		DSN:    filepath.Join(dir, "test.db"),
	}
	driver, err := sqlite.NewDB(testProfile)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(context.Background()))
	st := store.New(driver, testProfile)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	return New(newTestStore(t))
}

func mustCreate(t *testing.T, g *Graph, opts *CreateTaskOptions) *store.Task {
	t.Helper()
	task, err := g.CreateTask(context.Background(), opts)
	require.NoError(t, err)
	return task
}

// runToCompleted walks a task through assign, start, complete.
func runToCompleted(t *testing.T, g *Graph, taskID, agentID string) *CompleteTaskResult {
	t.Helper()
	ctx := context.Background()
	task, err := g.GetTask(ctx, taskID)
	require.NoError(t, err)

	ok, err := g.AssignTask(ctx, taskID, agentID, task.Version)
	require.NoError(t, err)
	require.True(t, ok)

	task, err = g.GetTask(ctx, taskID)
	require.NoError(t, err)
	ok, err = g.StartTask(ctx, taskID, task.Version)
	require.NoError(t, err)
	require.True(t, ok)

	task, err = g.GetTask(ctx, taskID)
	require.NoError(t, err)
	result, err := g.CompleteTask(ctx, taskID, task.Version)
	require.NoError(t, err)
	require.True(t, result.Success)
	return result
}

func TestCreateTaskValidation(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	tests := []struct {
		name string
		opts *CreateTaskOptions
	}{
		{"empty title", &CreateTaskOptions{}},
		{"priority too high", &CreateTaskOptions{Title: "t", Priority: 5}},
		{"priority negative", &CreateTaskOptions{Title: "t", Priority: -1}},
		{"retry budget too high", &CreateTaskOptions{Title: "t", MaxRetries: 11}},
		{"timeout too high", &CreateTaskOptions{Title: "t", TimeoutMs: 3600001}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.CreateTask(ctx, tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestCreateTaskDefaults(t *testing.T) {
	g := newTestGraph(t)
	task := mustCreate(t, g, &CreateTaskOptions{Title: "plain"})

	assert.Equal(t, store.TaskPending, task.Status)
	assert.Equal(t, DefaultMaxRetries, task.MaxRetries)
	assert.Equal(t, int64(1), task.Version)
	assert.Nil(t, task.OwnerAgentID)
}

func TestCreateTaskUnknownDependency(t *testing.T) {
	g := newTestGraph(t)
	_, err := g.CreateTask(context.Background(), &CreateTaskOptions{
		Title:     "orphan",
		DependsOn: []string{"no-such-task"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUnknownTask))
}

func TestDiamondDependencyFlow(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	a := mustCreate(t, g, &CreateTaskOptions{Title: "A"})
	b := mustCreate(t, g, &CreateTaskOptions{Title: "B", DependsOn: []string{a.ID}})
	c := mustCreate(t, g, &CreateTaskOptions{Title: "C", DependsOn: []string{a.ID}})
	d := mustCreate(t, g, &CreateTaskOptions{Title: "D", DependsOn: []string{b.ID, c.ID}})

	assert.Equal(t, store.TaskPending, a.Status)
	assert.Equal(t, store.TaskBlocked, b.Status)
	assert.Equal(t, store.TaskBlocked, c.Status)
	assert.Equal(t, store.TaskBlocked, d.Status)

	result := runToCompleted(t, g, a.ID, "agent-1")
	unblockedIDs := map[string]bool{}
	for _, task := range result.UnblockedTasks {
		unblockedIDs[task.ID] = true
	}
	assert.True(t, unblockedIDs[b.ID])
	assert.True(t, unblockedIDs[c.ID])
	assert.False(t, unblockedIDs[d.ID])

	fresh, err := g.GetTask(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskBlocked, fresh.Status)

	runToCompleted(t, g, b.ID, "agent-1")
	fresh, err = g.GetTask(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskBlocked, fresh.Status)

	result = runToCompleted(t, g, c.ID, "agent-1")
	require.Len(t, result.UnblockedTasks, 1)
	assert.Equal(t, d.ID, result.UnblockedTasks[0].ID)

	fresh, err = g.GetTask(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, fresh.Status)
	assert.Empty(t, fresh.Error())
}

func TestCycleRejected(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	a := mustCreate(t, g, &CreateTaskOptions{Title: "A"})
	b := mustCreate(t, g, &CreateTaskOptions{Title: "B", DependsOn: []string{a.ID}})
	c := mustCreate(t, g, &CreateTaskOptions{Title: "C", DependsOn: []string{b.ID}})

	_, err := g.AddDependencies(ctx, a.ID, []string{c.ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrDependencyCycle))

	// A self edge is the degenerate cycle.
	_, err = g.AddDependencies(ctx, a.ID, []string{a.ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrDependencyCycle))

	fresh, err := g.GetTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Version, fresh.Version)
	assert.Empty(t, fresh.DependsOn)
}

func TestVersionConflict(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	task := mustCreate(t, g, &CreateTaskOptions{Title: "contested"})

	first, err := g.AssignTask(ctx, task.ID, "agent-x", task.Version)
	require.NoError(t, err)
	second, err := g.AssignTask(ctx, task.ID, "agent-y", task.Version)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)

	fresh, err := g.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Version+1, fresh.Version)
	assert.Equal(t, "agent-x", fresh.Owner())
	assert.Equal(t, store.TaskAssigned, fresh.Status)
}

func TestAssignRefusesFailedTask(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	task := mustCreate(t, g, &CreateTaskOptions{Title: "flaky", MaxRetries: 3})
	ok, err := g.AssignTask(ctx, task.ID, "agent-1", task.Version)
	require.NoError(t, err)
	require.True(t, ok)

	fresh, _ := g.GetTask(ctx, task.ID)
	result, err := g.FailTask(ctx, task.ID, "boom", fresh.Version)
	require.NoError(t, err)
	require.True(t, result.Success)

	// Failed tasks only come back through RetryTask.
	fresh, _ = g.GetTask(ctx, task.ID)
	ok, err = g.AssignTask(ctx, task.ID, "agent-2", fresh.Version)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailTaskRetryBudget(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	task := mustCreate(t, g, &CreateTaskOptions{Title: "flaky", MaxRetries: 2})

	ok, err := g.AssignTask(ctx, task.ID, "agent-1", task.Version)
	require.NoError(t, err)
	require.True(t, ok)

	fresh, _ := g.GetTask(ctx, task.ID)
	result, err := g.FailTask(ctx, task.ID, "first", fresh.Version)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.True(t, result.CanRetry)

	fresh, _ = g.GetTask(ctx, task.ID)
	assert.Equal(t, 1, fresh.RetryCount)
	assert.Equal(t, "first", fresh.Error())
	assert.Equal(t, "agent-1", fresh.Owner())

	ok, err = g.RetryTask(ctx, task.ID, "agent-2")
	require.NoError(t, err)
	require.True(t, ok)

	fresh, _ = g.GetTask(ctx, task.ID)
	assert.Equal(t, store.TaskAssigned, fresh.Status)
	assert.Equal(t, "agent-2", fresh.Owner())
	assert.Empty(t, fresh.Error())
	assert.Equal(t, 1, fresh.RetryCount)

	result, err = g.FailTask(ctx, task.ID, "second", fresh.Version)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.False(t, result.CanRetry)

	// Budget spent: retry refuses without touching the task.
	ok, err = g.RetryTask(ctx, task.ID, "agent-3")
	require.NoError(t, err)
	assert.False(t, ok)

	fresh, _ = g.GetTask(ctx, task.ID)
	assert.Equal(t, store.TaskFailed, fresh.Status)
	assert.Equal(t, 2, fresh.RetryCount)
}

func TestRetryTaskWithoutAgent(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	task := mustCreate(t, g, &CreateTaskOptions{Title: "requeue", MaxRetries: 3})
	ok, err := g.AssignTask(ctx, task.ID, "agent-1", task.Version)
	require.NoError(t, err)
	require.True(t, ok)

	fresh, _ := g.GetTask(ctx, task.ID)
	_, err = g.FailTask(ctx, task.ID, "boom", fresh.Version)
	require.NoError(t, err)

	ok, err = g.RetryTask(ctx, task.ID, "")
	require.NoError(t, err)
	require.True(t, ok)

	fresh, _ = g.GetTask(ctx, task.ID)
	assert.Equal(t, store.TaskPending, fresh.Status)
	assert.Nil(t, fresh.OwnerAgentID)
	assert.Empty(t, fresh.Error())
}

func TestFailTaskBlocksDependents(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	a := mustCreate(t, g, &CreateTaskOptions{Title: "A", MaxRetries: 1})
	b := mustCreate(t, g, &CreateTaskOptions{Title: "B", DependsOn: []string{a.ID}})
	c := mustCreate(t, g, &CreateTaskOptions{Title: "C", DependsOn: []string{a.ID}})
	ok, err := g.CancelTask(ctx, c.ID, c.Version)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.AssignTask(ctx, a.ID, "agent-1", a.Version)
	require.NoError(t, err)
	require.True(t, ok)

	fresh, _ := g.GetTask(ctx, a.ID)
	result, err := g.FailTask(ctx, a.ID, "disk full", fresh.Version)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.BlockedTasks, 1)

	blocked := result.BlockedTasks[0]
	assert.Equal(t, b.ID, blocked.ID)
	assert.Equal(t, store.TaskBlocked, blocked.Status)
	assert.Contains(t, blocked.Error(), "Blocked: dependency")
	assert.Contains(t, blocked.Error(), "disk full")

	// Terminal dependents stay untouched.
	freshC, _ := g.GetTask(ctx, c.ID)
	assert.Equal(t, store.TaskCancelled, freshC.Status)
}

func TestCancelTask(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	task := mustCreate(t, g, &CreateTaskOptions{Title: "doomed"})
	ok, err := g.AssignTask(ctx, task.ID, "agent-1", task.Version)
	require.NoError(t, err)
	require.True(t, ok)

	fresh, _ := g.GetTask(ctx, task.ID)
	ok, err = g.CancelTask(ctx, task.ID, fresh.Version)
	require.NoError(t, err)
	require.True(t, ok)

	fresh, _ = g.GetTask(ctx, task.ID)
	assert.Equal(t, store.TaskCancelled, fresh.Status)
	assert.Nil(t, fresh.OwnerAgentID)

	// Terminal states refuse cancellation.
	ok, err = g.CancelTask(ctx, task.ID, fresh.Version)
	require.NoError(t, err)
	assert.False(t, ok)

	finished := mustCreate(t, g, &CreateTaskOptions{Title: "finished"})
	runToCompleted(t, g, finished.ID, "agent-1")
	fresh, _ = g.GetTask(ctx, finished.ID)
	ok, err = g.CancelTask(ctx, finished.ID, fresh.Version)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanupForAgent(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	first := mustCreate(t, g, &CreateTaskOptions{Title: "first"})
	second := mustCreate(t, g, &CreateTaskOptions{Title: "second"})
	other := mustCreate(t, g, &CreateTaskOptions{Title: "other"})

	ok, err := g.AssignTask(ctx, first.ID, "agent-1", first.Version)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = g.AssignTask(ctx, second.ID, "agent-1", second.Version)
	require.NoError(t, err)
	require.True(t, ok)
	fresh, _ := g.GetTask(ctx, second.ID)
	ok, err = g.StartTask(ctx, second.ID, fresh.Version)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = g.AssignTask(ctx, other.ID, "agent-2", other.Version)
	require.NoError(t, err)
	require.True(t, ok)

	count, err := g.CleanupForAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	for _, id := range []string{first.ID, second.ID} {
		fresh, err := g.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.TaskPending, fresh.Status)
		assert.Nil(t, fresh.OwnerAgentID)
	}
	freshOther, _ := g.GetTask(ctx, other.ID)
	assert.Equal(t, store.TaskAssigned, freshOther.Status)
	assert.Equal(t, "agent-2", freshOther.Owner())
}

func TestGetNextTask(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	mustCreate(t, g, &CreateTaskOptions{Title: "low", Priority: 3})
	urgent := mustCreate(t, g, &CreateTaskOptions{Title: "urgent", Priority: 0})
	tagged := mustCreate(t, g, &CreateTaskOptions{
		Title:                "tagged",
		Priority:             2,
		RequiredCapabilities: []string{"testing"},
	})

	// Without capabilities the strict priority order wins.
	next, err := g.GetNextTask(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, urgent.ID, next.ID)

	// A capability match beats priority order.
	next, err = g.GetNextTask(ctx, []string{"testing"})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, tagged.ID, next.ID)

	// No intersection falls back to the top of the order.
	next, err = g.GetNextTask(ctx, []string{"cooking"})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, urgent.ID, next.ID)
}

func TestGetNextTaskSkipsBlockedAndOwned(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	a := mustCreate(t, g, &CreateTaskOptions{Title: "A", Priority: 0})
	mustCreate(t, g, &CreateTaskOptions{Title: "B", Priority: 0, DependsOn: []string{a.ID}})
	ok, err := g.AssignTask(ctx, a.ID, "agent-1", a.Version)
	require.NoError(t, err)
	require.True(t, ok)

	next, err := g.GetNextTask(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestQueryTasksCapabilityPostFilter(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	mustCreate(t, g, &CreateTaskOptions{Title: "plain"})
	tagged := mustCreate(t, g, &CreateTaskOptions{
		Title:                "tagged",
		RequiredCapabilities: []string{"deploy", "testing"},
	})

	tasks, err := g.QueryTasks(ctx, &QueryFilter{RequiredCapability: "deploy"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, tagged.ID, tasks[0].ID)
}

func TestActiveTaskCap(t *testing.T) {
	st := newTestStore(t)
	g := New(st, WithMaxTasks(2))
	ctx := context.Background()

	_, err := g.CreateTask(ctx, &CreateTaskOptions{Title: "one"})
	require.NoError(t, err)
	two, err := g.CreateTask(ctx, &CreateTaskOptions{Title: "two"})
	require.NoError(t, err)

	_, err = g.CreateTask(ctx, &CreateTaskOptions{Title: "three"})
	assert.Error(t, err)

	// Terminal tasks free capacity.
	fresh, _ := g.GetTask(ctx, two.ID)
	ok, err := g.CancelTask(ctx, two.ID, fresh.Version)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = g.CreateTask(ctx, &CreateTaskOptions{Title: "three"})
	assert.NoError(t, err)
}

func TestCreateTaskBatchIndexed(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	tasks, err := g.CreateTaskBatchIndexed(ctx, []*CreateTaskOptions{
		{Title: "fetch"},
		{Title: "build"},
		{Title: "ship"},
	}, [][]int{nil, {0}, {0, 1}})
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	assert.Equal(t, store.TaskPending, tasks[0].Status)
	assert.Equal(t, store.TaskBlocked, tasks[1].Status)
	assert.Equal(t, store.TaskBlocked, tasks[2].Status)
	assert.Equal(t, []string{tasks[0].ID}, tasks[1].DependsOn)
	assert.Len(t, tasks[2].DependsOn, 2)

	_, err = g.CreateTaskBatchIndexed(ctx, []*CreateTaskOptions{{Title: "bad"}}, [][]int{{3}})
	assert.Error(t, err)
	_, err = g.CreateTaskBatchIndexed(ctx, []*CreateTaskOptions{{Title: "self"}}, [][]int{{0}})
	assert.Error(t, err)
}

func TestClearAllAndSummary(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	a := mustCreate(t, g, &CreateTaskOptions{Title: "A"})
	mustCreate(t, g, &CreateTaskOptions{Title: "B", DependsOn: []string{a.ID}})
	runToCompleted(t, g, a.ID, "agent-1")

	summary, err := g.GetSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Active)
	assert.Equal(t, 1, summary.ByStatus[store.TaskCompleted])
	assert.Equal(t, 1, summary.ByStatus[store.TaskPending])

	count, err := g.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	summary, err = g.GetSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
}

func TestReopenPersistence(t *testing.T) {
	dir := t.TempDir()
	testProfile := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		Data:   dir,
		DSN:    filepath.Join(dir, "test.db"),
	}
	ctx := context.Background()

	driver, err := sqlite.NewDB(testProfile)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(ctx))
	g := New(store.New(driver, testProfile))

	a := mustCreate(t, g, &CreateTaskOptions{Title: "A"})
	b := mustCreate(t, g, &CreateTaskOptions{Title: "B", DependsOn: []string{a.ID}})
	require.NoError(t, driver.Close())

	driver, err = sqlite.NewDB(testProfile)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(ctx))
	g = New(store.New(driver, testProfile))
	defer driver.Close()

	fresh, err := g.GetTask(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, store.TaskBlocked, fresh.Status)
	assert.Equal(t, []string{a.ID}, fresh.DependsOn)

	runToCompleted(t, g, a.ID, "agent-1")
	fresh, err = g.GetTask(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, fresh.Status)
}
