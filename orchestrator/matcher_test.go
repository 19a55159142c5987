package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/store"
	"github.com/taskmesh/taskmesh/taskgraph"
)

func TestSelectBestAgentFallback(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t, idle("agent-1"), idle("agent-2"))
	ctx := context.Background()

	// Unknown agents score exactly the threshold, which does not clear it.
	task := &store.Task{ID: "t1", RequiredCapabilities: []string{"testing"}}
	decision, err := orch.selectBestAgent(ctx, task, []*Agent{idle("agent-1"), idle("agent-2")}, nil)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, "agent-1", decision.AgentID)
	assert.Contains(t, decision.Reason, "Fallback")
	assert.InDelta(t, 0.1, decision.Score, 1e-9)
}

func TestSelectBestAgentRespectsExclusionAndStatus(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	task := &store.Task{ID: "t1"}
	agents := []*Agent{
		{ID: "agent-busy", Status: AgentBusy},
		{ID: "agent-excluded", Status: AgentIdle},
		{ID: "agent-restored", Status: AgentRestored},
	}
	exclude := map[string]bool{"agent-excluded": true}

	decision, err := orch.selectBestAgent(ctx, task, agents, exclude)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, "agent-restored", decision.AgentID)

	decision, err = orch.selectBestAgent(ctx, task, []*Agent{{ID: "agent-busy", Status: AgentBusy}}, nil)
	require.NoError(t, err)
	assert.Nil(t, decision)
}

func TestSelectBestAgentPicksHighestScore(t *testing.T) {
	orch, graph, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	for agentID, rate := range map[string]float64{"agent-mid": 0.6, "agent-top": 0.9} {
		_, err := graph.UpsertCapabilityProfile(ctx, &store.UpsertCapabilityProfile{
			AgentID:      agentID,
			Capabilities: map[string]float64{"deploy": rate},
			SuccessRate:  map[string]float64{"deploy": rate},
		})
		require.NoError(t, err)
	}

	task := &store.Task{ID: "t1", RequiredCapabilities: []string{"deploy"}}
	decision, err := orch.selectBestAgent(ctx, task, []*Agent{idle("agent-mid"), idle("agent-top")}, nil)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, "agent-top", decision.AgentID)
	assert.Contains(t, decision.Reason, "Capability match")
	assert.InDelta(t, 0.9, decision.Score, 1e-9)
}

func TestDecomposeGoal(t *testing.T) {
	orch, graph, _, sender := newTestOrchestrator(t, idle("agent-1"))
	ctx := context.Background()

	tasks, err := orch.DecomposeGoal(ctx, "ship the release", []*SubtaskSpec{
		{Title: "build artifacts"},
		{Title: "run tests", DependsOnIndices: []int{0}},
		{Title: "publish", DependsOnIndices: []int{0, 1}},
	}, nil)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	assert.Equal(t, store.TaskPending, tasks[0].Status)
	assert.Equal(t, store.TaskBlocked, tasks[1].Status)
	assert.Equal(t, store.TaskBlocked, tasks[2].Status)
	// The orchestrator default applies when a subtask leaves the budget unset.
	assert.Equal(t, orch.config.MaxRetries, tasks[0].MaxRetries)

	// Decomposition triggers an immediate assignment cycle.
	fresh, err := graph.GetTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskAssigned, fresh.Status)
	require.Len(t, sender.messages(), 1)
	assert.Equal(t, MessageAssignment, sender.messages()[0].Message.Type)

	entries := orch.GetEventLog(0)
	found := false
	for _, entry := range entries {
		if entry.Type == "goal_decomposed" {
			found = true
			assert.Equal(t, "ship the release", entry.Details["goal"])
		}
	}
	assert.True(t, found)
}

func TestDecomposeGoalValidation(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := orch.DecomposeGoal(ctx, "", []*SubtaskSpec{{Title: "x"}}, nil)
	assert.Error(t, err)

	_, err = orch.DecomposeGoal(ctx, "goal", nil, nil)
	assert.Error(t, err)

	_, err = orch.DecomposeGoal(ctx, "goal", []*SubtaskSpec{
		{Title: "a", DependsOnIndices: []int{5}},
	}, nil)
	assert.Error(t, err)

	_, err = orch.DecomposeGoal(ctx, "goal", []*SubtaskSpec{
		{Title: "a", DependsOnIndices: []int{0}},
	}, nil)
	assert.Error(t, err)
}

func TestDecomposeGoalIsAtomic(t *testing.T) {
	orch, graph, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	// An invalid subtask rejects the whole batch before anything commits.
	_, err := orch.DecomposeGoal(ctx, "goal", []*SubtaskSpec{
		{Title: "good"},
		{Title: "bad", MaxRetries: taskgraph.MaxRetryLimit + 1},
	}, nil)
	require.Error(t, err)

	summary, err := graph.GetSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
}
