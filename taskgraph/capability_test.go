package taskgraph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/store"
)

func TestRecordTaskOutcomeSeedsNewProfile(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.RecordTaskOutcome(ctx, "agent-1", []string{"testing"}, true))

	profile, err := g.GetCapabilityProfile(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, profile)

	assert.Equal(t, int64(1), profile.TotalCompleted)
	assert.Equal(t, int64(0), profile.TotalFailed)
	// Unseen tag starts at the 0.5 prior, then moves 0.3 toward 1.
	assert.InDelta(t, 0.65, profile.SuccessRate["testing"], 1e-9)
	assert.InDelta(t, 0.5, profile.Capabilities["testing"], 1e-9)
}

func TestRecordTaskOutcomeMovingAverage(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.RecordTaskOutcome(ctx, "agent-1", []string{"deploy"}, true))
	require.NoError(t, g.RecordTaskOutcome(ctx, "agent-1", []string{"deploy"}, false))

	profile, err := g.GetCapabilityProfile(ctx, "agent-1")
	require.NoError(t, err)
	// 0.5 -> 0.65 on success, then 0.65*0.7 on failure.
	assert.InDelta(t, 0.455, profile.SuccessRate["deploy"], 1e-9)
	assert.Equal(t, int64(1), profile.TotalCompleted)
	assert.Equal(t, int64(1), profile.TotalFailed)

	// A tag never exercised stays absent.
	_, ok := profile.SuccessRate["testing"]
	assert.False(t, ok)
}

func TestScoreAgent(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	_, err := g.UpsertCapabilityProfile(ctx, &store.UpsertCapabilityProfile{
		AgentID:        "agent-good",
		Capabilities:   map[string]float64{"testing": 0.9},
		SuccessRate:    map[string]float64{"testing": 0.95},
		TotalCompleted: 20,
		TotalFailed:    1,
	})
	require.NoError(t, err)

	taggedTask := &store.Task{RequiredCapabilities: []string{"testing"}}
	plainTask := &store.Task{}

	score, err := g.ScoreAgent(ctx, "agent-good", taggedTask)
	require.NoError(t, err)
	assert.InDelta(t, 0.4*0.9+0.6*0.95, score, 1e-9)

	// No required capabilities scores overall reliability.
	score, err = g.ScoreAgent(ctx, "agent-good", plainTask)
	require.NoError(t, err)
	assert.InDelta(t, 20.0/21.0, score, 1e-9)

	// Unknown agents get the floor score.
	score, err = g.ScoreAgent(ctx, "agent-unknown", taggedTask)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, score, 1e-9)

	// A known agent with zero matching tags scores below the floor.
	score, err = g.ScoreAgent(ctx, "agent-good", &store.Task{RequiredCapabilities: []string{"cooking"}})
	require.NoError(t, err)
	assert.InDelta(t, 0.05, score, 1e-9)
}

func TestScoreAgentCoverageDiscount(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	_, err := g.UpsertCapabilityProfile(ctx, &store.UpsertCapabilityProfile{
		AgentID:      "agent-half",
		Capabilities: map[string]float64{"testing": 1.0},
		SuccessRate:  map[string]float64{"testing": 1.0},
	})
	require.NoError(t, err)

	task := &store.Task{RequiredCapabilities: []string{"testing", "deploy"}}
	score, err := g.ScoreAgent(ctx, "agent-half", task)
	require.NoError(t, err)
	// Perfect on one of two required tags: mean 1.0, coverage 0.5.
	assert.InDelta(t, 0.5, score, 1e-9)
}

func TestScoreAgentEmptyHistoryReliability(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	_, err := g.UpsertCapabilityProfile(ctx, &store.UpsertCapabilityProfile{AgentID: "agent-new"})
	require.NoError(t, err)

	score, err := g.ScoreAgent(ctx, "agent-new", &store.Task{})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, score, 1e-9)
}

func TestTopCapabilities(t *testing.T) {
	profile := &store.CapabilityProfile{
		AgentID: "agent-1",
		Capabilities: map[string]float64{
			"a": 0.1, "b": 0.2, "c": 0.3,
		},
		SuccessRate: map[string]float64{
			"a": 0.9, "b": 0.4, "c": 0.4,
		},
	}

	top := TopCapabilities(profile, 2)
	require.Len(t, top, 2)
	assert.Equal(t, "a", top[0].Tag)
	// Equal rates order by tag for stable output.
	assert.Equal(t, "b", top[1].Tag)
	assert.InDelta(t, 0.2, top[1].Confidence, 1e-9)
}
