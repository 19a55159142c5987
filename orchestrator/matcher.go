package orchestrator

import (
	"context"
	"fmt"

	"github.com/taskmesh/taskmesh/store"
)

const fallbackScore = 0.1

// selectBestAgent picks the assignable agent with the highest capability
// score above the configured threshold, ties broken by roster order. When
// nothing clears the threshold, the first eligible agent is drafted with a
// fallback score so work does not starve on an untrained fleet. Returns
// nil when no agent is eligible.
func (o *Orchestrator) selectBestAgent(ctx context.Context, task *store.Task, agents []*Agent, exclude map[string]bool) (*AssignmentDecision, error) {
	var best *AssignmentDecision
	var firstEligible *Agent

	for _, agent := range agents {
		if !agent.Status.Assignable() || exclude[agent.ID] {
			continue
		}
		if firstEligible == nil {
			firstEligible = agent
		}
		score, err := o.graph.ScoreAgent(ctx, agent.ID, task)
		if err != nil {
			return nil, err
		}
		if score <= o.config.MinCapabilityScore {
			continue
		}
		if best == nil || score > best.Score {
			best = &AssignmentDecision{
				TaskID:  task.ID,
				AgentID: agent.ID,
				Score:   score,
				Reason:  fmt.Sprintf("Capability match (score %.2f)", score),
			}
		}
	}
	if best != nil {
		return best, nil
	}
	if firstEligible == nil {
		return nil, nil
	}
	return &AssignmentDecision{
		TaskID:  task.ID,
		AgentID: firstEligible.ID,
		Score:   fallbackScore,
		Reason:  "Fallback: no agent cleared the capability threshold",
	}, nil
}
