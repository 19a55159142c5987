package taskgraph

import (
	"context"
	"sort"

	"github.com/taskmesh/taskmesh/store"
)

const (
	// successRateAlpha is the EMA weight of the newest outcome.
	successRateAlpha = 0.3
	// neutralPrior seeds unseen capability tags and empty histories.
	neutralPrior = 0.5
	// unknownAgentScore applies when no profile exists for the agent.
	unknownAgentScore = 0.1
	// noMatchScore applies when a profile covers none of the required tags.
	noMatchScore = 0.05
)

// UpsertCapabilityProfile writes a profile wholesale.
func (g *Graph) UpsertCapabilityProfile(ctx context.Context, upsert *store.UpsertCapabilityProfile) (*store.CapabilityProfile, error) {
	return g.store.UpsertCapabilityProfile(ctx, upsert)
}

// GetCapabilityProfile returns the profile or nil when the agent is unknown.
func (g *Graph) GetCapabilityProfile(ctx context.Context, agentID string) (*store.CapabilityProfile, error) {
	return g.store.GetCapabilityProfile(ctx, agentID)
}

// GetAllCapabilityProfiles lists every known profile.
func (g *Graph) GetAllCapabilityProfiles(ctx context.Context) ([]*store.CapabilityProfile, error) {
	return g.store.ListCapabilityProfiles(ctx)
}

// RecordTaskOutcome folds one finished task into the agent's profile.
// Totals increment, and each capability tag's success rate moves toward
// the outcome by an exponential moving average. Unseen tags start at the
// neutral prior before the update applies.
func (g *Graph) RecordTaskOutcome(ctx context.Context, agentID string, taskCaps []string, succeeded bool) error {
	profile, err := g.store.GetCapabilityProfile(ctx, agentID)
	if err != nil {
		return err
	}
	if profile == nil {
		profile = &store.CapabilityProfile{
			AgentID:      agentID,
			Capabilities: map[string]float64{},
			SuccessRate:  map[string]float64{},
		}
	}
	if profile.Capabilities == nil {
		profile.Capabilities = map[string]float64{}
	}
	if profile.SuccessRate == nil {
		profile.SuccessRate = map[string]float64{}
	}

	if succeeded {
		profile.TotalCompleted++
	} else {
		profile.TotalFailed++
	}

	outcome := 0.0
	if succeeded {
		outcome = 1.0
	}
	for _, tag := range taskCaps {
		prev, ok := profile.SuccessRate[tag]
		if !ok {
			prev = neutralPrior
		}
		profile.SuccessRate[tag] = prev*(1-successRateAlpha) + outcome*successRateAlpha
		if _, ok := profile.Capabilities[tag]; !ok {
			profile.Capabilities[tag] = neutralPrior
		}
	}

	_, err = g.store.UpsertCapabilityProfile(ctx, &store.UpsertCapabilityProfile{
		AgentID:        agentID,
		Capabilities:   profile.Capabilities,
		SuccessRate:    profile.SuccessRate,
		TotalCompleted: profile.TotalCompleted,
		TotalFailed:    profile.TotalFailed,
	})
	return err
}

// ScoreAgent rates an agent's fit for a task in [0,1]. Tasks without
// required capabilities score the agent's overall reliability. Otherwise
// every required tag the profile knows contributes a blend of declared
// confidence and observed success rate, and the mean is discounted by
// coverage of the requirement list.
func (g *Graph) ScoreAgent(ctx context.Context, agentID string, task *store.Task) (float64, error) {
	profile, err := g.store.GetCapabilityProfile(ctx, agentID)
	if err != nil {
		return 0, err
	}
	if profile == nil {
		return unknownAgentScore, nil
	}

	required := task.RequiredCapabilities
	if len(required) == 0 {
		total := profile.TotalCompleted + profile.TotalFailed
		if total == 0 {
			return neutralPrior, nil
		}
		return float64(profile.TotalCompleted) / float64(total), nil
	}

	matched := 0
	sum := 0.0
	for _, tag := range required {
		confidence, ok := profile.Capabilities[tag]
		if !ok {
			continue
		}
		rate, ok := profile.SuccessRate[tag]
		if !ok {
			rate = neutralPrior
		}
		sum += 0.4*confidence + 0.6*rate
		matched++
	}
	if matched == 0 {
		return noMatchScore, nil
	}
	mean := sum / float64(matched)
	coverage := float64(matched) / float64(len(required))
	return mean * coverage, nil
}

// CapabilitySummary is one tag of an agent profile, used in status output.
type CapabilitySummary struct {
	Tag         string
	Confidence  float64
	SuccessRate float64
}

// TopCapabilities returns the n strongest tags of a profile by success
// rate, ties broken by tag name for stable output.
func TopCapabilities(profile *store.CapabilityProfile, n int) []CapabilitySummary {
	summaries := make([]CapabilitySummary, 0, len(profile.SuccessRate))
	for tag, rate := range profile.SuccessRate {
		summaries = append(summaries, CapabilitySummary{
			Tag:         tag,
			Confidence:  profile.Capabilities[tag],
			SuccessRate: rate,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].SuccessRate != summaries[j].SuccessRate {
			return summaries[i].SuccessRate > summaries[j].SuccessRate
		}
		return summaries[i].Tag < summaries[j].Tag
	})
	if len(summaries) > n {
		summaries = summaries[:n]
	}
	return summaries
}
