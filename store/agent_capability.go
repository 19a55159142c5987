package store

import "time"

// CapabilityProfile is the learned competency record for one agent.
// Capabilities holds per-tag confidence in [0,1]; SuccessRate holds the
// exponential moving average of outcomes per tag.
type CapabilityProfile struct {
	AgentID        string
	Capabilities   map[string]float64
	SuccessRate    map[string]float64
	TotalCompleted int64
	TotalFailed    int64
	UpdatedAt      time.Time
}

// UpsertCapabilityProfile replaces the stored profile for an agent.
type UpsertCapabilityProfile struct {
	AgentID        string
	Capabilities   map[string]float64
	SuccessRate    map[string]float64
	TotalCompleted int64
	TotalFailed    int64
}
