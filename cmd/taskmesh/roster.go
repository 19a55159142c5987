package main

import (
	"context"
	"strings"

	"github.com/taskmesh/taskmesh/orchestrator"
)

// staticRoster is an AgentProvider backed by a fixed configuration string.
// Every listed agent is reported idle; liveness tracking belongs to an
// external supervisor.
type staticRoster struct {
	agents []*orchestrator.Agent
}

// newStaticRoster parses "id=cap|cap,id2=cap" into a roster. Entries
// without capabilities are allowed.
func newStaticRoster(spec string) *staticRoster {
	roster := &staticRoster{}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, caps, _ := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		agent := &orchestrator.Agent{ID: id, Status: orchestrator.AgentIdle}
		for _, tag := range strings.Split(caps, "|") {
			if tag = strings.TrimSpace(tag); tag != "" {
				agent.Capabilities = append(agent.Capabilities, tag)
			}
		}
		roster.agents = append(roster.agents, agent)
	}
	return roster
}

func (r *staticRoster) GetAvailableAgents(_ context.Context) ([]*orchestrator.Agent, error) {
	return r.agents, nil
}

func (r *staticRoster) GetAgent(_ context.Context, id string) (*orchestrator.Agent, error) {
	for _, agent := range r.agents {
		if agent.ID == id {
			return agent, nil
		}
	}
	return nil, nil
}
