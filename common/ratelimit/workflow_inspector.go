package ratelimit

import "github.com/lyzr/flowcore/common/models"

// WorkflowTier represents the rate limit tier based on template weight
type WorkflowTier string

const (
	TierSimple   WorkflowTier = "simple"   // No agent-executed nodes
	TierStandard WorkflowTier = "standard" // 1-2 agent-executed nodes
	TierHeavy    WorkflowTier = "heavy"    // 3+ agent-executed nodes
)

// WorkflowProfile contains analysis of a template's weight
type WorkflowProfile struct {
	Tier          WorkflowTier // Determined tier
	AgentCount    int          // Nodes with at least one AGENT/MIXED processor
	HasAgentNodes bool         // Whether the template has any agent work
	TotalNodes    int          // Total node count
}

// InspectTemplate analyzes a template and determines its tier. A node
// counts as agent-executed when any of its processors calls the agent.
func InspectTemplate(t *models.WorkflowTemplate) WorkflowProfile {
	profile := WorkflowProfile{
		Tier:       TierSimple,
		TotalNodes: len(t.Nodes),
	}

	for _, node := range t.Nodes {
		for _, p := range node.Processors {
			if p.Kind == models.ProcessorAgent || p.Kind == models.ProcessorMixed {
				profile.AgentCount++
				profile.HasAgentNodes = true
				break
			}
		}
	}

	profile.Tier = determineTier(profile.AgentCount)

	return profile
}

// determineTier returns the appropriate tier based on agent count
func determineTier(agentCount int) WorkflowTier {
	switch {
	case agentCount == 0:
		return TierSimple
	case agentCount <= 2:
		return TierStandard
	default: // 3+
		return TierHeavy
	}
}
