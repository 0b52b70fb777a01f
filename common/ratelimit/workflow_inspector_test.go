package ratelimit

import (
	"testing"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/common/models"
)

func agentNode(kind models.ProcessorKind) models.Node {
	id := uuid.New()
	return models.Node{
		NodeID: id,
		Type:   models.NodeTypeProcessor,
		Processors: []models.Processor{
			{ProcessorID: uuid.New(), NodeID: id, Kind: kind},
		},
	}
}

func TestInspectTemplate(t *testing.T) {
	humanOnly := agentNode(models.ProcessorHuman)

	tests := []struct {
		name       string
		nodes      []models.Node
		wantTier   WorkflowTier
		wantAgents int
	}{
		{
			name:       "no agents",
			nodes:      []models.Node{{NodeID: uuid.New(), Type: models.NodeTypeStart}, humanOnly},
			wantTier:   TierSimple,
			wantAgents: 0,
		},
		{
			name:       "two agents",
			nodes:      []models.Node{agentNode(models.ProcessorAgent), agentNode(models.ProcessorAgent)},
			wantTier:   TierStandard,
			wantAgents: 2,
		},
		{
			name: "mixed counts as agent",
			nodes: []models.Node{
				agentNode(models.ProcessorMixed),
				agentNode(models.ProcessorAgent),
				agentNode(models.ProcessorAgent),
			},
			wantTier:   TierHeavy,
			wantAgents: 3,
		},
		{
			name: "multiple agent processors on one node count once",
			nodes: []models.Node{
				func() models.Node {
					n := agentNode(models.ProcessorAgent)
					n.Processors = append(n.Processors,
						models.Processor{ProcessorID: uuid.New(), NodeID: n.NodeID, Kind: models.ProcessorAgent})
					return n
				}(),
			},
			wantTier:   TierStandard,
			wantAgents: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := &models.WorkflowTemplate{Nodes: tt.nodes}
			profile := InspectTemplate(tpl)

			if profile.Tier != tt.wantTier {
				t.Errorf("Expected tier %s, got %s", tt.wantTier, profile.Tier)
			}
			if profile.AgentCount != tt.wantAgents {
				t.Errorf("Expected %d agent nodes, got %d", tt.wantAgents, profile.AgentCount)
			}
			if profile.TotalNodes != len(tt.nodes) {
				t.Errorf("Expected %d total nodes, got %d", len(tt.nodes), profile.TotalNodes)
			}
		})
	}
}

func TestGetLimitForTier(t *testing.T) {
	if got := GetLimitForTier(TierSimple); got != 100 {
		t.Errorf("Expected 100 for simple tier, got %d", got)
	}
	if got := GetLimitForTier(TierStandard); got != 20 {
		t.Errorf("Expected 20 for standard tier, got %d", got)
	}
	if got := GetLimitForTier(TierHeavy); got != 5 {
		t.Errorf("Expected 5 for heavy tier, got %d", got)
	}
	// Unknown tiers fall back to the most restrictive limit
	if got := GetLimitForTier(WorkflowTier("mystery")); got != 5 {
		t.Errorf("Expected heavy fallback 5, got %d", got)
	}
}
