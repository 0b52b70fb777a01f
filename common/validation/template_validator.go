package validation

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/common/models"
)

// TemplateValidator checks workflow templates for structural defects
// before any instance state is created. Cycle detection is not done
// here; the dependency tracker owns it.
type TemplateValidator struct{}

// NewTemplateValidator creates a new template validator
func NewTemplateValidator() *TemplateValidator {
	return &TemplateValidator{}
}

// Validate checks nodes and edges for structural problems
func (v *TemplateValidator) Validate(t *models.WorkflowTemplate) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("template %s has no nodes", t.TemplateVersionID)
	}

	nodeIDs := make(map[uuid.UUID]bool, len(t.Nodes))
	hasStart := false
	hasEnd := false

	for i, node := range t.Nodes {
		if node.NodeID == uuid.Nil {
			return fmt.Errorf("node %d: missing node_id", i)
		}
		if nodeIDs[node.NodeID] {
			return fmt.Errorf("duplicate node_id %s", node.NodeID)
		}
		nodeIDs[node.NodeID] = true

		switch node.Type {
		case models.NodeTypeStart:
			hasStart = true
		case models.NodeTypeEnd:
			hasEnd = true
		case models.NodeTypeProcessor:
			// Processor bindings are checked at materialization time;
			// an unbound processor node fast-path completes with a warning.
		default:
			return fmt.Errorf("node %s: unknown type %q", node.NodeID, node.Type)
		}

		for j, p := range node.Processors {
			if err := v.validateProcessor(node.NodeID, j, p); err != nil {
				return err
			}
		}
	}

	if !hasStart {
		return fmt.Errorf("template %s has no START node", t.TemplateVersionID)
	}
	if !hasEnd {
		return fmt.Errorf("template %s has no END node", t.TemplateVersionID)
	}

	incoming := make(map[uuid.UUID]int, len(t.Nodes))
	for i, edge := range t.Edges {
		if !nodeIDs[edge.FromNodeID] {
			return fmt.Errorf("edge %d: from_node_id %s not in template", i, edge.FromNodeID)
		}
		if !nodeIDs[edge.ToNodeID] {
			return fmt.Errorf("edge %d: to_node_id %s not in template", i, edge.ToNodeID)
		}
		if edge.FromNodeID == edge.ToNodeID {
			return fmt.Errorf("edge %d: self-loop on node %s", i, edge.FromNodeID)
		}
		incoming[edge.ToNodeID]++
	}

	// START nodes are entry points; an inbound edge would make them
	// unreachable by the ready-by-construction rule
	for _, node := range t.Nodes {
		if node.Type == models.NodeTypeStart && incoming[node.NodeID] > 0 {
			return fmt.Errorf("START node %s has incoming edges", node.NodeID)
		}
	}

	return nil
}

// validateProcessor checks the kind tag is known. Missing user/agent
// bindings are tolerated here and surface as runtime warnings.
func (v *TemplateValidator) validateProcessor(nodeID uuid.UUID, index int, p models.Processor) error {
	switch p.Kind {
	case models.ProcessorHuman, models.ProcessorAgent, models.ProcessorMixed:
		return nil
	default:
		return fmt.Errorf("node %s processor %d: unknown kind %q", nodeID, index, p.Kind)
	}
}
