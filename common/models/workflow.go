package models

import (
	"time"

	"github.com/google/uuid"
)

// NodeType classifies a template node
type NodeType string

const (
	NodeTypeStart     NodeType = "START"
	NodeTypeProcessor NodeType = "PROCESSOR"
	NodeTypeEnd       NodeType = "END"
)

// ProcessorKind designates who carries out a node's work
type ProcessorKind string

const (
	ProcessorHuman ProcessorKind = "HUMAN"
	ProcessorAgent ProcessorKind = "AGENT"
	ProcessorMixed ProcessorKind = "MIXED"
)

// Processor binds a node to an executing party.
// HUMAN requires UserID, AGENT requires AgentID, MIXED requires both.
type Processor struct {
	ProcessorID uuid.UUID     `db:"processor_id" json:"processor_id"`
	NodeID      uuid.UUID     `db:"node_id" json:"node_id"`
	Kind        ProcessorKind `db:"kind" json:"kind"`
	UserID      *uuid.UUID    `db:"user_id" json:"user_id,omitempty"`
	AgentID     *uuid.UUID    `db:"agent_id" json:"agent_id,omitempty"`
	Name        string        `db:"name" json:"name"`

	// ToolsEnabled selects the long agent-call timeout
	ToolsEnabled bool `db:"tools_enabled" json:"tools_enabled"`
}

// Node is one vertex of a workflow template version.
// NodeID is the versioned identifier used for dependency math and context keys.
type Node struct {
	NodeID            uuid.UUID `db:"node_id" json:"node_id"`
	TemplateVersionID uuid.UUID `db:"template_version_id" json:"template_version_id"`
	Name              string    `db:"name" json:"name"`
	Type              NodeType  `db:"type" json:"type"`

	// Free-text description; may contain ${...} references resolved
	// against upstream outputs at materialization time
	TaskDescription string `db:"task_description" json:"task_description"`

	// Per-node retry budget override; nil falls back to the engine default
	RetryLimit *int `db:"retry_limit" json:"retry_limit,omitempty"`

	Processors []Processor `db:"-" json:"processors,omitempty"`
}

// Edge is a directed dependency between two nodes of the same template version
type Edge struct {
	FromNodeID uuid.UUID `db:"from_node_id" json:"from_node_id"`
	ToNodeID   uuid.UUID `db:"to_node_id" json:"to_node_id"`
}

// WorkflowTemplate is one immutable version of a workflow definition.
// Maps to: workflow_template table; nodes/edges/processors load with it.
type WorkflowTemplate struct {
	TemplateVersionID uuid.UUID `db:"template_version_id" json:"template_version_id"`

	// Stable identity across versions; execution requests address this
	TemplateBaseID uuid.UUID `db:"template_base_id" json:"template_base_id"`

	Name      string    `db:"name" json:"name"`
	Version   int       `db:"version" json:"version"`
	Nodes     []Node    `db:"-" json:"nodes"`
	Edges     []Edge    `db:"-" json:"edges"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// FindNode returns the node with the given id, or nil
func (t *WorkflowTemplate) FindNode(nodeID uuid.UUID) *Node {
	for i := range t.Nodes {
		if t.Nodes[i].NodeID == nodeID {
			return &t.Nodes[i]
		}
	}
	return nil
}

// EffectiveRetryLimit resolves the node's retry budget against the engine default
func (n *Node) EffectiveRetryLimit(defaultLimit int) int {
	if n.RetryLimit != nil {
		return *n.RetryLimit
	}
	return defaultLimit
}
