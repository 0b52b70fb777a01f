package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// NodeInfo identifies the node a task envelope was built for
type NodeInfo struct {
	NodeID          uuid.UUID `json:"node_id"`
	NodeInstanceID  uuid.UUID `json:"node_instance_id"`
	Name            string    `json:"name"`
	TaskDescription string    `json:"task_description"`
	UpstreamCount   int       `json:"upstream_count"`
}

// ContextEnvelope is the typed input handed to every materialized task.
// Upstream outputs stay opaque; keys of ImmediateUpstream are node ids.
type ContextEnvelope struct {
	ImmediateUpstream map[string]json.RawMessage `json:"immediate_upstream"`
	WorkflowGlobal    json.RawMessage            `json:"workflow_global,omitempty"`
	NodeInfo          NodeInfo                   `json:"node_info"`
}
