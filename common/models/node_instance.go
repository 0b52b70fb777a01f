package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NodeStatus represents the status of a node instance
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "PENDING"
	NodeStatusRunning   NodeStatus = "RUNNING"
	NodeStatusCompleted NodeStatus = "COMPLETED"
	NodeStatusFailed    NodeStatus = "FAILED"
	NodeStatusCancelled NodeStatus = "CANCELLED"
)

// IsTerminal reports whether the status admits no further transitions
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed || s == NodeStatusCancelled
}

// NodeInstance is the runtime record of one template node within one run.
// Maps to: node_instance table. Name and Type are denormalized from the
// template so summaries never need a template read.
type NodeInstance struct {
	NodeInstanceID uuid.UUID  `db:"node_instance_id" json:"node_instance_id"`
	InstanceID     uuid.UUID  `db:"instance_id" json:"instance_id"`
	NodeID         uuid.UUID  `db:"node_id" json:"node_id"`
	Name           string     `db:"name" json:"name"`
	Type           NodeType   `db:"type" json:"type"`
	Status         NodeStatus `db:"status" json:"status"`

	// Materialized upstream envelope, recorded when the node enters RUNNING
	Input json.RawMessage `db:"input" json:"input,omitempty"`

	// Aggregated output, recorded when the node completes
	Output json.RawMessage `db:"output" json:"output,omitempty"`

	// Times the node's tasks were re-materialized after failure
	RetryCount int `db:"retry_count" json:"retry_count"`

	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}
