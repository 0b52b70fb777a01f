package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InstanceStatus represents the status of a workflow instance
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "PENDING"
	InstanceStatusRunning   InstanceStatus = "RUNNING"
	InstanceStatusPaused    InstanceStatus = "PAUSED"
	InstanceStatusCompleted InstanceStatus = "COMPLETED"
	InstanceStatusFailed    InstanceStatus = "FAILED"
	InstanceStatusCancelled InstanceStatus = "CANCELLED"
)

// IsTerminal reports whether the status admits no further transitions
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed || s == InstanceStatusCancelled
}

// WorkflowInstance is one execution of a template version.
// Maps to: workflow_instance table.
type WorkflowInstance struct {
	InstanceID        uuid.UUID `db:"instance_id" json:"instance_id"`
	TemplateVersionID uuid.UUID `db:"template_version_id" json:"template_version_id"`

	// Denormalized for the duplicate-execution check
	TemplateBaseID uuid.UUID `db:"template_base_id" json:"template_base_id"`

	// Who requested the run; scopes duplicate checks and event channels
	ExecutorID uuid.UUID `db:"executor_id" json:"executor_id"`

	Name   string         `db:"name" json:"name"`
	Status InstanceStatus `db:"status" json:"status"`

	// Workflow input as submitted
	Input json.RawMessage `db:"input" json:"input,omitempty"`

	// Caller-provided ambient context, opaque to the engine
	Context json.RawMessage `db:"context" json:"context,omitempty"`

	// Final output, set at terminal transition
	Output json.RawMessage `db:"output" json:"output,omitempty"`

	// Structured execution summary, set at terminal transition
	Summary json.RawMessage `db:"summary" json:"summary,omitempty"`

	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}
