package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskType mirrors the processor kind that produced the task
type TaskType string

const (
	TaskTypeHuman TaskType = "HUMAN"
	TaskTypeAgent TaskType = "AGENT"
	TaskTypeMixed TaskType = "MIXED"
)

// TaskStatus represents the status of a task instance
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusAssigned   TaskStatus = "ASSIGNED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// IsTerminal reports whether the status admits no further transitions
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskInstance is one unit of work produced by materializing a node for
// one of its processors. Maps to: task_instance table.
type TaskInstance struct {
	TaskID         uuid.UUID `db:"task_id" json:"task_id"`
	NodeInstanceID uuid.UUID `db:"node_instance_id" json:"node_instance_id"`
	InstanceID     uuid.UUID `db:"instance_id" json:"instance_id"`

	Title       string     `db:"title" json:"title"`
	Description string     `db:"description" json:"description"`
	Type        TaskType   `db:"type" json:"type"`
	Status      TaskStatus `db:"status" json:"status"`

	AssignedUserID  *uuid.UUID `db:"assigned_user_id" json:"assigned_user_id,omitempty"`
	AssignedAgentID *uuid.UUID `db:"assigned_agent_id" json:"assigned_agent_id,omitempty"`

	// ToolsEnabled selects the long agent-call timeout
	ToolsEnabled bool `db:"tools_enabled" json:"tools_enabled"`

	// Serialized upstream envelope handed to the processor
	Input json.RawMessage `db:"input" json:"input,omitempty"`

	// Side-channel data (advisory agent output for MIXED tasks)
	Context json.RawMessage `db:"context" json:"context,omitempty"`

	Output json.RawMessage `db:"output" json:"output,omitempty"`

	// First 500 characters of the output text
	ResultSummary *string `db:"result_summary" json:"result_summary,omitempty"`

	ErrorMessage *string `db:"error_message" json:"error_message,omitempty"`

	EstimatedDurationMinutes int  `db:"estimated_duration_minutes" json:"estimated_duration_minutes"`
	ActualDurationMinutes    *int `db:"actual_duration_minutes" json:"actual_duration_minutes,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// AgentExecutable reports whether the dispatcher may run this task
func (t *TaskInstance) AgentExecutable() bool {
	return t.Type == TaskTypeAgent || t.Type == TaskTypeMixed
}
