package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// WorkflowStore reads immutable template versions
type WorkflowStore interface {
	GetLatestVersion(ctx context.Context, templateBaseID uuid.UUID) (*models.WorkflowTemplate, error)
	GetVersion(ctx context.Context, templateVersionID uuid.UUID) (*models.WorkflowTemplate, error)
}

// InstanceStore persists workflow instance rows
type InstanceStore interface {
	Create(ctx context.Context, inst *models.WorkflowInstance) error
	Get(ctx context.Context, instanceID uuid.UUID) (*models.WorkflowInstance, error)
	UpdateStatus(ctx context.Context, instanceID uuid.UUID, status models.InstanceStatus) error
	UpdateContext(ctx context.Context, instanceID uuid.UUID, contextPayload json.RawMessage) error
	Finalize(ctx context.Context, instanceID uuid.UUID, status models.InstanceStatus, output, summary json.RawMessage, errorMessage *string) error
	ListActiveFor(ctx context.Context, templateBaseID, executorID uuid.UUID) ([]*models.WorkflowInstance, error)
}

// NodeStore persists node instance rows
type NodeStore interface {
	Create(ctx context.Context, node *models.NodeInstance) error
	Get(ctx context.Context, nodeInstanceID uuid.UUID) (*models.NodeInstance, error)
	SetRunning(ctx context.Context, nodeInstanceID uuid.UUID, input json.RawMessage) error
	SetCompleted(ctx context.Context, nodeInstanceID uuid.UUID, output json.RawMessage) error
	SetFailed(ctx context.Context, nodeInstanceID uuid.UUID, errorMessage string) error
	UpdateStatus(ctx context.Context, nodeInstanceID uuid.UUID, status models.NodeStatus) error
	IncrementRetry(ctx context.Context, nodeInstanceID uuid.UUID) (int, error)
	ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]*models.NodeInstance, error)
	CancelNonTerminal(ctx context.Context, instanceID uuid.UUID) (int64, error)
}

// TaskStore persists task instance rows
type TaskStore interface {
	Create(ctx context.Context, task *models.TaskInstance) error
	Get(ctx context.Context, taskID uuid.UUID) (*models.TaskInstance, error)
	SetInProgress(ctx context.Context, taskID uuid.UUID) error
	SetCompleted(ctx context.Context, taskID uuid.UUID, output json.RawMessage, resultSummary *string, durationMinutes *int) error
	SetFailed(ctx context.Context, taskID uuid.UUID, errorMessage string) error
	SetCancelled(ctx context.Context, taskID uuid.UUID) error
	UpdateContext(ctx context.Context, taskID uuid.UUID, contextPayload json.RawMessage) error
	ListByNodeInstance(ctx context.Context, nodeInstanceID uuid.UUID) ([]*models.TaskInstance, error)
	ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]*models.TaskInstance, error)
	ListOrphaned(ctx context.Context, limit int) ([]*models.TaskInstance, error)
	CancelNonTerminal(ctx context.Context, instanceID uuid.UUID) (int64, error)
}

// AgentSubmitter is the slice of the dispatcher the engine drives
type AgentSubmitter interface {
	Submit(taskID uuid.UUID) error
	Cancel(taskID uuid.UUID) bool
}
