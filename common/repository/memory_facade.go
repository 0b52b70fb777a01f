package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/common/models"
)

// Per-entity facades so one MemoryStore satisfies the same interfaces
// as the pgx repositories. All state lives in the shared store.

// MemoryWorkflowStore adapts MemoryStore to the workflow repository shape
type MemoryWorkflowStore struct{ s *MemoryStore }

// Workflows returns the workflow-repository view
func (s *MemoryStore) Workflows() *MemoryWorkflowStore { return &MemoryWorkflowStore{s} }

func (m *MemoryWorkflowStore) GetLatestVersion(ctx context.Context, templateBaseID uuid.UUID) (*models.WorkflowTemplate, error) {
	return m.s.GetLatestVersion(ctx, templateBaseID)
}

func (m *MemoryWorkflowStore) GetVersion(ctx context.Context, templateVersionID uuid.UUID) (*models.WorkflowTemplate, error) {
	return m.s.GetVersion(ctx, templateVersionID)
}

// MemoryInstanceStore adapts MemoryStore to the instance repository shape
type MemoryInstanceStore struct{ s *MemoryStore }

// Instances returns the instance-repository view
func (s *MemoryStore) Instances() *MemoryInstanceStore { return &MemoryInstanceStore{s} }

func (m *MemoryInstanceStore) Create(ctx context.Context, inst *models.WorkflowInstance) error {
	return m.s.CreateInstance(ctx, inst)
}

func (m *MemoryInstanceStore) Get(ctx context.Context, instanceID uuid.UUID) (*models.WorkflowInstance, error) {
	return m.s.GetInstance(ctx, instanceID)
}

func (m *MemoryInstanceStore) UpdateStatus(ctx context.Context, instanceID uuid.UUID, status models.InstanceStatus) error {
	return m.s.UpdateInstanceStatus(ctx, instanceID, status)
}

func (m *MemoryInstanceStore) UpdateContext(ctx context.Context, instanceID uuid.UUID, contextPayload json.RawMessage) error {
	return m.s.UpdateInstanceContext(ctx, instanceID, contextPayload)
}

func (m *MemoryInstanceStore) Finalize(ctx context.Context, instanceID uuid.UUID, status models.InstanceStatus, output, summary json.RawMessage, errorMessage *string) error {
	return m.s.FinalizeInstance(ctx, instanceID, status, output, summary, errorMessage)
}

func (m *MemoryInstanceStore) ListActiveFor(ctx context.Context, templateBaseID, executorID uuid.UUID) ([]*models.WorkflowInstance, error) {
	return m.s.ListActiveInstancesFor(ctx, templateBaseID, executorID)
}

// MemoryNodeStore adapts MemoryStore to the node repository shape
type MemoryNodeStore struct{ s *MemoryStore }

// Nodes returns the node-repository view
func (s *MemoryStore) Nodes() *MemoryNodeStore { return &MemoryNodeStore{s} }

func (m *MemoryNodeStore) Create(ctx context.Context, node *models.NodeInstance) error {
	return m.s.CreateNode(ctx, node)
}

func (m *MemoryNodeStore) Get(ctx context.Context, nodeInstanceID uuid.UUID) (*models.NodeInstance, error) {
	return m.s.GetNode(ctx, nodeInstanceID)
}

func (m *MemoryNodeStore) SetRunning(ctx context.Context, nodeInstanceID uuid.UUID, input json.RawMessage) error {
	return m.s.SetNodeRunning(ctx, nodeInstanceID, input)
}

func (m *MemoryNodeStore) SetCompleted(ctx context.Context, nodeInstanceID uuid.UUID, output json.RawMessage) error {
	return m.s.SetNodeCompleted(ctx, nodeInstanceID, output)
}

func (m *MemoryNodeStore) SetFailed(ctx context.Context, nodeInstanceID uuid.UUID, errorMessage string) error {
	return m.s.SetNodeFailed(ctx, nodeInstanceID, errorMessage)
}

func (m *MemoryNodeStore) UpdateStatus(ctx context.Context, nodeInstanceID uuid.UUID, status models.NodeStatus) error {
	return m.s.UpdateNodeStatus(ctx, nodeInstanceID, status)
}

func (m *MemoryNodeStore) IncrementRetry(ctx context.Context, nodeInstanceID uuid.UUID) (int, error) {
	return m.s.IncrementNodeRetry(ctx, nodeInstanceID)
}

func (m *MemoryNodeStore) ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]*models.NodeInstance, error) {
	return m.s.ListNodesByInstance(ctx, instanceID)
}

func (m *MemoryNodeStore) CancelNonTerminal(ctx context.Context, instanceID uuid.UUID) (int64, error) {
	return m.s.CancelNonTerminalNodes(ctx, instanceID)
}

// MemoryTaskStore adapts MemoryStore to the task repository shape
type MemoryTaskStore struct{ s *MemoryStore }

// Tasks returns the task-repository view
func (s *MemoryStore) Tasks() *MemoryTaskStore { return &MemoryTaskStore{s} }

func (m *MemoryTaskStore) Create(ctx context.Context, task *models.TaskInstance) error {
	return m.s.CreateTask(ctx, task)
}

func (m *MemoryTaskStore) Get(ctx context.Context, taskID uuid.UUID) (*models.TaskInstance, error) {
	return m.s.GetTask(ctx, taskID)
}

func (m *MemoryTaskStore) SetInProgress(ctx context.Context, taskID uuid.UUID) error {
	return m.s.SetTaskInProgress(ctx, taskID)
}

func (m *MemoryTaskStore) SetCompleted(ctx context.Context, taskID uuid.UUID, output json.RawMessage, resultSummary *string, durationMinutes *int) error {
	return m.s.SetTaskCompleted(ctx, taskID, output, resultSummary, durationMinutes)
}

func (m *MemoryTaskStore) SetFailed(ctx context.Context, taskID uuid.UUID, errorMessage string) error {
	return m.s.SetTaskFailed(ctx, taskID, errorMessage)
}

func (m *MemoryTaskStore) SetCancelled(ctx context.Context, taskID uuid.UUID) error {
	return m.s.SetTaskCancelled(ctx, taskID)
}

func (m *MemoryTaskStore) UpdateContext(ctx context.Context, taskID uuid.UUID, contextPayload json.RawMessage) error {
	return m.s.UpdateTaskContext(ctx, taskID, contextPayload)
}

func (m *MemoryTaskStore) ListByNodeInstance(ctx context.Context, nodeInstanceID uuid.UUID) ([]*models.TaskInstance, error) {
	return m.s.ListTasksByNodeInstance(ctx, nodeInstanceID)
}

func (m *MemoryTaskStore) ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]*models.TaskInstance, error) {
	return m.s.ListTasksByInstance(ctx, instanceID)
}

func (m *MemoryTaskStore) ListPendingAgentTasks(ctx context.Context, limit int) ([]*models.TaskInstance, error) {
	return m.s.ListPendingAgentTasks(ctx, limit)
}

func (m *MemoryTaskStore) ListOrphaned(ctx context.Context, limit int) ([]*models.TaskInstance, error) {
	return m.s.ListOrphanedTasks(ctx, limit)
}

func (m *MemoryTaskStore) CancelNonTerminal(ctx context.Context, instanceID uuid.UUID) (int64, error) {
	return m.s.CancelNonTerminalTasks(ctx, instanceID)
}
