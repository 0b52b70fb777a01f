package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/common/flowerr"
	"github.com/lyzr/flowcore/common/models"
)

// MemoryStore is the in-memory twin of the pgx repositories. It backs
// tests and storage-less runs; every accessor returns copies so callers
// never share row memory.
type MemoryStore struct {
	mu sync.RWMutex

	templates map[uuid.UUID]*models.WorkflowTemplate // by version id
	instances map[uuid.UUID]*models.WorkflowInstance
	nodes     map[uuid.UUID]*models.NodeInstance
	tasks     map[uuid.UUID]*models.TaskInstance
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[uuid.UUID]*models.WorkflowTemplate),
		instances: make(map[uuid.UUID]*models.WorkflowInstance),
		nodes:     make(map[uuid.UUID]*models.NodeInstance),
		tasks:     make(map[uuid.UUID]*models.TaskInstance),
	}
}

// AddTemplate registers a template version
func (s *MemoryStore) AddTemplate(tpl *models.WorkflowTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *tpl
	s.templates[tpl.TemplateVersionID] = &cp
}

// GetLatestVersion returns the highest version of a template base
func (s *MemoryStore) GetLatestVersion(ctx context.Context, templateBaseID uuid.UUID) (*models.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.WorkflowTemplate
	for _, tpl := range s.templates {
		if tpl.TemplateBaseID != templateBaseID {
			continue
		}
		if latest == nil || tpl.Version > latest.Version {
			latest = tpl
		}
	}
	if latest == nil {
		return nil, flowerr.Newf(flowerr.KindNotFound, "workflow template %s not found", templateBaseID)
	}

	cp := *latest
	return &cp, nil
}

// GetVersion returns one immutable template version
func (s *MemoryStore) GetVersion(ctx context.Context, templateVersionID uuid.UUID) (*models.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, ok := s.templates[templateVersionID]
	if !ok {
		return nil, flowerr.Newf(flowerr.KindNotFound, "template version %s not found", templateVersionID)
	}

	cp := *tpl
	return &cp, nil
}

// --- Instances ---

// CreateInstance inserts a workflow instance row
func (s *MemoryStore) CreateInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.InstanceID]; exists {
		return flowerr.Newf(flowerr.KindIllegalState, "instance %s already exists", inst.InstanceID)
	}

	cp := *inst
	s.instances[inst.InstanceID] = &cp
	return nil
}

// GetInstance returns an instance row
func (s *MemoryStore) GetInstance(ctx context.Context, instanceID uuid.UUID) (*models.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, flowerr.Newf(flowerr.KindNotFound, "workflow instance %s not found", instanceID)
	}

	cp := *inst
	return &cp, nil
}

// UpdateInstanceStatus updates an instance's status
func (s *MemoryStore) UpdateInstanceStatus(ctx context.Context, instanceID uuid.UUID, status models.InstanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return flowerr.Newf(flowerr.KindNotFound, "workflow instance %s not found", instanceID)
	}

	inst.Status = status
	return nil
}

// UpdateInstanceContext persists the merged workflow-global context
func (s *MemoryStore) UpdateInstanceContext(ctx context.Context, instanceID uuid.UUID, contextPayload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return flowerr.Newf(flowerr.KindNotFound, "workflow instance %s not found", instanceID)
	}

	inst.Context = append(json.RawMessage(nil), contextPayload...)
	return nil
}

// FinalizeInstance records a terminal outcome
func (s *MemoryStore) FinalizeInstance(ctx context.Context, instanceID uuid.UUID, status models.InstanceStatus, output, summary json.RawMessage, errorMessage *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return flowerr.Newf(flowerr.KindNotFound, "workflow instance %s not found", instanceID)
	}

	now := time.Now()
	inst.Status = status
	inst.Output = append(json.RawMessage(nil), output...)
	inst.Summary = append(json.RawMessage(nil), summary...)
	inst.ErrorMessage = errorMessage
	inst.CompletedAt = &now
	return nil
}

// ListActiveInstancesFor returns non-terminal instances of a template
// base owned by one executor
func (s *MemoryStore) ListActiveInstancesFor(ctx context.Context, templateBaseID, executorID uuid.UUID) ([]*models.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.WorkflowInstance
	for _, inst := range s.instances {
		if inst.TemplateBaseID == templateBaseID &&
			inst.ExecutorID == executorID &&
			!inst.Status.IsTerminal() {
			cp := *inst
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// --- Node instances ---

// CreateNode inserts a node instance row
func (s *MemoryStore) CreateNode(ctx context.Context, node *models.NodeInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[node.NodeInstanceID]; exists {
		return flowerr.Newf(flowerr.KindIllegalState, "node instance %s already exists", node.NodeInstanceID)
	}

	cp := *node
	s.nodes[node.NodeInstanceID] = &cp
	return nil
}

// GetNode returns a node instance row
func (s *MemoryStore) GetNode(ctx context.Context, nodeInstanceID uuid.UUID) (*models.NodeInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[nodeInstanceID]
	if !ok {
		return nil, flowerr.Newf(flowerr.KindNotFound, "node instance %s not found", nodeInstanceID)
	}

	cp := *node
	return &cp, nil
}

// SetNodeRunning marks a node running and records its input envelope
func (s *MemoryStore) SetNodeRunning(ctx context.Context, nodeInstanceID uuid.UUID, input json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeInstanceID]
	if !ok {
		return flowerr.Newf(flowerr.KindNotFound, "node instance %s not found", nodeInstanceID)
	}

	now := time.Now()
	node.Status = models.NodeStatusRunning
	node.Input = append(json.RawMessage(nil), input...)
	node.StartedAt = &now
	return nil
}

// SetNodeCompleted records a node's aggregated output
func (s *MemoryStore) SetNodeCompleted(ctx context.Context, nodeInstanceID uuid.UUID, output json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeInstanceID]
	if !ok {
		return flowerr.Newf(flowerr.KindNotFound, "node instance %s not found", nodeInstanceID)
	}

	now := time.Now()
	node.Status = models.NodeStatusCompleted
	node.Output = append(json.RawMessage(nil), output...)
	node.CompletedAt = &now
	return nil
}

// SetNodeFailed records a node failure
func (s *MemoryStore) SetNodeFailed(ctx context.Context, nodeInstanceID uuid.UUID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeInstanceID]
	if !ok {
		return flowerr.Newf(flowerr.KindNotFound, "node instance %s not found", nodeInstanceID)
	}

	now := time.Now()
	node.Status = models.NodeStatusFailed
	node.ErrorMessage = &errorMessage
	node.CompletedAt = &now
	return nil
}

// UpdateNodeStatus updates a node's status (cascade cancellations)
func (s *MemoryStore) UpdateNodeStatus(ctx context.Context, nodeInstanceID uuid.UUID, status models.NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeInstanceID]
	if !ok {
		return flowerr.Newf(flowerr.KindNotFound, "node instance %s not found", nodeInstanceID)
	}

	node.Status = status
	return nil
}

// IncrementNodeRetry bumps the retry counter, moving the node back to
// RUNNING, and returns the new count
func (s *MemoryStore) IncrementNodeRetry(ctx context.Context, nodeInstanceID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeInstanceID]
	if !ok {
		return 0, flowerr.Newf(flowerr.KindNotFound, "node instance %s not found", nodeInstanceID)
	}

	node.RetryCount++
	node.Status = models.NodeStatusRunning
	node.ErrorMessage = nil
	node.CompletedAt = nil
	return node.RetryCount, nil
}

// ListNodesByInstance returns every node instance of a run
func (s *MemoryStore) ListNodesByInstance(ctx context.Context, instanceID uuid.UUID) ([]*models.NodeInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.NodeInstance
	for _, node := range s.nodes {
		if node.InstanceID == instanceID {
			cp := *node
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CancelNonTerminalNodes cancels every live node of a run
func (s *MemoryStore) CancelNonTerminalNodes(ctx context.Context, instanceID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	now := time.Now()
	for _, node := range s.nodes {
		if node.InstanceID == instanceID && !node.Status.IsTerminal() {
			node.Status = models.NodeStatusCancelled
			node.CompletedAt = &now
			affected++
		}
	}
	return affected, nil
}

// --- Task instances ---

// CreateTask inserts a task instance row
func (s *MemoryStore) CreateTask(ctx context.Context, task *models.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.TaskID]; exists {
		return flowerr.Newf(flowerr.KindIllegalState, "task %s already exists", task.TaskID)
	}

	cp := *task
	s.tasks[task.TaskID] = &cp
	return nil
}

// GetTask returns a task row
func (s *MemoryStore) GetTask(ctx context.Context, taskID uuid.UUID) (*models.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, flowerr.Newf(flowerr.KindNotFound, "task %s not found", taskID)
	}

	cp := *task
	return &cp, nil
}

// SetTaskInProgress marks a task picked up for execution
func (s *MemoryStore) SetTaskInProgress(ctx context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return flowerr.Newf(flowerr.KindNotFound, "task %s not found", taskID)
	}

	now := time.Now()
	task.Status = models.TaskStatusInProgress
	task.StartedAt = &now
	return nil
}

// SetTaskCompleted records a successful result
func (s *MemoryStore) SetTaskCompleted(ctx context.Context, taskID uuid.UUID, output json.RawMessage, resultSummary *string, durationMinutes *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return flowerr.Newf(flowerr.KindNotFound, "task %s not found", taskID)
	}

	now := time.Now()
	task.Status = models.TaskStatusCompleted
	task.Output = append(json.RawMessage(nil), output...)
	task.ResultSummary = resultSummary
	task.ActualDurationMinutes = durationMinutes
	task.CompletedAt = &now
	return nil
}

// SetTaskFailed records a task failure
func (s *MemoryStore) SetTaskFailed(ctx context.Context, taskID uuid.UUID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return flowerr.Newf(flowerr.KindNotFound, "task %s not found", taskID)
	}

	now := time.Now()
	task.Status = models.TaskStatusFailed
	task.ErrorMessage = &errorMessage
	task.CompletedAt = &now
	return nil
}

// SetTaskCancelled marks a task cancelled
func (s *MemoryStore) SetTaskCancelled(ctx context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return flowerr.Newf(flowerr.KindNotFound, "task %s not found", taskID)
	}

	now := time.Now()
	task.Status = models.TaskStatusCancelled
	task.CompletedAt = &now
	return nil
}

// UpdateTaskContext replaces a task's side-channel context payload
func (s *MemoryStore) UpdateTaskContext(ctx context.Context, taskID uuid.UUID, contextPayload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return flowerr.Newf(flowerr.KindNotFound, "task %s not found", taskID)
	}

	task.Context = append(json.RawMessage(nil), contextPayload...)
	return nil
}

// ListTasksByNodeInstance returns the tasks owned by one node instance
func (s *MemoryStore) ListTasksByNodeInstance(ctx context.Context, nodeInstanceID uuid.UUID) ([]*models.TaskInstance, error) {
	return s.listTasks(func(t *models.TaskInstance) bool { return t.NodeInstanceID == nodeInstanceID })
}

// ListTasksByInstance returns every task of a run
func (s *MemoryStore) ListTasksByInstance(ctx context.Context, instanceID uuid.UUID) ([]*models.TaskInstance, error) {
	return s.listTasks(func(t *models.TaskInstance) bool { return t.InstanceID == instanceID })
}

// ListPendingAgentTasks returns agent tasks that never reached the
// dispatcher queue
func (s *MemoryStore) ListPendingAgentTasks(ctx context.Context, limit int) ([]*models.TaskInstance, error) {
	tasks, err := s.listTasks(func(t *models.TaskInstance) bool {
		return t.Type == models.TaskTypeAgent && t.Status == models.TaskStatusPending
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// ListOrphanedTasks returns non-terminal tasks whose owning instance
// already reached a terminal status
func (s *MemoryStore) ListOrphanedTasks(ctx context.Context, limit int) ([]*models.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.TaskInstance
	for _, task := range s.tasks {
		if task.Status.IsTerminal() {
			continue
		}
		inst, ok := s.instances[task.InstanceID]
		if !ok || inst.Status.IsTerminal() {
			cp := *task
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CancelNonTerminalTasks cancels every live task of a run
func (s *MemoryStore) CancelNonTerminalTasks(ctx context.Context, instanceID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	now := time.Now()
	for _, task := range s.tasks {
		if task.InstanceID == instanceID && !task.Status.IsTerminal() {
			task.Status = models.TaskStatusCancelled
			task.CompletedAt = &now
			affected++
		}
	}
	return affected, nil
}

func (s *MemoryStore) listTasks(match func(*models.TaskInstance) bool) ([]*models.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.TaskInstance
	for _, task := range s.tasks {
		if match(task) {
			cp := *task
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
