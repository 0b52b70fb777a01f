package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/cmd/flow-engine/cleanup"
	"github.com/lyzr/flowcore/cmd/flow-engine/graph"
	"github.com/lyzr/flowcore/cmd/flow-engine/resolver"
	"github.com/lyzr/flowcore/cmd/flow-engine/state"
	"github.com/lyzr/flowcore/cmd/flow-engine/summary"
	"github.com/lyzr/flowcore/common/config"
	"github.com/lyzr/flowcore/common/events"
	"github.com/lyzr/flowcore/common/flowerr"
	"github.com/lyzr/flowcore/common/metrics"
	"github.com/lyzr/flowcore/common/models"
	"github.com/lyzr/flowcore/common/validation"
)

// Stores bundles the persistence surfaces the engine writes through
type Stores struct {
	Workflows WorkflowStore
	Instances InstanceStore
	Nodes     NodeStore
	Tasks     TaskStore
}

// ExecuteRequest starts one run of a template
type ExecuteRequest struct {
	TemplateBaseID uuid.UUID       `json:"template_base_id"`
	ExecutorID     uuid.UUID       `json:"executor_id"`
	Name           string          `json:"name"`
	Input          json.RawMessage `json:"input,omitempty"`
	Context        json.RawMessage `json:"context,omitempty"`
}

// ExecuteResult reports the started (or already-running) instance
type ExecuteResult struct {
	InstanceID uuid.UUID             `json:"instance_id"`
	Status     models.InstanceStatus `json:"status"`
	Message    string                `json:"message,omitempty"`
}

// StatusResult composes the persisted row with the live context view
type StatusResult struct {
	Instance   *models.WorkflowInstance `json:"instance"`
	Statistics *state.ContextStatus     `json:"statistics,omitempty"`
	IsRunning  bool                     `json:"is_running"`
}

// Engine drives workflow instances through their node state machines.
// It owns the work queue, the instance registry, and the terminal
// summarization path; agent execution is delegated to the dispatcher.
type Engine struct {
	cfg        config.Config
	stores     Stores
	tracker    *graph.Tracker
	manager    *state.Manager
	dispatcher AgentSubmitter
	summarizer *summary.Summarizer
	resolver   *resolver.Resolver
	cleanup    *cleanup.Manager
	publisher  events.Publisher
	metrics    *metrics.Metrics
	validator  *validation.TemplateValidator
	logger     Logger

	queue *workQueue

	// transitionMu serializes task-terminal handling so concurrent
	// dispatcher callbacks cannot double-aggregate one node
	transitionMu sync.Mutex

	started atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates the engine and registers its context-TTL cleaner
func New(
	cfg config.Config,
	stores Stores,
	tracker *graph.Tracker,
	manager *state.Manager,
	disp AgentSubmitter,
	summarizer *summary.Summarizer,
	res *resolver.Resolver,
	cleaner *cleanup.Manager,
	publisher events.Publisher,
	m *metrics.Metrics,
	logger Logger,
) *Engine {
	e := &Engine{
		cfg:        cfg,
		stores:     stores,
		tracker:    tracker,
		manager:    manager,
		dispatcher: disp,
		summarizer: summarizer,
		resolver:   res,
		cleanup:    cleaner,
		publisher:  publisher,
		metrics:    m,
		validator:  validation.NewTemplateValidator(),
		logger:     logger,
		queue:      newWorkQueue(m, logger),
		stop:       make(chan struct{}),
	}

	manager.SetStatusMirror(func(ctx context.Context, instanceID uuid.UUID, status models.InstanceStatus) error {
		return stores.Instances.UpdateStatus(ctx, instanceID, status)
	})

	cleaner.RegisterCleaner("terminal-contexts", 10, e.sweepTerminalContexts)

	return e
}

// Start spawns the queue workers and the monitor loop. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}

	for i := 0; i < e.cfg.Engine.QueueWorkers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}

	e.wg.Add(1)
	go e.monitor(ctx)

	e.logger.Info("engine started",
		"queue_workers", e.cfg.Engine.QueueWorkers,
		"monitor_interval", e.cfg.Engine.MonitorInterval)
}

// Stop drains the workers and the monitor
func (e *Engine) Stop() {
	if !e.started.Load() {
		return
	}
	close(e.stop)
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// ExecuteWorkflow starts one run of the latest version of a template.
// A non-terminal run of the same template for the same executor is
// returned instead of starting a duplicate.
func (e *Engine) ExecuteWorkflow(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error) {
	tpl, err := e.stores.Workflows.GetLatestVersion(ctx, req.TemplateBaseID)
	if err != nil {
		return nil, err
	}

	if err := e.validator.Validate(tpl); err != nil {
		return nil, flowerr.Newf(flowerr.KindIllegalState,
			"template %s version %d is malformed: %v", tpl.Name, tpl.Version, err)
	}

	check, err := e.tracker.Validate(ctx, tpl.TemplateVersionID)
	if err != nil {
		return nil, err
	}
	if !check.IsValid {
		return nil, flowerr.Newf(flowerr.KindCycleDetected,
			"template %s version %d contains %d cycle(s)", tpl.Name, tpl.Version, len(check.Cycles))
	}

	active, err := e.stores.Instances.ListActiveFor(ctx, req.TemplateBaseID, req.ExecutorID)
	if err != nil {
		return nil, fmt.Errorf("check active instances: %w", err)
	}
	if len(active) > 0 {
		existing := active[0]
		e.logger.Info("duplicate execution rejected",
			"template_base_id", req.TemplateBaseID,
			"executor_id", req.ExecutorID,
			"existing_instance", existing.InstanceID)
		return &ExecuteResult{
			InstanceID: existing.InstanceID,
			Status:     existing.Status,
			Message:    "workflow already running for this executor",
		}, nil
	}

	g, err := e.tracker.BuildGraph(ctx, tpl.TemplateVersionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inst := &models.WorkflowInstance{
		InstanceID:        uuid.New(),
		TemplateVersionID: tpl.TemplateVersionID,
		TemplateBaseID:    tpl.TemplateBaseID,
		ExecutorID:        req.ExecutorID,
		Name:              req.Name,
		Status:            models.InstanceStatusRunning,
		Input:             req.Input,
		Context:           req.Context,
		CreatedAt:         now,
		StartedAt:         &now,
	}
	if inst.Name == "" {
		inst.Name = tpl.Name
	}
	if err := e.stores.Instances.Create(ctx, inst); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	ic, err := e.manager.Create(inst.InstanceID, tpl.TemplateVersionID, req.ExecutorID, inst.Name)
	if err != nil {
		failMsg := err.Error()
		_ = e.stores.Instances.Finalize(ctx, inst.InstanceID, models.InstanceStatusFailed, nil, nil, &failMsg)
		return nil, err
	}
	ic.SetGlobalContext(seedGlobalContext(req.Input, req.Context))
	ic.SetReadyCallback(func(instanceID uuid.UUID, ready []state.NodeRef) {
		e.queue.Push(instanceID, ready)
	})

	// Node instance rows for every template node, registered with their
	// upstream sets. Tasks materialize lazily as nodes become ready.
	for i := range g.Nodes {
		node := &g.Nodes[i]
		row := &models.NodeInstance{
			NodeInstanceID: uuid.New(),
			InstanceID:     inst.InstanceID,
			NodeID:         node.NodeID,
			Name:           node.Name,
			Type:           node.Type,
			Status:         models.NodeStatusPending,
			CreatedAt:      now,
		}
		if err := e.stores.Nodes.Create(ctx, row); err != nil {
			return nil, fmt.Errorf("create node instance for %s: %w", node.Name, err)
		}
		if err := ic.RegisterNode(row.NodeInstanceID, node.NodeID, g.Upstream(node.NodeID)); err != nil {
			return nil, err
		}
	}

	e.metrics.InstancesRunning.Inc()
	e.publish(ctx, events.Event{
		Type:       events.TypeWorkflowStarted,
		InstanceID: inst.InstanceID,
		ExecutorID: req.ExecutorID,
		Payload:    map[string]any{"name": inst.Name, "template_version": tpl.Version},
	})

	e.queue.Push(inst.InstanceID, ic.StartNodes())

	e.logger.Info("workflow started",
		"instance_id", inst.InstanceID,
		"template", tpl.Name,
		"version", tpl.Version,
		"nodes", len(g.Nodes))

	return &ExecuteResult{
		InstanceID: inst.InstanceID,
		Status:     inst.Status,
		Message:    "workflow started",
	}, nil
}

// Pause suspends scheduling for a running instance. Queued work parks
// until Resume.
func (e *Engine) Pause(ctx context.Context, instanceID uuid.UUID) error {
	if err := e.manager.UpdateStatus(ctx, instanceID, models.InstanceStatusPaused); err != nil {
		return err
	}
	e.logger.Info("workflow paused", "instance_id", instanceID)
	return nil
}

// Resume restarts scheduling and replays parked work
func (e *Engine) Resume(ctx context.Context, instanceID uuid.UUID) error {
	if err := e.manager.UpdateStatus(ctx, instanceID, models.InstanceStatusRunning); err != nil {
		return err
	}

	parked := e.queue.TakeParked(instanceID)
	if len(parked) > 0 {
		e.queue.Push(instanceID, parked)
	}

	e.logger.Info("workflow resumed", "instance_id", instanceID, "replayed_nodes", len(parked))
	return nil
}

// Cancel terminates a run: dispatcher tokens signalled, non-terminal
// rows cancelled, context removed, queue purged. Idempotent on an
// already-cancelled instance.
func (e *Engine) Cancel(ctx context.Context, instanceID uuid.UUID) error {
	inst, err := e.stores.Instances.Get(ctx, instanceID)
	if err != nil {
		return err
	}

	switch inst.Status {
	case models.InstanceStatusCancelled:
		return nil
	case models.InstanceStatusCompleted, models.InstanceStatusFailed:
		return flowerr.Newf(flowerr.KindIllegalState,
			"instance %s already %s", instanceID, inst.Status)
	}

	tasks, err := e.stores.Tasks.ListByInstance(ctx, instanceID)
	if err != nil {
		e.logger.Error("list tasks for cancel", "instance_id", instanceID, "error", err)
	}
	for _, t := range tasks {
		if !t.Status.IsTerminal() && t.AgentExecutable() {
			e.dispatcher.Cancel(t.TaskID)
		}
	}

	if _, err := e.stores.Tasks.CancelNonTerminal(ctx, instanceID); err != nil {
		e.logger.Error("cancel tasks", "instance_id", instanceID, "error", err)
	}
	if _, err := e.stores.Nodes.CancelNonTerminal(ctx, instanceID); err != nil {
		e.logger.Error("cancel nodes", "instance_id", instanceID, "error", err)
	}

	e.finalize(ctx, instanceID, models.InstanceStatusCancelled, nil)

	e.logger.Info("workflow cancelled", "instance_id", instanceID)
	return nil
}

// GetStatus composes the persisted instance with the live context view
func (e *Engine) GetStatus(ctx context.Context, instanceID uuid.UUID) (*StatusResult, error) {
	inst, err := e.stores.Instances.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	result := &StatusResult{Instance: inst}
	if ic, ok := e.manager.Get(instanceID); ok {
		st := ic.Status()
		result.Statistics = &st
		result.IsRunning = !st.Status.IsTerminal()
	}
	return result, nil
}

// SubmitHumanTaskResult records a human task outcome and drives the
// owning node's aggregation
func (e *Engine) SubmitHumanTaskResult(ctx context.Context, taskID, userID uuid.UUID, result json.RawMessage, comment string) error {
	task, err := e.stores.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}

	if task.Type == models.TaskTypeAgent {
		return flowerr.Newf(flowerr.KindIllegalState, "task %s is agent-executed", taskID)
	}
	if task.AssignedUserID == nil || *task.AssignedUserID != userID {
		return flowerr.Newf(flowerr.KindIllegalState,
			"task %s is not assigned to user %s", taskID, userID)
	}
	if task.Status != models.TaskStatusAssigned && task.Status != models.TaskStatusInProgress {
		return flowerr.Newf(flowerr.KindIllegalState,
			"task %s is %s, expected ASSIGNED or IN_PROGRESS", taskID, task.Status)
	}

	output := result
	if comment != "" {
		wrapped, err := json.Marshal(map[string]json.RawMessage{
			"result":  result,
			"comment": mustJSONString(comment),
		})
		if err == nil {
			output = wrapped
		}
	}

	summaryText := summarizeResult(result)
	minutes := int((time.Since(task.CreatedAt) + time.Minute - 1) / time.Minute)
	if err := e.stores.Tasks.SetCompleted(ctx, taskID, output, &summaryText, &minutes); err != nil {
		return fmt.Errorf("complete human task: %w", err)
	}

	e.metrics.TasksProcessed.WithLabelValues(string(task.Type), string(models.TaskStatusCompleted)).Inc()
	e.publish(ctx, events.Event{
		Type:       events.TypeTaskCompleted,
		InstanceID: task.InstanceID,
		ExecutorID: e.executorOf(task.InstanceID),
		TaskID:     &taskID,
		UserID:     &userID,
		Payload:    map[string]any{"title": task.Title, "duration_minutes": minutes},
	})

	e.logger.Info("human task completed",
		"task_id", taskID,
		"user_id", userID,
		"instance_id", task.InstanceID)

	e.handleTaskTerminal(ctx, taskID)
	return nil
}

// OnTaskCompleted implements the dispatcher subscriber
func (e *Engine) OnTaskCompleted(ctx context.Context, taskID uuid.UUID, result string) {
	if task, err := e.stores.Tasks.Get(ctx, taskID); err == nil {
		e.publish(ctx, events.Event{
			Type:       events.TypeTaskCompleted,
			InstanceID: task.InstanceID,
			ExecutorID: e.executorOf(task.InstanceID),
			TaskID:     &taskID,
			Payload:    map[string]any{"title": task.Title},
		})
	}
	e.handleTaskTerminal(ctx, taskID)
}

// OnTaskFailed implements the dispatcher subscriber
func (e *Engine) OnTaskFailed(ctx context.Context, taskID uuid.UUID, errMsg string) {
	e.handleTaskFailure(ctx, taskID, errMsg)
}

// ListContexts exposes the live registry for the status surface
func (e *Engine) ListContexts() []state.ContextSummary {
	return e.manager.List()
}

// QueueDepth reports buffered engine work items
func (e *Engine) QueueDepth() int {
	return e.queue.Len()
}

// publish delivers an event best-effort
func (e *Engine) publish(ctx context.Context, event events.Event) {
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("event publish failed", "type", event.Type, "error", err)
	}
	e.metrics.EventsPublished.WithLabelValues(event.Type).Inc()
}

// executorOf resolves the executor for event routing; zero on miss
func (e *Engine) executorOf(instanceID uuid.UUID) uuid.UUID {
	if ic, ok := e.manager.Get(instanceID); ok {
		return ic.ExecutorID
	}
	return uuid.Nil
}

// sweepTerminalContexts is the registered cleaner: terminal contexts
// idle past the TTL leave the registry
func (e *Engine) sweepTerminalContexts(ctx context.Context) (int, error) {
	ttl := e.cfg.Cleanup.ContextTTL
	removed := 0

	for _, cs := range e.manager.List() {
		if !cs.Status.IsTerminal() {
			continue
		}
		if time.Since(cs.LastTouched) < ttl {
			continue
		}
		if err := e.manager.Remove(ctx, cs.InstanceID, false); err != nil {
			e.logger.Warn("context sweep remove failed", "instance_id", cs.InstanceID, "error", err)
			continue
		}
		removed++
	}

	return removed, nil
}

// seedGlobalContext merges the caller-provided ambient context over the
// workflow input to form the initial global payload
func seedGlobalContext(input, callerContext json.RawMessage) json.RawMessage {
	merged := map[string]json.RawMessage{}

	if len(input) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(input, &obj); err == nil {
			for k, v := range obj {
				merged[k] = v
			}
		}
	}
	if len(callerContext) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(callerContext, &obj); err == nil {
			for k, v := range obj {
				merged[k] = v
			}
		}
	}

	if len(merged) == 0 {
		return input
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return input
	}
	return out
}

func mustJSONString(s string) json.RawMessage {
	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return b
}

// summarizeResult renders the first 500 characters of a result payload
func summarizeResult(result json.RawMessage) string {
	var text string
	if err := json.Unmarshal(result, &text); err != nil {
		text = string(result)
	}
	if len(text) > 500 {
		text = text[:500]
	}
	return text
}
