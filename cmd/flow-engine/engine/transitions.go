package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/cmd/flow-engine/graph"
	"github.com/lyzr/flowcore/cmd/flow-engine/resolver"
	"github.com/lyzr/flowcore/cmd/flow-engine/state"
	"github.com/lyzr/flowcore/common/events"
	"github.com/lyzr/flowcore/common/flowerr"
	"github.com/lyzr/flowcore/common/models"
)

// worker pops ready-node items and drives their transitions
func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		item, ok := e.queue.Pop(e.cfg.Engine.QueuePopTimeout)
		if !ok {
			continue
		}

		for _, ref := range item.refs {
			e.processNode(ctx, item.instanceID, ref)
		}
	}
}

// processNode runs one node's transition. Failures inside the
// transition mark the node FAILED and cascade.
func (e *Engine) processNode(ctx context.Context, instanceID uuid.UUID, ref state.NodeRef) {
	ic, ok := e.manager.Get(instanceID)
	if !ok {
		e.logger.Debug("dropping work for unknown instance", "instance_id", instanceID)
		return
	}

	switch ic.InstanceStatus() {
	case models.InstanceStatusPaused:
		e.queue.Park(instanceID, []state.NodeRef{ref})
		return
	case models.InstanceStatusCompleted, models.InstanceStatusFailed, models.InstanceStatusCancelled:
		return
	}

	g, err := e.tracker.BuildGraph(ctx, ic.TemplateVersionID)
	if err != nil {
		e.logger.Error("graph unavailable", "instance_id", instanceID, "error", err)
		return
	}
	node := g.Node(ref.NodeID)
	if node == nil {
		e.logger.Error("node missing from template",
			"instance_id", instanceID, "node_id", ref.NodeID)
		return
	}

	// Single-flight guard: a node claimed by another worker, or already
	// terminal, is skipped here.
	if !ic.MarkNodeExecuting(ref.NodeID, ref.NodeInstanceID) {
		return
	}

	var transitionErr error
	switch {
	case node.Type == models.NodeTypeStart || node.Type == models.NodeTypeEnd:
		transitionErr = e.fastPathComplete(ctx, ic, node, ref)
	case len(node.Processors) == 0:
		e.logger.Warn("processor node has no processors bound, fast-pathing",
			"instance_id", instanceID, "node", node.Name)
		transitionErr = e.fastPathComplete(ctx, ic, node, ref)
	default:
		transitionErr = e.materializeNode(ctx, ic, g, node, ref)
	}

	if transitionErr != nil {
		e.logger.Error("node transition failed",
			"instance_id", instanceID,
			"node", node.Name,
			"error", transitionErr)
		e.failNode(ctx, ic, ref, node.Name, transitionErr.Error())
	}
}

// fastPathComplete transitions a taskless node straight through
// RUNNING to COMPLETED. START nodes seed downstream context with their
// declared task description; END nodes emit an arrival marker.
func (e *Engine) fastPathComplete(ctx context.Context, ic *state.Context, node *models.Node, ref state.NodeRef) error {
	if err := e.stores.Nodes.SetRunning(ctx, ref.NodeInstanceID, nil); err != nil {
		return fmt.Errorf("set node running: %w", err)
	}

	var output json.RawMessage
	var err error
	if node.Type == models.NodeTypeEnd {
		output, err = json.Marshal(map[string]string{"message": node.Name + " reached"})
	} else {
		output, err = json.Marshal(map[string]string{"task_description": node.TaskDescription})
	}
	if err != nil {
		return fmt.Errorf("marshal fast-path output: %w", err)
	}

	if err := e.stores.Nodes.SetCompleted(ctx, ref.NodeInstanceID, output); err != nil {
		return fmt.Errorf("set node completed: %w", err)
	}
	e.metrics.NodeTransitions.WithLabelValues(string(models.NodeStatusCompleted)).Inc()

	// Δ delivery happens through the ready callback
	if _, err := ic.MarkNodeCompleted(ref.NodeID, ref.NodeInstanceID, output); err != nil {
		return err
	}

	e.logger.Debug("fast-path node completed",
		"instance_id", ic.InstanceID,
		"node", node.Name,
		"type", node.Type)

	e.checkInstanceDone(ctx, ic)
	return nil
}

// materializeNode moves a processor node to RUNNING and creates its
// tasks from the node's bound processors
func (e *Engine) materializeNode(ctx context.Context, ic *state.Context, g *graph.Graph, node *models.Node, ref state.NodeRef) error {
	uc, err := ic.UpstreamContext(ref.NodeInstanceID)
	if err != nil {
		return err
	}

	inst, err := e.stores.Instances.Get(ctx, ic.InstanceID)
	if err != nil {
		return fmt.Errorf("load instance for materialization: %w", err)
	}

	scope := resolver.BuildScope(uc.ImmediateUpstream, inst.Input, uc.WorkflowGlobal, func(nodeID string) string {
		id, err := uuid.Parse(nodeID)
		if err != nil {
			return ""
		}
		if n := g.Node(id); n != nil {
			return n.Name
		}
		return ""
	})
	resolved, err := e.resolver.Resolve(node.TaskDescription, scope)
	if err != nil {
		return fmt.Errorf("resolve task description: %w", err)
	}

	envelope := models.ContextEnvelope{
		ImmediateUpstream: uc.ImmediateUpstream,
		WorkflowGlobal:    uc.WorkflowGlobal,
		NodeInfo: models.NodeInfo{
			NodeID:          ref.NodeID,
			NodeInstanceID:  ref.NodeInstanceID,
			Name:            node.Name,
			TaskDescription: resolved,
			UpstreamCount:   uc.UpstreamCount,
		},
	}
	envelopeJSON, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal context envelope: %w", err)
	}

	if err := e.stores.Nodes.SetRunning(ctx, ref.NodeInstanceID, envelopeJSON); err != nil {
		return fmt.Errorf("set node running: %w", err)
	}
	e.metrics.NodeTransitions.WithLabelValues(string(models.NodeStatusRunning)).Inc()

	if err := e.createNodeTasks(ctx, ic, node, ref, resolved, envelopeJSON); err != nil {
		return err
	}

	e.logger.Info("node materialized",
		"instance_id", ic.InstanceID,
		"node", node.Name,
		"processors", len(node.Processors))
	return nil
}

// createNodeTasks creates one task per bound processor and dispatches
// by kind. Also used by the retry path to re-materialize a node.
func (e *Engine) createNodeTasks(ctx context.Context, ic *state.Context, node *models.Node, ref state.NodeRef, description string, envelopeJSON json.RawMessage) error {
	for i := range node.Processors {
		proc := &node.Processors[i]

		task := &models.TaskInstance{
			TaskID:          uuid.New(),
			NodeInstanceID:  ref.NodeInstanceID,
			InstanceID:      ic.InstanceID,
			Title:           node.Name,
			Description:     description,
			Type:            models.TaskType(proc.Kind),
			Status:          models.TaskStatusPending,
			AssignedUserID:  proc.UserID,
			AssignedAgentID: proc.AgentID,
			ToolsEnabled:    proc.ToolsEnabled,
			Input:           envelopeJSON,
			CreatedAt:       time.Now().UTC(),
		}

		switch proc.Kind {
		case models.ProcessorHuman, models.ProcessorMixed:
			if proc.UserID != nil {
				task.Status = models.TaskStatusAssigned
			} else {
				e.logger.Warn("human task has no assigned user",
					"instance_id", ic.InstanceID,
					"node", node.Name,
					"processor", proc.Name)
			}
		}

		if err := e.stores.Tasks.Create(ctx, task); err != nil {
			return fmt.Errorf("create task for processor %s: %w", proc.Name, err)
		}

		switch proc.Kind {
		case models.ProcessorHuman:
			e.publishAssigned(ctx, ic, task)
		case models.ProcessorAgent:
			if err := e.dispatcher.Submit(task.TaskID); err != nil {
				e.logger.Error("agent submit failed", "task_id", task.TaskID, "error", err)
				return fmt.Errorf("submit agent task: %w", err)
			}
		case models.ProcessorMixed:
			e.publishAssigned(ctx, ic, task)
			// Advisory agent call; its failure never blocks the task
			if err := e.dispatcher.Submit(task.TaskID); err != nil {
				e.logger.Warn("advisory submit failed", "task_id", task.TaskID, "error", err)
			}
		}
	}
	return nil
}

func (e *Engine) publishAssigned(ctx context.Context, ic *state.Context, task *models.TaskInstance) {
	e.publish(ctx, events.Event{
		Type:       events.TypeTaskAssigned,
		InstanceID: ic.InstanceID,
		ExecutorID: ic.ExecutorID,
		TaskID:     &task.TaskID,
		UserID:     task.AssignedUserID,
		Payload:    map[string]any{"title": task.Title},
	})
}

// handleTaskTerminal aggregates a node once every owning task reached a
// terminal state
func (e *Engine) handleTaskTerminal(ctx context.Context, taskID uuid.UUID) {
	e.transitionMu.Lock()
	defer e.transitionMu.Unlock()

	task, err := e.stores.Tasks.Get(ctx, taskID)
	if err != nil {
		e.logger.Warn("terminal callback for unknown task", "task_id", taskID, "error", err)
		return
	}

	ic, ok := e.manager.Get(task.InstanceID)
	if !ok || ic.InstanceStatus().IsTerminal() {
		// Cancellation race: the completion is recorded but the run is
		// already settled.
		return
	}

	siblings, err := e.stores.Tasks.ListByNodeInstance(ctx, task.NodeInstanceID)
	if err != nil {
		e.logger.Error("list node tasks", "node_instance_id", task.NodeInstanceID, "error", err)
		return
	}

	// Retries leave old FAILED/CANCELLED rows behind; the node is done
	// when nothing is in flight and the live generation all completed
	var completed []*models.TaskInstance
	for _, t := range siblings {
		if !t.Status.IsTerminal() {
			return
		}
		if t.Status == models.TaskStatusCompleted {
			completed = append(completed, t)
		}
	}

	nodeInst, err := e.stores.Nodes.Get(ctx, task.NodeInstanceID)
	if err != nil {
		e.logger.Error("load node instance", "node_instance_id", task.NodeInstanceID, "error", err)
		return
	}
	if nodeInst.Status.IsTerminal() {
		return
	}

	g, err := e.tracker.BuildGraph(ctx, ic.TemplateVersionID)
	if err != nil {
		e.logger.Error("graph unavailable", "instance_id", ic.InstanceID, "error", err)
		return
	}
	if node := g.Node(nodeInst.NodeID); node != nil && len(completed) < len(node.Processors) {
		// A sibling failed; the failure path owns this node
		return
	}

	output, err := aggregateTaskOutputs(completed)
	if err != nil {
		e.failNode(ctx, ic, state.NodeRef{NodeID: nodeInst.NodeID, NodeInstanceID: nodeInst.NodeInstanceID},
			nodeInst.Name, fmt.Sprintf("aggregate outputs: %v", err))
		return
	}

	if err := e.stores.Nodes.SetCompleted(ctx, nodeInst.NodeInstanceID, output); err != nil {
		e.logger.Error("set node completed", "node_instance_id", nodeInst.NodeInstanceID, "error", err)
		return
	}
	e.metrics.NodeTransitions.WithLabelValues(string(models.NodeStatusCompleted)).Inc()

	if _, err := ic.MarkNodeCompleted(nodeInst.NodeID, nodeInst.NodeInstanceID, output); err != nil {
		e.logger.Error("mark node completed", "node_id", nodeInst.NodeID, "error", err)
		return
	}

	e.logger.Info("node completed",
		"instance_id", ic.InstanceID,
		"node", nodeInst.Name,
		"tasks", len(completed))

	e.checkInstanceDone(ctx, ic)
}

// handleTaskFailure applies the node's retry budget; an exhausted
// budget fails the node and cascades
func (e *Engine) handleTaskFailure(ctx context.Context, taskID uuid.UUID, errMsg string) {
	e.transitionMu.Lock()
	defer e.transitionMu.Unlock()

	task, err := e.stores.Tasks.Get(ctx, taskID)
	if err != nil {
		e.logger.Warn("failure callback for unknown task", "task_id", taskID, "error", err)
		return
	}

	ic, ok := e.manager.Get(task.InstanceID)
	if !ok || ic.InstanceStatus().IsTerminal() {
		return
	}

	nodeInst, err := e.stores.Nodes.Get(ctx, task.NodeInstanceID)
	if err != nil {
		e.logger.Error("load node instance", "node_instance_id", task.NodeInstanceID, "error", err)
		return
	}
	if nodeInst.Status.IsTerminal() {
		return
	}

	g, err := e.tracker.BuildGraph(ctx, ic.TemplateVersionID)
	if err != nil {
		e.logger.Error("graph unavailable", "instance_id", ic.InstanceID, "error", err)
		return
	}
	node := g.Node(nodeInst.NodeID)
	if node == nil {
		return
	}

	limit := node.EffectiveRetryLimit(e.cfg.Engine.TaskRetryLimit)
	retries, err := e.stores.Nodes.IncrementRetry(ctx, nodeInst.NodeInstanceID)
	if err != nil {
		e.logger.Error("increment retry", "node_instance_id", nodeInst.NodeInstanceID, "error", err)
		retries = limit + 1
	}

	if retries > limit {
		e.failNodeWithTasks(ctx, ic, nodeInst, errMsg)
		return
	}

	e.logger.Info("re-materializing node tasks after failure",
		"instance_id", ic.InstanceID,
		"node", nodeInst.Name,
		"attempt", retries,
		"limit", limit,
		"error", errMsg)

	// Cancel surviving siblings; the retry starts from a clean slate
	siblings, err := e.stores.Tasks.ListByNodeInstance(ctx, nodeInst.NodeInstanceID)
	if err == nil {
		for _, t := range siblings {
			if !t.Status.IsTerminal() {
				if t.AgentExecutable() {
					e.dispatcher.Cancel(t.TaskID)
				}
				if err := e.stores.Tasks.SetCancelled(ctx, t.TaskID); err != nil {
					e.logger.Warn("cancel sibling task", "task_id", t.TaskID, "error", err)
				}
			}
		}
	}

	description := task.Description
	if err := e.createNodeTasks(ctx, ic, node,
		state.NodeRef{NodeID: nodeInst.NodeID, NodeInstanceID: nodeInst.NodeInstanceID},
		description, task.Input); err != nil {
		e.failNodeWithTasks(ctx, ic, nodeInst, fmt.Sprintf("retry materialization: %v", err))
	}
}

// failNodeWithTasks fails a node listing its failed tasks in the error
func (e *Engine) failNodeWithTasks(ctx context.Context, ic *state.Context, nodeInst *models.NodeInstance, errMsg string) {
	var failed []string
	if tasks, err := e.stores.Tasks.ListByNodeInstance(ctx, nodeInst.NodeInstanceID); err == nil {
		for _, t := range tasks {
			if t.Status == models.TaskStatusFailed {
				failed = append(failed, t.TaskID.String())
			}
		}
	}

	msg := errMsg
	if len(failed) > 0 {
		msg = fmt.Sprintf("%s (failed tasks: %s)", errMsg, strings.Join(failed, ", "))
	}

	e.failNode(ctx, ic,
		state.NodeRef{NodeID: nodeInst.NodeID, NodeInstanceID: nodeInst.NodeInstanceID},
		nodeInst.Name, msg)
}

// failNode persists the failure, cancels the downstream cascade, and
// finalizes the instance as FAILED
func (e *Engine) failNode(ctx context.Context, ic *state.Context, ref state.NodeRef, nodeName, errMsg string) {
	if err := e.stores.Nodes.SetFailed(ctx, ref.NodeInstanceID, errMsg); err != nil {
		e.logger.Error("set node failed", "node_instance_id", ref.NodeInstanceID, "error", err)
	}
	e.metrics.NodeTransitions.WithLabelValues(string(models.NodeStatusFailed)).Inc()

	cancelled, err := ic.MarkNodeFailed(ref.NodeID, ref.NodeInstanceID, errMsg)
	if err != nil {
		e.logger.Error("mark node failed", "node_id", ref.NodeID, "error", err)
	}
	for _, c := range cancelled {
		if err := e.stores.Nodes.UpdateStatus(ctx, c.NodeInstanceID, models.NodeStatusCancelled); err != nil {
			e.logger.Warn("cancel downstream node", "node_instance_id", c.NodeInstanceID, "error", err)
		}
		e.metrics.NodeTransitions.WithLabelValues(string(models.NodeStatusCancelled)).Inc()
	}

	failMsg := fmt.Sprintf("node %s failed: %s", nodeName, errMsg)
	e.finalize(ctx, ic.InstanceID, models.InstanceStatusFailed, &failMsg)
}

// checkInstanceDone finalizes a run once every registered node completed
func (e *Engine) checkInstanceDone(ctx context.Context, ic *state.Context) {
	if !ic.AllNodesCompleted() {
		return
	}
	e.finalize(ctx, ic.InstanceID, models.InstanceStatusCompleted, nil)
}

// finalize runs the summarizer, persists the terminal row, emits the
// terminal event, and removes the context. Safe to call once per run;
// a second call is a no-op because the context is already terminal or
// gone.
func (e *Engine) finalize(ctx context.Context, instanceID uuid.UUID, status models.InstanceStatus, errMsg *string) {
	if ic, ok := e.manager.Get(instanceID); ok {
		if ic.InstanceStatus().IsTerminal() {
			return
		}
		if err := ic.SetStatus(status); err != nil {
			e.logger.Warn("terminal status transition refused", "instance_id", instanceID, "error", err)
			return
		}
	}

	inst, err := e.stores.Instances.Get(ctx, instanceID)
	if err != nil {
		e.logger.Error("load instance for finalize", "instance_id", instanceID, "error", err)
		return
	}
	nodes, err := e.stores.Nodes.ListByInstance(ctx, instanceID)
	if err != nil {
		e.logger.Error("list nodes for finalize", "instance_id", instanceID, "error", err)
	}
	tasks, err := e.stores.Tasks.ListByInstance(ctx, instanceID)
	if err != nil {
		e.logger.Error("list tasks for finalize", "instance_id", instanceID, "error", err)
	}

	// On failure paths remaining work is cancelled before summarizing
	if status != models.InstanceStatusCompleted {
		for _, t := range tasks {
			if !t.Status.IsTerminal() && t.AgentExecutable() {
				e.dispatcher.Cancel(t.TaskID)
			}
		}
		if _, err := e.stores.Tasks.CancelNonTerminal(ctx, instanceID); err != nil {
			e.logger.Warn("cancel tasks on finalize", "instance_id", instanceID, "error", err)
		}
		if _, err := e.stores.Nodes.CancelNonTerminal(ctx, instanceID); err != nil {
			e.logger.Warn("cancel nodes on finalize", "instance_id", instanceID, "error", err)
		}
		nodes, _ = e.stores.Nodes.ListByInstance(ctx, instanceID)
		tasks, _ = e.stores.Tasks.ListByInstance(ctx, instanceID)
	}

	now := time.Now().UTC()
	snapshot := *inst
	snapshot.Status = status
	snapshot.CompletedAt = &now
	if errMsg != nil {
		snapshot.ErrorMessage = errMsg
	}

	var output json.RawMessage
	if status == models.InstanceStatusCompleted {
		if ic, ok := e.manager.Get(instanceID); ok {
			output = ic.GlobalContext()
		}
	}
	snapshot.Output = output

	report := e.summarizer.Summarize(&snapshot, nodes, tasks)
	summaryJSON, err := json.Marshal(report)
	if err != nil {
		e.logger.Error("marshal summary", "instance_id", instanceID, "error", err)
	}

	if err := e.stores.Instances.Finalize(ctx, instanceID, status, output, summaryJSON, errMsg); err != nil {
		e.logger.Error("finalize instance", "instance_id", instanceID, "error", err)
	}

	e.metrics.InstancesRunning.Dec()
	e.queue.PurgeInstance(instanceID)

	event := events.Event{
		InstanceID: instanceID,
		ExecutorID: inst.ExecutorID,
	}
	switch status {
	case models.InstanceStatusCompleted:
		event.Type = events.TypeWorkflowCompleted
		event.Payload = map[string]any{"result_type": report.ExecutionResult.ResultType}
	case models.InstanceStatusFailed:
		event.Type = events.TypeWorkflowFailed
		if errMsg != nil {
			event.Payload = map[string]any{"error": *errMsg}
		}
	case models.InstanceStatusCancelled:
		event.Type = events.TypeWorkflowCancelled
	}
	e.publish(ctx, event)

	if err := e.manager.Remove(ctx, instanceID, false); err != nil && !flowerr.IsNotFound(err) {
		e.logger.Warn("context remove on finalize", "instance_id", instanceID, "error", err)
	}

	e.logger.Info("workflow finalized",
		"instance_id", instanceID,
		"status", status,
		"result_type", report.ExecutionResult.ResultType)
}

// aggregateTaskOutputs builds the node completion payload from its
// completed tasks
func aggregateTaskOutputs(completed []*models.TaskInstance) (json.RawMessage, error) {
	type taskResult struct {
		TaskID  uuid.UUID       `json:"task_id"`
		Title   string          `json:"title"`
		Output  json.RawMessage `json:"output,omitempty"`
		Summary *string         `json:"summary,omitempty"`
	}

	results := make([]taskResult, 0, len(completed))
	combined := make(map[string]json.RawMessage, len(completed))
	for i, t := range completed {
		results = append(results, taskResult{
			TaskID:  t.TaskID,
			Title:   t.Title,
			Output:  t.Output,
			Summary: t.ResultSummary,
		})
		combined[fmt.Sprintf("task_%d_output", i+1)] = t.Output
	}

	return json.Marshal(map[string]any{
		"task_count":      len(results),
		"completed_at":    time.Now().UTC().Format(time.RFC3339),
		"task_results":    results,
		"combined_output": combined,
	})
}
