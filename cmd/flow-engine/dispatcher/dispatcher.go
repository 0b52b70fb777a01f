package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/lyzr/flowcore/common/clients"
	"github.com/lyzr/flowcore/common/config"
	"github.com/lyzr/flowcore/common/flowerr"
	"github.com/lyzr/flowcore/common/metrics"
	"github.com/lyzr/flowcore/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// TaskStore is the slice of task persistence the dispatcher needs
type TaskStore interface {
	Get(ctx context.Context, taskID uuid.UUID) (*models.TaskInstance, error)
	SetInProgress(ctx context.Context, taskID uuid.UUID) error
	SetCompleted(ctx context.Context, taskID uuid.UUID, output json.RawMessage, resultSummary *string, durationMinutes *int) error
	SetFailed(ctx context.Context, taskID uuid.UUID, errorMessage string) error
	UpdateContext(ctx context.Context, taskID uuid.UUID, contextPayload json.RawMessage) error
	ListPendingAgentTasks(ctx context.Context, limit int) ([]*models.TaskInstance, error)
}

// InstanceStore lets the rescue monitor check whether a pending task's
// owning instance is still live before re-enqueueing it
type InstanceStore interface {
	Get(ctx context.Context, instanceID uuid.UUID) (*models.WorkflowInstance, error)
}

// Subscriber receives terminal agent-task outcomes. The engine registers
// itself here; MIXED advisory calls never reach the subscriber.
type Subscriber interface {
	OnTaskCompleted(ctx context.Context, taskID uuid.UUID, result string)
	OnTaskFailed(ctx context.Context, taskID uuid.UUID, errMsg string)
}

const submitBuffer = 1024

// resultSummaryLimit caps the stored result_summary
const resultSummaryLimit = 500

// Dispatcher runs agent-executable tasks on a bounded worker pool.
// Submission is deduplicated, every in-flight call carries a per-task
// cancellation token, and a rescue monitor re-enqueues PENDING agent
// tasks that lost their submission (engine restart).
type Dispatcher struct {
	cfg     config.DispatcherConfig
	tasks   TaskStore
	inst    InstanceStore
	agent   clients.AgentClient
	metrics *metrics.Metrics
	logger  Logger

	queue chan uuid.UUID

	mu         sync.Mutex
	queued     map[uuid.UUID]struct{}
	inFlight   map[uuid.UUID]context.CancelFunc
	subscriber Subscriber

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a dispatcher; Start must be called before Submit is useful
func New(cfg config.DispatcherConfig, tasks TaskStore, inst InstanceStore, agent clients.AgentClient, m *metrics.Metrics, logger Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		tasks:    tasks,
		inst:     inst,
		agent:    agent,
		metrics:  m,
		logger:   logger,
		queue:    make(chan uuid.UUID, submitBuffer),
		queued:   make(map[uuid.UUID]struct{}),
		inFlight: make(map[uuid.UUID]context.CancelFunc),
		stop:     make(chan struct{}),
	}
}

// SetSubscriber registers the outcome receiver
func (d *Dispatcher) SetSubscriber(sub Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscriber = sub
}

// Start launches the worker pool and the rescue monitor
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}

	d.wg.Add(1)
	go d.rescueLoop(ctx)

	d.logger.Info("dispatcher started",
		"workers", d.cfg.Workers,
		"rescue_interval", d.cfg.RescueInterval)
}

// Stop signals every worker and waits for in-flight calls to drain
func (d *Dispatcher) Stop() {
	close(d.stop)
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Submit enqueues a task for agent execution. Duplicate submissions of
// a task already queued or in flight are dropped silently.
func (d *Dispatcher) Submit(taskID uuid.UUID) error {
	d.mu.Lock()
	if _, dup := d.queued[taskID]; dup {
		d.mu.Unlock()
		return nil
	}
	if _, running := d.inFlight[taskID]; running {
		d.mu.Unlock()
		return nil
	}
	d.queued[taskID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.queue <- taskID:
		d.metrics.QueueDepth.WithLabelValues("dispatcher").Set(float64(len(d.queue)))
		return nil
	default:
		d.mu.Lock()
		delete(d.queued, taskID)
		d.mu.Unlock()
		return flowerr.Newf(flowerr.KindCapacityExceeded,
			"dispatcher queue full (%d items)", submitBuffer)
	}
}

// Cancel signals the in-flight call for a task, if any. It reports
// whether a token was found; a queued-but-not-started task is covered
// by the worker's terminal-status check instead.
func (d *Dispatcher) Cancel(taskID uuid.UUID) bool {
	d.mu.Lock()
	cancel, ok := d.inFlight[taskID]
	d.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// InFlight returns the number of agent calls currently executing
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case taskID := <-d.queue:
			d.metrics.QueueDepth.WithLabelValues("dispatcher").Set(float64(len(d.queue)))
			d.execute(ctx, taskID)
		}
	}
}

// execute runs one agent call end to end
func (d *Dispatcher) execute(ctx context.Context, taskID uuid.UUID) {
	d.mu.Lock()
	delete(d.queued, taskID)
	d.mu.Unlock()

	task, err := d.tasks.Get(ctx, taskID)
	if err != nil {
		d.logger.Warn("dropping unknown task", "task_id", taskID, "error", err)
		return
	}
	if task.Status.IsTerminal() {
		d.logger.Debug("dropping terminal task", "task_id", taskID, "status", task.Status)
		return
	}
	if !task.AgentExecutable() {
		d.logger.Warn("dropping non-agent task", "task_id", taskID, "type", task.Type)
		return
	}

	if err := d.tasks.SetInProgress(ctx, taskID); err != nil {
		d.logger.Error("mark task in progress", "task_id", taskID, "error", err)
		return
	}

	timeout := d.cfg.AgentCallTimeout
	if task.ToolsEnabled {
		timeout = d.cfg.AgentCallTimeoutTools
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	d.mu.Lock()
	d.inFlight[taskID] = cancel
	d.mu.Unlock()

	d.metrics.AgentTasksInFlight.Inc()
	started := time.Now()

	result, callErr := d.agent.ExecuteTask(callCtx, d.buildRequest(task))

	elapsed := time.Since(started)
	d.metrics.AgentTasksInFlight.Dec()
	d.metrics.TaskDuration.Observe(elapsed.Seconds())

	d.mu.Lock()
	delete(d.inFlight, taskID)
	sub := d.subscriber
	d.mu.Unlock()

	// Snapshot the call context's error before releasing the token:
	// once cancel() runs, callCtx.Err() reports Canceled for every
	// outcome.
	callCtxErr := callCtx.Err()
	cancel()

	// The engine cancelled us mid-call; it owns the task's terminal
	// state, so the outcome is dropped without a callback.
	if callCtxErr == context.Canceled && ctx.Err() == nil {
		d.logger.Info("agent call cancelled", "task_id", taskID)
		d.metrics.TasksProcessed.WithLabelValues(string(task.Type), string(models.TaskStatusCancelled)).Inc()
		return
	}

	if callErr != nil {
		// A failed advisory call never touches the task row; the
		// human result stays authoritative for MIXED tasks.
		if task.Type == models.TaskTypeMixed {
			d.logger.Warn("advisory agent call failed",
				"task_id", taskID,
				"elapsed", elapsed,
				"error", callErr)
			return
		}

		msg := callErr.Error()
		if callCtxErr == context.DeadlineExceeded {
			msg = fmt.Sprintf("agent call timed out after %s", timeout)
		}
		d.logger.Error("agent call failed",
			"task_id", taskID,
			"elapsed", elapsed,
			"error", callErr)

		if err := d.tasks.SetFailed(ctx, taskID, msg); err != nil {
			d.logger.Error("mark task failed", "task_id", taskID, "error", err)
		}
		d.metrics.TasksProcessed.WithLabelValues(string(task.Type), string(models.TaskStatusFailed)).Inc()
		if sub != nil {
			sub.OnTaskFailed(ctx, taskID, msg)
		}
		return
	}

	// MIXED tasks stay with their human owner; the agent's answer is
	// advisory context, not a completion.
	if task.Type == models.TaskTypeMixed {
		d.storeAdvisory(ctx, task, result.Text)
		return
	}

	output, err := json.Marshal(result.Text)
	if err != nil {
		output = json.RawMessage(`""`)
	}
	summary := truncate(result.Text, resultSummaryLimit)
	minutes := int((elapsed + time.Minute - 1) / time.Minute)

	if err := d.tasks.SetCompleted(ctx, taskID, output, &summary, &minutes); err != nil {
		d.logger.Error("mark task completed", "task_id", taskID, "error", err)
		return
	}

	d.logger.Info("agent task completed",
		"task_id", taskID,
		"elapsed", elapsed,
		"output_chars", len(result.Text))
	d.metrics.TasksProcessed.WithLabelValues(string(task.Type), string(models.TaskStatusCompleted)).Inc()

	if sub != nil {
		sub.OnTaskCompleted(ctx, taskID, result.Text)
	}
}

// storeAdvisory merges the agent's advisory answer into a MIXED task's
// side-channel context
func (d *Dispatcher) storeAdvisory(ctx context.Context, task *models.TaskInstance, text string) {
	merged := map[string]json.RawMessage{}
	if len(task.Context) > 0 {
		_ = json.Unmarshal(task.Context, &merged)
	}
	advisory, err := json.Marshal(text)
	if err != nil {
		advisory = json.RawMessage(`""`)
	}
	merged["advisory_output"] = advisory

	payload, err := json.Marshal(merged)
	if err != nil {
		d.logger.Error("marshal advisory context", "task_id", task.TaskID, "error", err)
		return
	}

	if err := d.tasks.UpdateContext(ctx, task.TaskID, payload); err != nil {
		d.logger.Error("store advisory output", "task_id", task.TaskID, "error", err)
		return
	}

	d.logger.Info("advisory output stored", "task_id", task.TaskID)
}

// buildRequest assembles the wire request for one task. The node's
// resolved description becomes the system prompt; the user message
// carries the title plus the upstream envelope.
func (d *Dispatcher) buildRequest(task *models.TaskInstance) *models.AgentTaskRequest {
	var msg strings.Builder
	msg.WriteString(task.Title)
	if len(task.Input) > 0 && string(task.Input) != "null" {
		msg.WriteString("\n\nContext:\n")
		msg.Write(task.Input)
	}

	images := parseImages(task.Context)

	return &models.AgentTaskRequest{
		TaskID:               task.TaskID.String(),
		SystemPrompt:         task.Description,
		UserMessage:          msg.String(),
		Images:               images,
		HasMultimodalContent: len(images) > 0,
		TaskMetadata: models.TaskMetadata{
			TaskTitle:         task.Title,
			TaskDescription:   task.Description,
			EstimatedDuration: task.EstimatedDurationMinutes,
		},
	}
}

// parseImages pulls inline attachments out of the task's context blob
func parseImages(taskContext json.RawMessage) []models.ImageAttachment {
	if len(taskContext) == 0 {
		return nil
	}
	raw := gjson.GetBytes(taskContext, "images")
	if !raw.IsArray() {
		return nil
	}

	var images []models.ImageAttachment
	if err := json.Unmarshal([]byte(raw.Raw), &images); err != nil {
		return nil
	}
	return images
}

// rescueLoop re-enqueues PENDING agent tasks whose submission was lost.
// The interval backs off exponentially while idle and snaps back to the
// base interval as soon as work appears.
func (d *Dispatcher) rescueLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := d.cfg.RescueInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		rescued := d.rescue(ctx)
		if rescued > 0 {
			interval = d.cfg.RescueInterval
		} else {
			interval *= 2
			if interval > d.cfg.RescueMaxInterval {
				interval = d.cfg.RescueMaxInterval
			}
		}
		timer.Reset(interval)
	}
}

// rescue runs one scan pass and returns the number of tasks re-enqueued
func (d *Dispatcher) rescue(ctx context.Context) int {
	pending, err := d.tasks.ListPendingAgentTasks(ctx, d.cfg.RescueBatchSize)
	if err != nil {
		d.logger.Error("rescue scan failed", "error", err)
		return 0
	}
	if len(pending) == 0 {
		return 0
	}

	rescued := 0
	for _, task := range pending {
		inst, err := d.inst.Get(ctx, task.InstanceID)
		if err != nil {
			continue
		}
		if inst.Status != models.InstanceStatusRunning {
			continue
		}
		if err := d.Submit(task.TaskID); err != nil {
			d.logger.Warn("rescue submit failed", "task_id", task.TaskID, "error", err)
			continue
		}
		rescued++
	}

	if rescued > 0 {
		d.logger.Info("rescued pending agent tasks", "count", rescued)
	}
	return rescued
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
