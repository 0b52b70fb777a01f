package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowcore/common/config"
	"github.com/lyzr/flowcore/common/flowerr"
	"github.com/lyzr/flowcore/common/metrics"
	"github.com/lyzr/flowcore/common/models"
	"github.com/lyzr/flowcore/common/repository"
)

type testLogger struct{}

func (testLogger) Info(string, ...interface{})  {}
func (testLogger) Error(string, ...interface{}) {}
func (testLogger) Warn(string, ...interface{})  {}
func (testLogger) Debug(string, ...interface{}) {}

// scriptedAgent answers each call with the scripted function
type scriptedAgent struct {
	mu    sync.Mutex
	calls []*models.AgentTaskRequest
	fn    func(ctx context.Context, req *models.AgentTaskRequest) (*models.AgentTaskResult, error)
}

func (a *scriptedAgent) ExecuteTask(ctx context.Context, req *models.AgentTaskRequest) (*models.AgentTaskResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	fn := a.fn
	a.mu.Unlock()
	return fn(ctx, req)
}

func (a *scriptedAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// recordingSubscriber collects terminal callbacks
type recordingSubscriber struct {
	mu        sync.Mutex
	completed map[uuid.UUID]string
	failed    map[uuid.UUID]string
	done      chan struct{}
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{
		completed: make(map[uuid.UUID]string),
		failed:    make(map[uuid.UUID]string),
		done:      make(chan struct{}, 16),
	}
}

func (s *recordingSubscriber) OnTaskCompleted(_ context.Context, taskID uuid.UUID, result string) {
	s.mu.Lock()
	s.completed[taskID] = result
	s.mu.Unlock()
	s.done <- struct{}{}
}

func (s *recordingSubscriber) OnTaskFailed(_ context.Context, taskID uuid.UUID, errMsg string) {
	s.mu.Lock()
	s.failed[taskID] = errMsg
	s.mu.Unlock()
	s.done <- struct{}{}
}

func (s *recordingSubscriber) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for subscriber callback")
	}
}

func testConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		Workers:               2,
		AgentCallTimeout:      200 * time.Millisecond,
		AgentCallTimeoutTools: 400 * time.Millisecond,
		RescueInterval:        20 * time.Millisecond,
		RescueMaxInterval:     100 * time.Millisecond,
		RescueBatchSize:       10,
	}
}

// seedTask persists a RUNNING instance plus one agent task
func seedTask(t *testing.T, store *repository.MemoryStore, taskType models.TaskType) *models.TaskInstance {
	t.Helper()
	ctx := context.Background()

	inst := &models.WorkflowInstance{
		InstanceID: uuid.New(),
		ExecutorID: uuid.New(),
		Name:       "run",
		Status:     models.InstanceStatusRunning,
	}
	if err := store.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	task := &models.TaskInstance{
		TaskID:         uuid.New(),
		NodeInstanceID: uuid.New(),
		InstanceID:     inst.InstanceID,
		Title:          "summarize",
		Description:    "summarize the records",
		Type:           taskType,
		Status:         models.TaskStatusPending,
		Input:          json.RawMessage(`{"immediate_upstream":{}}`),
	}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func newTestDispatcher(store *repository.MemoryStore, agent *scriptedAgent) (*Dispatcher, *recordingSubscriber) {
	d := New(testConfig(), store.Tasks(), store.Instances(), agent, metrics.New(), testLogger{})
	sub := newRecordingSubscriber()
	d.SetSubscriber(sub)
	return d, sub
}

func TestDispatcher_CompletesAgentTask(t *testing.T) {
	store := repository.NewMemoryStore()
	task := seedTask(t, store, models.TaskTypeAgent)

	agent := &scriptedAgent{fn: func(_ context.Context, _ *models.AgentTaskRequest) (*models.AgentTaskResult, error) {
		return &models.AgentTaskResult{Text: "all records look fine"}, nil
	}}
	d, sub := newTestDispatcher(store, agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	if err := d.Submit(task.TaskID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	sub.wait(t)

	sub.mu.Lock()
	result := sub.completed[task.TaskID]
	sub.mu.Unlock()
	if result != "all records look fine" {
		t.Errorf("Unexpected callback result: %q", result)
	}

	stored, err := store.GetTask(context.Background(), task.TaskID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if stored.Status != models.TaskStatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", stored.Status)
	}
	if stored.ResultSummary == nil || *stored.ResultSummary != "all records look fine" {
		t.Errorf("Unexpected result summary: %v", stored.ResultSummary)
	}
	if stored.ActualDurationMinutes == nil || *stored.ActualDurationMinutes < 1 {
		t.Errorf("Expected duration rounded up to >= 1 minute, got %v", stored.ActualDurationMinutes)
	}
	var text string
	if err := json.Unmarshal(stored.Output, &text); err != nil || text != "all records look fine" {
		t.Errorf("Unexpected stored output: %s", stored.Output)
	}

	// The request carried the resolved description as system prompt
	agent.mu.Lock()
	req := agent.calls[0]
	agent.mu.Unlock()
	if req.SystemPrompt != "summarize the records" {
		t.Errorf("Unexpected system prompt: %q", req.SystemPrompt)
	}
	if !strings.Contains(req.UserMessage, "summarize") || !strings.Contains(req.UserMessage, "Context:") {
		t.Errorf("Unexpected user message: %q", req.UserMessage)
	}
}

func TestDispatcher_TimeoutFailsTask(t *testing.T) {
	store := repository.NewMemoryStore()
	task := seedTask(t, store, models.TaskTypeAgent)

	agent := &scriptedAgent{fn: func(ctx context.Context, _ *models.AgentTaskRequest) (*models.AgentTaskResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	d, sub := newTestDispatcher(store, agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	if err := d.Submit(task.TaskID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	sub.wait(t)

	sub.mu.Lock()
	errMsg := sub.failed[task.TaskID]
	sub.mu.Unlock()
	if !strings.Contains(errMsg, "agent call timed out after") {
		t.Errorf("Unexpected failure message: %q", errMsg)
	}

	stored, _ := store.GetTask(context.Background(), task.TaskID)
	if stored.Status != models.TaskStatusFailed {
		t.Errorf("Expected FAILED, got %s", stored.Status)
	}
}

func TestDispatcher_ErrorFailsTask(t *testing.T) {
	store := repository.NewMemoryStore()
	task := seedTask(t, store, models.TaskTypeAgent)

	agent := &scriptedAgent{fn: func(_ context.Context, _ *models.AgentTaskRequest) (*models.AgentTaskResult, error) {
		return nil, errors.New("upstream 502")
	}}
	d, sub := newTestDispatcher(store, agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	if err := d.Submit(task.TaskID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	sub.wait(t)

	sub.mu.Lock()
	errMsg := sub.failed[task.TaskID]
	sub.mu.Unlock()
	if errMsg != "upstream 502" {
		t.Errorf("Unexpected failure message: %q", errMsg)
	}
}

func TestDispatcher_CancelDropsOutcome(t *testing.T) {
	store := repository.NewMemoryStore()
	task := seedTask(t, store, models.TaskTypeAgent)

	started := make(chan struct{})
	agent := &scriptedAgent{fn: func(ctx context.Context, _ *models.AgentTaskRequest) (*models.AgentTaskResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	d, sub := newTestDispatcher(store, agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	if err := d.Submit(task.TaskID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Agent call never started")
	}
	if !d.Cancel(task.TaskID) {
		t.Fatal("Cancel should find the in-flight token")
	}

	// Engine-driven cancellation must not produce a callback
	select {
	case <-sub.done:
		t.Fatal("Cancelled call must not reach the subscriber")
	case <-time.After(300 * time.Millisecond):
	}

	// No terminal write either: the engine owns the task row
	stored, _ := store.GetTask(context.Background(), task.TaskID)
	if stored.Status != models.TaskStatusInProgress {
		t.Errorf("Expected IN_PROGRESS left for the engine, got %s", stored.Status)
	}
}

func TestDispatcher_MixedTaskStoresAdvisory(t *testing.T) {
	store := repository.NewMemoryStore()
	task := seedTask(t, store, models.TaskTypeMixed)

	agent := &scriptedAgent{fn: func(_ context.Context, _ *models.AgentTaskRequest) (*models.AgentTaskResult, error) {
		return &models.AgentTaskResult{Text: "suggested answer"}, nil
	}}
	d, sub := newTestDispatcher(store, agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	if err := d.Submit(task.TaskID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Advisory output is a side channel, never a completion callback
	select {
	case <-sub.done:
		t.Fatal("MIXED advisory must not reach the subscriber")
	case <-time.After(300 * time.Millisecond):
	}

	stored, _ := store.GetTask(context.Background(), task.TaskID)
	if stored.Status.IsTerminal() {
		t.Errorf("MIXED task must stay open for its human owner, got %s", stored.Status)
	}
	var sideChannel map[string]string
	if err := json.Unmarshal(stored.Context, &sideChannel); err != nil {
		t.Fatalf("Task context is not valid JSON: %v", err)
	}
	if sideChannel["advisory_output"] != "suggested answer" {
		t.Errorf("Unexpected advisory output: %v", sideChannel)
	}
}

func TestDispatcher_MixedAdvisoryFailureLeavesTaskOpen(t *testing.T) {
	store := repository.NewMemoryStore()
	task := seedTask(t, store, models.TaskTypeMixed)

	agent := &scriptedAgent{fn: func(_ context.Context, _ *models.AgentTaskRequest) (*models.AgentTaskResult, error) {
		return nil, errors.New("upstream 502")
	}}
	d, sub := newTestDispatcher(store, agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	if err := d.Submit(task.TaskID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// A failed advisory call is log-only: no failure callback, no
	// terminal write, the human owner keeps the task
	select {
	case <-sub.done:
		t.Fatal("Advisory failure must not reach the subscriber")
	case <-time.After(300 * time.Millisecond):
	}

	stored, _ := store.GetTask(context.Background(), task.TaskID)
	if stored.Status.IsTerminal() {
		t.Errorf("MIXED task must survive an advisory failure, got %s", stored.Status)
	}
	if stored.ErrorMessage != nil {
		t.Errorf("Advisory failure must not touch the task row: %v", *stored.ErrorMessage)
	}
}

func TestDispatcher_DuplicateSubmit(t *testing.T) {
	store := repository.NewMemoryStore()
	task := seedTask(t, store, models.TaskTypeAgent)

	release := make(chan struct{})
	agent := &scriptedAgent{fn: func(_ context.Context, _ *models.AgentTaskRequest) (*models.AgentTaskResult, error) {
		<-release
		return &models.AgentTaskResult{Text: "done"}, nil
	}}
	d, sub := newTestDispatcher(store, agent)

	// Duplicate before Start: second submit is a silent no-op
	if err := d.Submit(task.TaskID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := d.Submit(task.TaskID); err != nil {
		t.Fatalf("Duplicate submit should be silent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	close(release)
	sub.wait(t)

	if agent.callCount() != 1 {
		t.Errorf("Expected exactly 1 agent call, got %d", agent.callCount())
	}
}

func TestDispatcher_DropsIneligibleTasks(t *testing.T) {
	store := repository.NewMemoryStore()
	human := seedTask(t, store, models.TaskTypeHuman)
	done := seedTask(t, store, models.TaskTypeAgent)
	if err := store.SetTaskCancelled(context.Background(), done.TaskID); err != nil {
		t.Fatalf("SetTaskCancelled failed: %v", err)
	}

	agent := &scriptedAgent{fn: func(_ context.Context, _ *models.AgentTaskRequest) (*models.AgentTaskResult, error) {
		return &models.AgentTaskResult{Text: "never"}, nil
	}}
	d, _ := newTestDispatcher(store, agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	if err := d.Submit(human.TaskID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := d.Submit(done.TaskID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := d.Submit(uuid.New()); err != nil {
		t.Fatalf("Submit of unknown task failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	d.Stop()

	if agent.callCount() != 0 {
		t.Errorf("Ineligible tasks must never reach the agent, got %d calls", agent.callCount())
	}

	stored, _ := store.GetTask(context.Background(), human.TaskID)
	if stored.Status != models.TaskStatusPending {
		t.Errorf("Human task must stay untouched, got %s", stored.Status)
	}
}

func TestDispatcher_RescuesPendingAgentTasks(t *testing.T) {
	store := repository.NewMemoryStore()
	task := seedTask(t, store, models.TaskTypeAgent)

	agent := &scriptedAgent{fn: func(_ context.Context, _ *models.AgentTaskRequest) (*models.AgentTaskResult, error) {
		return &models.AgentTaskResult{Text: "rescued"}, nil
	}}
	d, sub := newTestDispatcher(store, agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// No Submit: the rescue monitor must find the PENDING row itself
	d.Start(ctx)
	defer d.Stop()

	sub.wait(t)

	stored, _ := store.GetTask(context.Background(), task.TaskID)
	if stored.Status != models.TaskStatusCompleted {
		t.Errorf("Expected rescued task to complete, got %s", stored.Status)
	}
}

func TestDispatcher_RescueSkipsDeadInstances(t *testing.T) {
	store := repository.NewMemoryStore()
	task := seedTask(t, store, models.TaskTypeAgent)
	if err := store.UpdateInstanceStatus(context.Background(), task.InstanceID, models.InstanceStatusCancelled); err != nil {
		t.Fatalf("UpdateInstanceStatus failed: %v", err)
	}

	agent := &scriptedAgent{fn: func(_ context.Context, _ *models.AgentTaskRequest) (*models.AgentTaskResult, error) {
		return &models.AgentTaskResult{Text: "never"}, nil
	}}
	d, _ := newTestDispatcher(store, agent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	time.Sleep(150 * time.Millisecond)
	d.Stop()

	if agent.callCount() != 0 {
		t.Errorf("Rescue must skip non-running instances, got %d calls", agent.callCount())
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	store := repository.NewMemoryStore()
	agent := &scriptedAgent{fn: func(_ context.Context, _ *models.AgentTaskRequest) (*models.AgentTaskResult, error) {
		return &models.AgentTaskResult{Text: ""}, nil
	}}
	d, _ := newTestDispatcher(store, agent)

	// Not started: the buffer fills and overflow reports capacity
	var err error
	for i := 0; i < submitBuffer+1; i++ {
		err = d.Submit(uuid.New())
		if err != nil {
			break
		}
	}
	if flowerr.KindOf(err) != flowerr.KindCapacityExceeded {
		t.Fatalf("Expected CAPACITY_EXCEEDED on overflow, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", resultSummaryLimit+100)
	if got := truncate(long, resultSummaryLimit); len(got) != resultSummaryLimit {
		t.Errorf("Expected %d chars, got %d", resultSummaryLimit, len(got))
	}
	if got := truncate("short", resultSummaryLimit); got != "short" {
		t.Errorf("Short strings pass through, got %q", got)
	}
}
