package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowcore/cmd/flow-engine/cleanup"
	"github.com/lyzr/flowcore/cmd/flow-engine/dispatcher"
	"github.com/lyzr/flowcore/cmd/flow-engine/engine"
	"github.com/lyzr/flowcore/cmd/flow-engine/graph"
	"github.com/lyzr/flowcore/cmd/flow-engine/resolver"
	"github.com/lyzr/flowcore/cmd/flow-engine/state"
	"github.com/lyzr/flowcore/cmd/flow-engine/summary"
	"github.com/lyzr/flowcore/common/bootstrap"
	"github.com/lyzr/flowcore/common/config"
	"github.com/lyzr/flowcore/common/events"
	"github.com/lyzr/flowcore/common/logger"
	"github.com/lyzr/flowcore/common/metrics"
	"github.com/lyzr/flowcore/common/models"
	"github.com/lyzr/flowcore/common/repository"
)

type testLogger struct{}

func (testLogger) Info(string, ...interface{})  {}
func (testLogger) Error(string, ...interface{}) {}
func (testLogger) Warn(string, ...interface{})  {}
func (testLogger) Debug(string, ...interface{}) {}

// echoAgent completes every agent task with a fixed answer
type echoAgent struct{}

func (echoAgent) ExecuteTask(context.Context, *models.AgentTaskRequest) (*models.AgentTaskResult, error) {
	return &models.AgentTaskResult{Text: "done"}, nil
}

type handlerFixture struct {
	store    *repository.MemoryStore
	engine   *engine.Engine
	workflow *WorkflowHandler
	task     *TaskHandler
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	cfg := &config.Config{
		Engine: config.EngineConfig{
			QueueWorkers:    2,
			QueuePopTimeout: 20 * time.Millisecond,
			MonitorInterval: time.Hour,
		},
		Dispatcher: config.DispatcherConfig{
			Workers:               2,
			AgentCallTimeout:      time.Second,
			AgentCallTimeoutTools: 2 * time.Second,
			RescueInterval:        50 * time.Millisecond,
			RescueMaxInterval:     200 * time.Millisecond,
			RescueBatchSize:       10,
		},
		Cleanup: config.CleanupConfig{
			Interval:    time.Hour,
			ContextTTL:  time.Hour,
			TempFileTTL: time.Hour,
		},
		Quality: config.QualityConfig{
			GateExpression: "completeness >= 0.8 && accuracy >= 0.8 && !has_validation_errors",
		},
	}

	store := repository.NewMemoryStore()
	m := metrics.New()
	publisher := events.NewMemoryPublisher(testLogger{})

	disp := dispatcher.New(cfg.Dispatcher, store.Tasks(), store.Instances(), echoAgent{}, m, testLogger{})
	eng := engine.New(
		*cfg,
		engine.Stores{
			Workflows: store.Workflows(),
			Instances: store.Instances(),
			Nodes:     store.Nodes(),
			Tasks:     store.Tasks(),
		},
		graph.NewTracker(store.Workflows(), testLogger{}),
		state.NewManager(0, publisher, testLogger{}),
		disp,
		summary.NewSummarizer(summary.NewQualityGate(cfg.Quality.GateExpression), testLogger{}),
		resolver.NewResolver(testLogger{}),
		cleanup.NewManager(cfg.Cleanup, testLogger{}),
		publisher,
		m,
		testLogger{},
	)
	disp.SetSubscriber(eng)

	ctx, cancel := context.WithCancel(context.Background())
	disp.Start(ctx)
	eng.Start(ctx)
	t.Cleanup(func() {
		eng.Stop()
		disp.Stop()
		cancel()
	})

	components := &bootstrap.Components{
		Config: cfg,
		Logger: logger.New("error", "json"),
	}

	return &handlerFixture{
		store:    store,
		engine:   eng,
		workflow: NewWorkflowHandler(components, eng, store.Workflows(), nil),
		task:     NewTaskHandler(components, eng),
	}
}

// humanTemplate builds start -> review -> end with one human processor
func humanTemplate(userID uuid.UUID) *models.WorkflowTemplate {
	versionID := uuid.New()
	startID, workID, endID := uuid.New(), uuid.New(), uuid.New()

	return &models.WorkflowTemplate{
		TemplateVersionID: versionID,
		TemplateBaseID:    uuid.New(),
		Name:              "review-pipeline",
		Version:           1,
		Nodes: []models.Node{
			{NodeID: startID, TemplateVersionID: versionID, Name: "start",
				Type: models.NodeTypeStart, TaskDescription: "kick off"},
			{NodeID: workID, TemplateVersionID: versionID, Name: "review",
				Type: models.NodeTypeProcessor, TaskDescription: "review the document",
				Processors: []models.Processor{{
					ProcessorID: uuid.New(),
					NodeID:      workID,
					Kind:        models.ProcessorHuman,
					UserID:      &userID,
					Name:        "reviewer",
				}}},
			{NodeID: endID, TemplateVersionID: versionID, Name: "end",
				Type: models.NodeTypeEnd, TaskDescription: "done"},
		},
		Edges: []models.Edge{
			{FromNodeID: startID, ToNodeID: workID},
			{FromNodeID: workID, ToNodeID: endID},
		},
	}
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

// callExecute invokes the execute handler directly with path params bound
func callExecute(t *testing.T, f *handlerFixture, templateBaseID, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, body), rec)
	c.SetPath("/api/v1/workflows/:template_base_id/execute")
	c.SetParamNames("template_base_id")
	c.SetParamValues(templateBaseID)

	require.NoError(t, f.workflow.Execute(c))
	return rec
}

func TestExecuteHandler_StartsWorkflow(t *testing.T) {
	f := newHandlerFixture(t)
	tpl := humanTemplate(uuid.New())
	f.store.AddTemplate(tpl)

	body := fmt.Sprintf(`{"executor_id":%q,"input":{"doc":"q3 report"}}`, uuid.New())
	rec := callExecute(t, f, tpl.TemplateBaseID.String(), body)

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var result engine.ExecuteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEqual(t, uuid.Nil, result.InstanceID)
	assert.Equal(t, models.InstanceStatusRunning, result.Status)
	assert.Equal(t, "workflow started", result.Message)
}

func TestExecuteHandler_InvalidTemplateID(t *testing.T) {
	f := newHandlerFixture(t)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{}`), rec)
	c.SetPath("/api/v1/workflows/:template_base_id/execute")
	c.SetParamNames("template_base_id")
	c.SetParamValues("not-a-uuid")

	err := f.workflow.Execute(c)
	require.Error(t, err)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestExecuteHandler_MissingExecutor(t *testing.T) {
	f := newHandlerFixture(t)
	tpl := humanTemplate(uuid.New())
	f.store.AddTemplate(tpl)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{}`), rec)
	c.SetPath("/api/v1/workflows/:template_base_id/execute")
	c.SetParamNames("template_base_id")
	c.SetParamValues(tpl.TemplateBaseID.String())

	err := f.workflow.Execute(c)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestExecuteHandler_UnknownTemplate(t *testing.T) {
	f := newHandlerFixture(t)

	body := fmt.Sprintf(`{"executor_id":%q}`, uuid.New())
	rec := callExecute(t, f, uuid.New().String(), body)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", jsonField(t, rec.Body.Bytes(), "kind"))
}

func TestExecuteHandler_DuplicateConflict(t *testing.T) {
	f := newHandlerFixture(t)
	tpl := humanTemplate(uuid.New())
	f.store.AddTemplate(tpl)

	executorID := uuid.New()
	body := fmt.Sprintf(`{"executor_id":%q}`, executorID)

	first := callExecute(t, f, tpl.TemplateBaseID.String(), body)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := callExecute(t, f, tpl.TemplateBaseID.String(), body)
	assert.Equal(t, http.StatusConflict, second.Code)

	var result engine.ExecuteResult
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &result))
	assert.Equal(t, "workflow already running for this executor", result.Message)
}

func TestStatusHandler_UnknownInstance(t *testing.T) {
	f := newHandlerFixture(t)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetPath("/api/v1/instances/:instance_id/status")
	c.SetParamNames("instance_id")
	c.SetParamValues(uuid.New().String())

	require.NoError(t, f.workflow.Status(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskHandler_SubmitResultLifecycle(t *testing.T) {
	f := newHandlerFixture(t)
	userID := uuid.New()
	tpl := humanTemplate(userID)
	f.store.AddTemplate(tpl)

	body := fmt.Sprintf(`{"executor_id":%q}`, uuid.New())
	rec := callExecute(t, f, tpl.TemplateBaseID.String(), body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started engine.ExecuteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))

	task := waitForTask(t, f, started.InstanceID)

	submit := func(payload string) *httptest.ResponseRecorder {
		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(jsonRequest(http.MethodPost, payload), rec)
		c.SetPath("/api/v1/tasks/:task_id/result")
		c.SetParamNames("task_id")
		c.SetParamValues(task.TaskID.String())
		require.NoError(t, f.task.SubmitResult(c))
		return rec
	}

	ok := submit(fmt.Sprintf(`{"user_id":%q,"result":{"approved":true},"comment":"ship it"}`, userID))
	assert.Equal(t, http.StatusOK, ok.Code)

	// The run settles once the terminal nodes drain
	waitForInstance(t, f, started.InstanceID, models.InstanceStatusCompleted)

	// A settled task refuses a second submission
	repeat := submit(fmt.Sprintf(`{"user_id":%q,"result":{"approved":true}}`, userID))
	assert.Equal(t, http.StatusConflict, repeat.Code)
	assert.Equal(t, "ILLEGAL_STATE", jsonField(t, repeat.Body.Bytes(), "kind"))
}

func TestTaskHandler_RejectsEmptyResult(t *testing.T) {
	f := newHandlerFixture(t)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, fmt.Sprintf(`{"user_id":%q}`, uuid.New())), rec)
	c.SetPath("/api/v1/tasks/:task_id/result")
	c.SetParamNames("task_id")
	c.SetParamValues(uuid.New().String())

	err := f.task.SubmitResult(c)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func jsonField(t *testing.T, raw []byte, key string) string {
	t.Helper()
	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	var value string
	require.NoError(t, json.Unmarshal(decoded[key], &value))
	return value
}

func waitForTask(t *testing.T, f *handlerFixture, instanceID uuid.UUID) *models.TaskInstance {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tasks, err := f.store.ListTasksByInstance(context.Background(), instanceID)
		if err == nil && len(tasks) > 0 {
			return tasks[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Task never materialized")
	return nil
}

func waitForInstance(t *testing.T, f *handlerFixture, instanceID uuid.UUID, status models.InstanceStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := f.store.GetInstance(context.Background(), instanceID)
		if err == nil && inst.Status == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Instance never reached %s", status)
}
