package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowcore/cmd/flow-engine/engine"
	"github.com/lyzr/flowcore/common/bootstrap"
	"github.com/lyzr/flowcore/common/ratelimit"
)

// WorkflowHandler exposes workflow lifecycle operations
type WorkflowHandler struct {
	components *bootstrap.Components
	engine     *engine.Engine
	workflows  engine.WorkflowStore
	limiter    *ratelimit.RateLimiter // nil when redis is not configured
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(components *bootstrap.Components, eng *engine.Engine, workflows engine.WorkflowStore, limiter *ratelimit.RateLimiter) *WorkflowHandler {
	return &WorkflowHandler{
		components: components,
		engine:     eng,
		workflows:  workflows,
		limiter:    limiter,
	}
}

type executeRequest struct {
	ExecutorID uuid.UUID       `json:"executor_id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Context    json.RawMessage `json:"context,omitempty"`
}

// Execute starts a run of the latest template version
// POST /api/v1/workflows/:template_base_id/execute
func (h *WorkflowHandler) Execute(c echo.Context) error {
	templateBaseID, err := uuid.Parse(c.Param("template_base_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid template_base_id format")
	}

	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	// Header identity wins over the body field
	if executorID, ok := c.Get("executor_id").(string); ok && executorID != "" {
		if parsed, err := uuid.Parse(executorID); err == nil {
			req.ExecutorID = parsed
		}
	}
	if req.ExecutorID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "executor_id is required")
	}

	if resp := h.checkTieredLimit(c, templateBaseID, req.ExecutorID); resp != nil {
		return resp
	}

	result, err := h.engine.ExecuteWorkflow(c.Request().Context(), &engine.ExecuteRequest{
		TemplateBaseID: templateBaseID,
		ExecutorID:     req.ExecutorID,
		Name:           req.Name,
		Input:          req.Input,
		Context:        req.Context,
	})
	if err != nil {
		h.components.Logger.Error("execute workflow failed",
			"template_base_id", templateBaseID,
			"error", err)
		return fail(c, err)
	}

	status := http.StatusAccepted
	if result.Message == "workflow already running for this executor" {
		status = http.StatusConflict
	}
	return c.JSON(status, result)
}

// checkTieredLimit applies the per-executor sliding window sized by the
// template's agent-node weight. Fail-open: limiter errors never block.
func (h *WorkflowHandler) checkTieredLimit(c echo.Context, templateBaseID, executorID uuid.UUID) error {
	if h.limiter == nil {
		return nil
	}

	tpl, err := h.workflows.GetLatestVersion(c.Request().Context(), templateBaseID)
	if err != nil {
		return nil // NotFound surfaces from the engine with a clean 404
	}

	profile := ratelimit.InspectTemplate(tpl)
	result, err := h.limiter.CheckTieredLimit(c.Request().Context(), executorID.String(), profile.Tier)
	if err != nil || result == nil {
		return nil
	}
	if !result.Allowed {
		return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
			"error": "rate_limit_exceeded",
			"details": map[string]interface{}{
				"tier":                string(profile.Tier),
				"limit":               result.Limit,
				"retry_after_seconds": result.RetryAfterSeconds,
			},
		})
	}
	return nil
}

// Pause suspends a running instance
// POST /api/v1/instances/:instance_id/pause
func (h *WorkflowHandler) Pause(c echo.Context) error {
	instanceID, err := uuid.Parse(c.Param("instance_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid instance_id format")
	}

	if err := h.engine.Pause(c.Request().Context(), instanceID); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"paused": true})
}

// Resume restarts a paused instance
// POST /api/v1/instances/:instance_id/resume
func (h *WorkflowHandler) Resume(c echo.Context) error {
	instanceID, err := uuid.Parse(c.Param("instance_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid instance_id format")
	}

	if err := h.engine.Resume(c.Request().Context(), instanceID); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"resumed": true})
}

// Cancel terminates an instance
// POST /api/v1/instances/:instance_id/cancel
func (h *WorkflowHandler) Cancel(c echo.Context) error {
	instanceID, err := uuid.Parse(c.Param("instance_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid instance_id format")
	}

	if err := h.engine.Cancel(c.Request().Context(), instanceID); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"cancelled": true})
}

// Status composes the persisted instance with the live context view
// GET /api/v1/instances/:instance_id/status
func (h *WorkflowHandler) Status(c echo.Context) error {
	instanceID, err := uuid.Parse(c.Param("instance_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid instance_id format")
	}

	result, err := h.engine.GetStatus(c.Request().Context(), instanceID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Summary returns the terminal structured report of an instance
// GET /api/v1/instances/:instance_id/summary
func (h *WorkflowHandler) Summary(c echo.Context) error {
	instanceID, err := uuid.Parse(c.Param("instance_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid instance_id format")
	}

	result, err := h.engine.GetStatus(c.Request().Context(), instanceID)
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"instance_id": instanceID,
		"status":      result.Instance.Status,
		"summary":     result.Instance.Summary,
	})
}
