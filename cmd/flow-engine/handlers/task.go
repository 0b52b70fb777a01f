package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowcore/cmd/flow-engine/engine"
	"github.com/lyzr/flowcore/common/bootstrap"
)

// TaskHandler exposes human task completion
type TaskHandler struct {
	components *bootstrap.Components
	engine     *engine.Engine
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(components *bootstrap.Components, eng *engine.Engine) *TaskHandler {
	return &TaskHandler{
		components: components,
		engine:     eng,
	}
}

type submitResultRequest struct {
	UserID  uuid.UUID       `json:"user_id"`
	Result  json.RawMessage `json:"result"`
	Comment string          `json:"comment,omitempty"`
}

// SubmitResult records a human task outcome
// POST /api/v1/tasks/:task_id/result
func (h *TaskHandler) SubmitResult(c echo.Context) error {
	taskID, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid task_id format")
	}

	var req submitResultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	if len(req.Result) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "result is required")
	}

	if err := h.engine.SubmitHumanTaskResult(c.Request().Context(), taskID, req.UserID, req.Result, req.Comment); err != nil {
		h.components.Logger.Error("submit task result failed",
			"task_id", taskID,
			"user_id", req.UserID,
			"error", err)
		return fail(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"task_id":   taskID,
		"submitted": true,
	})
}
