package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowcore/cmd/flow-engine/container"
	"github.com/lyzr/flowcore/cmd/flow-engine/handlers"
)

// RegisterTaskRoutes registers human task routes
func RegisterTaskRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewTaskHandler(c.Components, c.Engine)

	tasks := e.Group("/api/v1/tasks")
	{
		tasks.POST("/:task_id/result", h.SubmitResult) // POST /api/v1/tasks/:id/result
	}
}
