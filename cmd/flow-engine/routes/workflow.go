package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowcore/cmd/flow-engine/container"
	"github.com/lyzr/flowcore/cmd/flow-engine/handlers"
	"github.com/lyzr/flowcore/common/middleware"
)

const (
	globalRateLimit   = 1000 // requests per minute across all executors
	executorRateLimit = 60   // executions per minute per executor
)

// RegisterWorkflowRoutes registers all workflow lifecycle routes
func RegisterWorkflowRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWorkflowHandler(c.Components, c.Engine, c.WorkflowRepo, c.Limiter)

	// Workflow execution with executor extraction middleware
	wf := e.Group("/api/v1/workflows")
	wf.Use(middleware.ExtractExecutor()) // Extract X-Executor-ID into context
	if c.Limiter != nil {
		wf.Use(middleware.GlobalRateLimitMiddleware(c.Limiter, globalRateLimit))
		wf.Use(middleware.ExecutorRateLimitMiddleware(c.Limiter, executorRateLimit))
	}
	{
		wf.POST("/:template_base_id/execute", h.Execute) // POST /api/v1/workflows/:id/execute
	}

	// Instance lifecycle
	inst := e.Group("/api/v1/instances")
	{
		inst.POST("/:instance_id/pause", h.Pause)    // POST /api/v1/instances/:id/pause
		inst.POST("/:instance_id/resume", h.Resume)  // POST /api/v1/instances/:id/resume
		inst.POST("/:instance_id/cancel", h.Cancel)  // POST /api/v1/instances/:id/cancel
		inst.GET("/:instance_id/status", h.Status)   // GET /api/v1/instances/:id/status
		inst.GET("/:instance_id/summary", h.Summary) // GET /api/v1/instances/:id/summary
	}
}
