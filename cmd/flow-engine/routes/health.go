package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowcore/cmd/flow-engine/container"
	"github.com/lyzr/flowcore/cmd/flow-engine/handlers"
)

// RegisterHealthRoutes registers health and introspection routes
func RegisterHealthRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewHealthHandler(c.Components, c.Engine, c.Tracker, c.Dispatcher, c.Cleanup)

	e.GET("/health", h.Health)             // GET /health
	e.GET("/api/v1/instances", h.Contexts) // GET /api/v1/instances
}
