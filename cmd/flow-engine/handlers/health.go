package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowcore/cmd/flow-engine/cleanup"
	"github.com/lyzr/flowcore/cmd/flow-engine/dispatcher"
	"github.com/lyzr/flowcore/cmd/flow-engine/engine"
	"github.com/lyzr/flowcore/cmd/flow-engine/graph"
	"github.com/lyzr/flowcore/common/bootstrap"
)

// HealthHandler reports component health plus host info
type HealthHandler struct {
	components *bootstrap.Components
	engine     *engine.Engine
	tracker    *graph.Tracker
	dispatcher *dispatcher.Dispatcher
	cleaner    *cleanup.Manager
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(components *bootstrap.Components, eng *engine.Engine, tracker *graph.Tracker, disp *dispatcher.Dispatcher, cleaner *cleanup.Manager) *HealthHandler {
	return &HealthHandler{
		components: components,
		engine:     eng,
		tracker:    tracker,
		dispatcher: disp,
		cleaner:    cleaner,
	}
}

// Health reports liveness of the backing services and engine counters
// GET /health
func (h *HealthHandler) Health(c echo.Context) error {
	status := "healthy"
	code := http.StatusOK
	var healthErr string

	if err := h.components.Health(c.Request().Context()); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
		healthErr = err.Error()
	}

	body := map[string]interface{}{
		"status":  status,
		"service": h.components.Config.Service.Name,
		"system":  h.components.SystemInfo,
		"engine": map[string]interface{}{
			"live_contexts":   len(h.engine.ListContexts()),
			"queue_depth":     h.engine.QueueDepth(),
			"agent_in_flight": h.dispatcher.InFlight(),
			"graph_cache":     h.tracker.Stats(),
			"cleanup":         h.cleaner.Stats(),
		},
	}
	if healthErr != "" {
		body["error"] = healthErr
	}

	return c.JSON(code, body)
}

// Contexts lists the live instance contexts
// GET /api/v1/instances
func (h *HealthHandler) Contexts(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"contexts": h.engine.ListContexts(),
	})
}
