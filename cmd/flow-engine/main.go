package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/flowcore/cmd/flow-engine/container"
	"github.com/lyzr/flowcore/cmd/flow-engine/routes"
	"github.com/lyzr/flowcore/common/bootstrap"
	"github.com/lyzr/flowcore/common/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Bootstrap common components (DB, redis, cache, telemetry)
	components, err := bootstrap.Setup(ctx, "flow-engine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap flow-engine: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Background services before the HTTP surface. The dispatcher must
	// be accepting before the engine materializes its first agent task.
	serviceContainer.Dispatcher.Start(ctx)
	serviceContainer.Engine.Start(ctx)

	e := setupEcho()
	setupMiddleware(e)
	registerRoutes(e, serviceContainer)

	srv := server.New(
		components.Config.Service.Name,
		components.Config.Service.Port,
		e,
		components.Logger,
	)

	if err := srv.Start(ctx); err != nil {
		components.Logger.Error("server error", "error", err)
	}

	// Drain in dependency order: no new transitions, then no new
	// agent calls
	serviceContainer.Engine.Stop()
	serviceContainer.Dispatcher.Stop()
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterWorkflowRoutes(e, serviceContainer)
	routes.RegisterTaskRoutes(e, serviceContainer)
	routes.RegisterHealthRoutes(e, serviceContainer)
}
