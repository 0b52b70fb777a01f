package container

import (
	"net/http"
	"time"

	"github.com/lyzr/flowcore/cmd/flow-engine/cleanup"
	"github.com/lyzr/flowcore/cmd/flow-engine/dispatcher"
	"github.com/lyzr/flowcore/cmd/flow-engine/engine"
	"github.com/lyzr/flowcore/cmd/flow-engine/graph"
	"github.com/lyzr/flowcore/cmd/flow-engine/resolver"
	"github.com/lyzr/flowcore/cmd/flow-engine/state"
	"github.com/lyzr/flowcore/cmd/flow-engine/summary"
	"github.com/lyzr/flowcore/common/bootstrap"
	"github.com/lyzr/flowcore/common/clients"
	"github.com/lyzr/flowcore/common/events"
	"github.com/lyzr/flowcore/common/ratelimit"
	"github.com/lyzr/flowcore/common/repository"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Repositories
	WorkflowRepo engine.WorkflowStore
	InstanceRepo *repository.InstanceRepository
	NodeRepo     *repository.NodeRepository
	TaskRepo     *repository.TaskRepository

	// Services
	Tracker    *graph.Tracker
	Manager    *state.Manager
	Dispatcher *dispatcher.Dispatcher
	Cleanup    *cleanup.Manager
	Summarizer *summary.Summarizer
	Publisher  events.Publisher
	Limiter    *ratelimit.RateLimiter // nil without redis
	Engine     *engine.Engine
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	// Repositories
	workflowRepo := repository.NewWorkflowRepository(components.DB)
	instanceRepo := repository.NewInstanceRepository(components.DB)
	nodeRepo := repository.NewNodeRepository(components.DB)
	taskRepo := repository.NewTaskRepository(components.DB)

	// Templates are immutable per version, so the read-through cache
	// never needs invalidation
	var workflows engine.WorkflowStore = workflowRepo
	if components.Cache != nil {
		workflows = repository.NewCachedWorkflowRepository(workflowRepo, components.Cache, cfg.Cache.DefaultTTL)
	}

	// Event publisher: redis pub/sub when available, in-memory otherwise
	var publisher events.Publisher
	if components.Redis != nil {
		publisher = events.NewRedisPublisher(components.Redis, components.Metrics, log)
	} else {
		publisher = events.NewMemoryPublisher(log)
	}

	var limiter *ratelimit.RateLimiter
	if components.Redis != nil {
		limiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), log)
	}

	// Services (bottom-up: dependencies first)
	tracker := graph.NewTracker(workflows, log)
	components.Metrics.RegisterGaugeFunc("graph_cache_hit_rate",
		"Fraction of template graph lookups served from cache", tracker.HitRate)

	manager := state.NewManager(cfg.Engine.InstanceCapacity, publisher, log)

	agentClient := clients.NewHTTPAgentClient(
		cfg.Agent.BaseURL,
		cfg.Agent.APIKey,
		clients.NewHTTPClient(&http.Client{Timeout: 10 * time.Minute}, log),
		log,
	)

	disp := dispatcher.New(cfg.Dispatcher, taskRepo, instanceRepo, agentClient, components.Metrics, log)

	cleaner := cleanup.NewManager(cfg.Cleanup, log)

	gate := summary.NewQualityGate(cfg.Quality.GateExpression)
	summarizer := summary.NewSummarizer(gate, log)

	eng := engine.New(
		*cfg,
		engine.Stores{
			Workflows: workflows,
			Instances: instanceRepo,
			Nodes:     nodeRepo,
			Tasks:     taskRepo,
		},
		tracker,
		manager,
		disp,
		summarizer,
		resolver.NewResolver(log),
		cleaner,
		publisher,
		components.Metrics,
		log,
	)

	// Dispatcher callbacks drive node transitions
	disp.SetSubscriber(eng)

	return &Container{
		Components:   components,
		WorkflowRepo: workflows,
		InstanceRepo: instanceRepo,
		NodeRepo:     nodeRepo,
		TaskRepo:     taskRepo,
		Tracker:      tracker,
		Manager:      manager,
		Dispatcher:   disp,
		Cleanup:      cleaner,
		Summarizer:   summarizer,
		Publisher:    publisher,
		Limiter:      limiter,
		Engine:       eng,
	}, nil
}
