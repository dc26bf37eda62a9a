package container

import (
	"fmt"

	"github.com/lyzr/pevr/cmd/pevrd/consumer"
	"github.com/lyzr/pevr/cmd/pevrd/feed"
	"github.com/lyzr/pevr/cmd/pevrd/service"
	"github.com/lyzr/pevr/common/bootstrap"
	"github.com/lyzr/pevr/common/repository"
	"github.com/lyzr/pevr/common/stack"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components
	Stack      *stack.Stack

	// Repositories; nil when Postgres is disabled
	ActionRepo *repository.ActionRepository

	// Services
	Store          *service.ActionStore
	Reporter       *service.StatusReporter
	ActionService  *service.ActionService
	StatusConsumer *consumer.StatusConsumer // nil unless both Redis and Postgres are configured

	// Live feed; FeedSubscriber is nil without Redis
	Feed           *feed.Hub
	FeedSubscriber *feed.Subscriber
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	var (
		actionRepo *repository.ActionRepository
		reader     service.ActionReader
	)
	if components.DB != nil {
		actionRepo = repository.NewActionRepository(components.DB)
		reader = actionRepo
	}

	store := service.NewActionStore(reader)
	reporter := service.NewStatusReporter(store, components.Redis, cfg.Redis.StatusTTL, log)

	hub := feed.NewHub(log)
	var subscriber *feed.Subscriber
	if components.Redis != nil {
		subscriber = feed.NewSubscriber(components.Redis.GetUnderlying(), hub, log)
	} else {
		reporter.SetNotifier(hub)
	}

	// Initialize engines (bottom-up: dependencies first)
	engines, err := stack.Build(cfg, components.Redis, log, reporter)
	if err != nil {
		return nil, fmt.Errorf("failed to build engines: %w", err)
	}

	actionService, err := service.NewActionService(
		engines.Orchestrator,
		store,
		reporter,
		engines.Approval,
		engines.Normalizer,
		cfg.Workspace.Root,
		log,
	)
	if err != nil {
		return nil, err
	}

	var statusConsumer *consumer.StatusConsumer
	if components.Redis != nil && actionRepo != nil {
		statusConsumer = consumer.NewStatusConsumer(components.Redis, actionRepo, service.StatusStream, log)
	} else if components.Redis == nil && actionRepo != nil {
		log.Warn("redis not configured, action snapshots will not be persisted")
	}

	return &Container{
		Components:     components,
		Stack:          engines,
		ActionRepo:     actionRepo,
		Store:          store,
		Reporter:       reporter,
		ActionService:  actionService,
		StatusConsumer: statusConsumer,
		Feed:           hub,
		FeedSubscriber: subscriber,
	}, nil
}
