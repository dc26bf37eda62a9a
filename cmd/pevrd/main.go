package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/lyzr/pevr/cmd/pevrd/container"
	"github.com/lyzr/pevr/cmd/pevrd/routes"
	"github.com/lyzr/pevr/common/bootstrap"
	"github.com/lyzr/pevr/common/config"
	"github.com/lyzr/pevr/common/db"
	pevrmiddleware "github.com/lyzr/pevr/common/middleware"
	"github.com/lyzr/pevr/common/ratelimit"
	"github.com/lyzr/pevr/common/server"
)

const serviceName = "pevrd"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bootstrap common components (config, logger, DB, Redis, telemetry)
	components, err := bootstrap.Setup(ctx, serviceName,
		bootstrap.WithDBInitHook(func(database *db.DB) error {
			return database.EnsureSchema(ctx)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap %s: %v\n", serviceName, err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	// Initialize service container (all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		components.Logger.Error("failed to initialize service container", "error", err)
		os.Exit(1)
	}

	e := setupEcho()
	setupMiddleware(e, components.Config)
	setupHealthCheck(e, components)
	registerRoutes(e, serviceContainer)

	if err := run(ctx, e, serviceContainer); err != nil {
		components.Logger.Error("server error", "error", err)
	}

	// Let in-flight cycles finish so their diffs are either verified or rolled back
	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	serviceContainer.ActionService.Close(drainCtx)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, cfg *config.Config) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Service.CORSOrigins,
	}))
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("4M"))
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": serviceName,
				"error":   err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": serviceName,
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	cfg := serviceContainer.Components.Config

	var submitGuards []echo.MiddlewareFunc
	if cfg.Service.RateLimitRequests > 0 {
		limiter := ratelimit.NewSlidingWindow(ratelimit.WindowConfig{
			Limit:  int64(cfg.Service.RateLimitRequests),
			Window: cfg.Service.RateLimitPeriod,
		})
		submitGuards = append(submitGuards,
			pevrmiddleware.RateLimitMiddleware(limiter, pevrmiddleware.ClientIPKey, cfg.Service.InternalSecret))
	}

	routes.RegisterActionRoutes(e, serviceContainer, submitGuards...)
	routes.RegisterStatsRoutes(e, serviceContainer)
	routes.RegisterFeedRoutes(e, serviceContainer)
}

// run serves HTTP alongside the background workers until ctx is cancelled or
// one of them fails
func run(ctx context.Context, e *echo.Echo, c *container.Container) error {
	cfg := c.Components.Config
	log := c.Components.Logger

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv := server.New(serviceName, cfg.Service.Port, e, log)
		return srv.Run(ctx)
	})

	g.Go(func() error {
		return c.Feed.Run(ctx)
	})

	if c.FeedSubscriber != nil {
		g.Go(func() error {
			return c.FeedSubscriber.Start(ctx)
		})
	}

	if c.StatusConsumer != nil {
		g.Go(func() error {
			return c.StatusConsumer.Start(ctx)
		})
	}

	if cfg.Workspace.JanitorInterval > 0 {
		g.Go(func() error {
			runJanitor(ctx, c, cfg.Workspace.JanitorInterval, cfg.Workspace.BackupRetention)
			return nil
		})
	}

	return g.Wait()
}

// runJanitor prunes expired backups and evicts finished actions from memory
func runJanitor(ctx context.Context, c *container.Container, interval, retention time.Duration) {
	log := c.Components.Logger
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := c.Stack.Workspaces.PruneBackups()
			if err != nil {
				log.Warn("backup pruning incomplete", "error", err)
			}
			evicted := c.Store.Evict(time.Now().Add(-interval))
			log.Info("janitor pass", "backups_removed", removed, "actions_evicted", evicted, "retention", retention.String())
		}
	}
}
