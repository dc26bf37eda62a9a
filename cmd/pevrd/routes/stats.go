package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/pevr/cmd/pevrd/container"
	"github.com/lyzr/pevr/cmd/pevrd/handlers"
)

// RegisterStatsRoutes registers usage and lesson routes
func RegisterStatsRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewStatsHandler(
		c.Stack.Generation,
		c.Stack.Reflector.Store(),
		c.ActionService,
		c.Components.Logger,
	)

	e.GET("/api/v1/stats", h.Stats)
	e.GET("/api/v1/projects/:project_id/lessons", h.Lessons)
	e.GET("/api/v1/actions/:id/suggestions", h.Suggestions)
}
