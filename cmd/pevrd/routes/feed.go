package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/pevr/cmd/pevrd/container"
	"github.com/lyzr/pevr/cmd/pevrd/handlers"
)

// RegisterFeedRoutes registers the live project feed
func RegisterFeedRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewFeedHandler(c.Feed, c.Components.Config.Service.CORSOrigins, c.Components.Logger)

	e.GET("/api/v1/projects/:project_id/feed", h.Stream) // WebSocket
}
