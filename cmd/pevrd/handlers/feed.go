package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/pevr/cmd/pevrd/feed"
	"github.com/lyzr/pevr/cmd/pevrd/service"
)

// FeedHandler upgrades project feed requests to WebSocket connections
type FeedHandler struct {
	hub      *feed.Hub
	upgrader *websocket.Upgrader
	logger   service.Logger
}

// NewFeedHandler creates a new feed handler
func NewFeedHandler(hub *feed.Hub, allowedOrigins []string, logger service.Logger) *FeedHandler {
	return &FeedHandler{
		hub:      hub,
		upgrader: feed.NewUpgrader(allowedOrigins),
		logger:   logger,
	}
}

// Stream pushes every snapshot of the project's actions as a JSON text frame
// GET /api/v1/projects/:project_id/feed
func (h *FeedHandler) Stream(c echo.Context) error {
	projectID := c.Param("project_id")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id is required")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already wrote the error response
		h.logger.Warn("feed upgrade failed", "project_id", projectID, "error", err)
		return nil
	}

	client := feed.NewClient(h.hub, conn, projectID)
	if err := h.hub.Register(c.Request().Context(), client); err != nil {
		conn.Close()
		return nil
	}
	client.Serve()

	h.logger.Info("feed connected", "project_id", projectID, "remote", c.RealIP())
	return nil
}
