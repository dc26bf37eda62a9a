package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/pevr/cmd/pevrd/container"
	"github.com/lyzr/pevr/cmd/pevrd/handlers"
)

// RegisterActionRoutes registers change request routes. submit guards the
// endpoint that starts new cycles.
func RegisterActionRoutes(e *echo.Echo, c *container.Container, submit ...echo.MiddlewareFunc) {
	h := handlers.NewActionHandler(c.ActionService, c.Components.Logger)

	actions := e.Group("/api/v1/actions")
	{
		actions.POST("", h.Submit, submit...)   // POST /api/v1/actions
		actions.GET("", h.List)                 // GET /api/v1/actions?project_id=...
		actions.GET("/:id", h.Get)              // GET /api/v1/actions/{action_id}
		actions.POST("/:id/approve", h.Approve) // POST /api/v1/actions/{action_id}/approve
		actions.POST("/:id/reject", h.Reject)   // POST /api/v1/actions/{action_id}/reject
		actions.PATCH("/:id/plan", h.AmendPlan) // PATCH /api/v1/actions/{action_id}/plan
		actions.GET("/:id/diffs", h.Diffs)      // GET /api/v1/actions/{action_id}/diffs?format=side_by_side
	}
}
