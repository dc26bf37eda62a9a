package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/pevr/cmd/pevrd/service"
	"github.com/lyzr/pevr/common/generation"
	"github.com/lyzr/pevr/common/reflection"
)

// StatsSource reports generation usage
type StatsSource interface {
	Stats() generation.Stats
}

// StatsHandler serves usage and lesson endpoints
type StatsHandler struct {
	generation StatsSource
	lessons    reflection.Store
	actions    *service.ActionService
	logger     service.Logger
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(gen StatsSource, lessons reflection.Store, actions *service.ActionService, logger service.Logger) *StatsHandler {
	return &StatsHandler{generation: gen, lessons: lessons, actions: actions, logger: logger}
}

// Stats returns generation usage and in-flight cycles
// GET /api/v1/stats
func (h *StatsHandler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"generation":     h.generation.Stats(),
		"running_cycles": h.actions.Running(),
	})
}

// Lessons returns what reflection has learned about a project
// GET /api/v1/projects/:project_id/lessons
func (h *StatsHandler) Lessons(c echo.Context) error {
	projectID := c.Param("project_id")
	if projectID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "project_id is required",
		})
	}

	lessons, err := h.lessons.Load(c.Request().Context(), projectID)
	if err != nil {
		h.logger.Error("failed to load lessons", "project_id", projectID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "internal error",
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"project_id": projectID,
		"lessons":    lessons,
	})
}

// Suggestions returns advice for an action's plan drawn from its project's lessons
// GET /api/v1/actions/:id/suggestions
func (h *StatsHandler) Suggestions(c echo.Context) error {
	id, err := actionID(c)
	if err != nil {
		return err
	}

	suggestions, err := h.actions.Suggest(c.Request().Context(), id, h.lessons)
	if err != nil {
		return fail(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"action_id":   id.String(),
		"suggestions": suggestions,
	})
}
