package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/pevr/cmd/pevrd/service"
	"github.com/lyzr/pevr/common/pevr"
	"github.com/lyzr/pevr/common/planning"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// ActionHandler handles change request endpoints
type ActionHandler struct {
	actions *service.ActionService
	logger  service.Logger
}

// NewActionHandler creates a new action handler
func NewActionHandler(actions *service.ActionService, logger service.Logger) *ActionHandler {
	return &ActionHandler{actions: actions, logger: logger}
}

// Submit starts a new action
// POST /api/v1/actions
func (h *ActionHandler) Submit(c echo.Context) error {
	var req service.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	action, err := h.actions.Submit(c.Request().Context(), req)
	if err != nil {
		return fail(c, h.logger, err)
	}

	return c.JSON(http.StatusAccepted, action)
}

// Get returns the latest snapshot of an action
// GET /api/v1/actions/:id
func (h *ActionHandler) Get(c echo.Context) error {
	id, err := actionID(c)
	if err != nil {
		return err
	}

	action, err := h.actions.Get(c.Request().Context(), id)
	if err != nil {
		return fail(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, action)
}

// List returns a project's recent actions
// GET /api/v1/actions?project_id=...&limit=20
func (h *ActionHandler) List(c echo.Context) error {
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": err.Error(),
		})
	}

	actions, err := h.actions.List(c.Request().Context(), c.QueryParam("project_id"), limit)
	if err != nil {
		return fail(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"actions": actions,
		"count":   len(actions),
	})
}

// Approve resumes a paused action
// POST /api/v1/actions/:id/approve
func (h *ActionHandler) Approve(c echo.Context) error {
	id, err := actionID(c)
	if err != nil {
		return err
	}

	action, err := h.actions.Approve(c.Request().Context(), id)
	if err != nil {
		return fail(c, h.logger, err)
	}

	return c.JSON(http.StatusAccepted, action)
}

// Reject cancels a paused action
// POST /api/v1/actions/:id/reject
func (h *ActionHandler) Reject(c echo.Context) error {
	id, err := actionID(c)
	if err != nil {
		return err
	}

	action, err := h.actions.Reject(c.Request().Context(), id)
	if err != nil {
		return fail(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, action)
}

// AmendPlan patches the plan of a paused action
// PATCH /api/v1/actions/:id/plan
func (h *ActionHandler) AmendPlan(c echo.Context) error {
	id, err := actionID(c)
	if err != nil {
		return err
	}

	var req struct {
		Operations []planning.PatchOp `json:"operations"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	action, err := h.actions.AmendPlan(c.Request().Context(), id, req.Operations)
	if err != nil {
		return fail(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, action)
}

// Diffs renders the diffs of an executed action
// GET /api/v1/actions/:id/diffs?format=text|side_by_side
func (h *ActionHandler) Diffs(c echo.Context) error {
	id, err := actionID(c)
	if err != nil {
		return err
	}

	diffs, err := h.actions.Diffs(c.Request().Context(), id, service.DiffFormat(c.QueryParam("format")))
	if err != nil {
		return fail(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"action_id": id.String(),
		"diffs":     diffs,
	})
}

// fail maps service errors onto HTTP statuses
func fail(c echo.Context, logger service.Logger, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrActionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrActionBusy),
		errors.Is(err, service.ErrNoPlan),
		errors.Is(err, pevr.ErrNotPending):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrInvalidWorkspace),
		errors.Is(err, planning.ErrInvalidPatch),
		errors.Is(err, planning.ErrMalformedPlan):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		logger.Error("request failed", "path", c.Path(), "error", err)
		return c.JSON(status, map[string]interface{}{
			"error": "internal error",
		})
	}

	return c.JSON(status, map[string]interface{}{
		"error": err.Error(),
	})
}

func actionID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid action id")
	}
	return id, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
