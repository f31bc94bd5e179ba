package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/forgeline/overseer/cmd/orchestrator/models"
	"github.com/forgeline/overseer/cmd/orchestrator/service"
	"github.com/forgeline/overseer/common/logger"
)

// defaultEventLimit bounds how many recent events the detail view returns
// when the client does not ask for a count.
const defaultEventLimit = 50

// WorkflowHandler serves the workflow lifecycle endpoints.
type WorkflowHandler struct {
	svc *service.Orchestrator
	log *logger.Logger
}

// NewWorkflowHandler creates a workflow handler.
func NewWorkflowHandler(svc *service.Orchestrator, log *logger.Logger) *WorkflowHandler {
	return &WorkflowHandler{svc: svc, log: log}
}

// StartWorkflow admits a new workflow.
// POST /api/workflows
func (h *WorkflowHandler) StartWorkflow(c echo.Context) error {
	var req models.StartWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	id, err := h.svc.StartWorkflow(c.Request().Context(), service.StartRequest{
		IssueID:      req.IssueID,
		ProfileID:    req.Profile,
		WorktreePath: req.WorktreePath,
		PlanPath:     req.PlanPath,
	})
	if err != nil {
		h.log.Error("failed to start workflow", "issue_id", req.IssueID, "error", err)
		return jsonError(c, err)
	}

	return c.JSON(http.StatusCreated, models.StartWorkflowResponse{WorkflowID: id})
}

// ListWorkflows returns all workflows, newest first.
// GET /api/workflows
func (h *WorkflowHandler) ListWorkflows(c echo.Context) error {
	workflows, err := h.svc.ListWorkflows(c.Request().Context())
	if err != nil {
		return jsonError(c, err)
	}

	out := make([]models.WorkflowSummary, 0, len(workflows))
	for _, wf := range workflows {
		out = append(out, models.NewWorkflowSummary(wf))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflows": out,
		"count":     len(out),
	})
}

// GetWorkflow returns one workflow's state plus its latest events.
// GET /api/workflows/:id?events=50
func (h *WorkflowHandler) GetWorkflow(c echo.Context) error {
	id := c.Param("id")
	limit := intQuery(c, "events", defaultEventLimit)

	wf, events, err := h.svc.GetWorkflow(c.Request().Context(), id, limit)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, models.NewWorkflowResponse(wf, events))
}

// Approve answers a plan or batch approval gate.
// POST /api/workflows/:id/approve
func (h *WorkflowHandler) Approve(c echo.Context) error {
	id := c.Param("id")

	var req models.ApproveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	if err := h.svc.ApproveBatch(c.Request().Context(), id, *req.Approved, req.Feedback); err != nil {
		return jsonError(c, err)
	}

	h.log.Info("approval recorded", "workflow_id", id, "approved", *req.Approved)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflowId": id,
		"approved":   *req.Approved,
	})
}

// ResolveBlocker supplies the human resolution for a blocked workflow.
// POST /api/workflows/:id/resolve-blocker
func (h *WorkflowHandler) ResolveBlocker(c echo.Context) error {
	id := c.Param("id")

	var req models.ResolveBlockerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	if err := h.svc.ResolveBlocker(c.Request().Context(), id, req.Resolution); err != nil {
		return jsonError(c, err)
	}

	h.log.Info("blocker resolution recorded", "workflow_id", id)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflowId": id,
	})
}

// SetPlan replaces a workflow's plan between nodes.
// POST /api/workflows/:id/plan
func (h *WorkflowHandler) SetPlan(c echo.Context) error {
	id := c.Param("id")

	var req models.PlanRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
	}

	err := h.svc.SetWorkflowPlan(c.Request().Context(), id, service.PlanUpdate{
		PlanFile:    req.PlanFile,
		PlanContent: req.PlanContent,
		Force:       req.Force,
	})
	if err != nil {
		return jsonError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflowId": id,
	})
}

// Cancel requests cancellation; the workflow drops out at its next node
// boundary.
// DELETE /api/workflows/:id
func (h *WorkflowHandler) Cancel(c echo.Context) error {
	id := c.Param("id")

	reason := "cancelled by user"
	var req models.CancelRequest
	if err := c.Bind(&req); err == nil && req.Reason != "" {
		reason = req.Reason
	}

	if err := h.svc.CancelWorkflow(c.Request().Context(), id, reason); err != nil {
		return jsonError(c, err)
	}

	h.log.Info("cancellation requested", "workflow_id", id, "reason", reason)
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"workflowId": id,
		"status":     "cancelling",
	})
}

// Events pages a workflow's event log.
// GET /api/workflows/:id/events?after=0&limit=100
func (h *WorkflowHandler) Events(c echo.Context) error {
	id := c.Param("id")
	after := int64Query(c, "after", 0)
	limit := intQuery(c, "limit", 100)

	events, err := h.svc.WorkflowEvents(c.Request().Context(), id, after, limit)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, models.EventsResponse{
		WorkflowID: id,
		Events:     events,
		Count:      len(events),
	})
}

// Usage aggregates a workflow's token usage per agent and model.
// GET /api/workflows/:id/usage
func (h *WorkflowHandler) Usage(c echo.Context) error {
	id := c.Param("id")

	usage, err := h.svc.WorkflowUsage(c.Request().Context(), id)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, models.UsageResponse{
		WorkflowID: id,
		Usage:      usage,
	})
}

func intQuery(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func int64Query(c echo.Context, name string, def int64) int64 {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return def
	}
	return v
}
