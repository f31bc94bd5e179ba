package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/forgeline/overseer/cmd/orchestrator/models"
	"github.com/forgeline/overseer/cmd/orchestrator/service"
	"github.com/forgeline/overseer/common/logger"
)

// BrainstormHandler serves the brainstorm session endpoints.
type BrainstormHandler struct {
	svc *service.Brainstorm
	log *logger.Logger
}

// NewBrainstormHandler creates a brainstorm handler.
func NewBrainstormHandler(svc *service.Brainstorm, log *logger.Logger) *BrainstormHandler {
	return &BrainstormHandler{svc: svc, log: log}
}

// CreateSession opens a new session.
// POST /api/brainstorm/sessions
func (h *BrainstormHandler) CreateSession(c echo.Context) error {
	var req models.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
	}

	sess, err := h.svc.CreateSession(c.Request().Context(), req.Profile)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusCreated, models.NewSessionResponse(sess))
}

// ListSessions returns all sessions, newest first.
// GET /api/brainstorm/sessions
func (h *BrainstormHandler) ListSessions(c echo.Context) error {
	sessions, err := h.svc.ListSessions(c.Request().Context())
	if err != nil {
		return jsonError(c, err)
	}

	out := make([]models.SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, models.NewSessionResponse(s))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": out,
		"count":    len(out),
	})
}

// GetSession returns one session with its messages and artifacts.
// GET /api/brainstorm/sessions/:id
func (h *BrainstormHandler) GetSession(c echo.Context) error {
	id := c.Param("id")

	sess, msgs, arts, err := h.svc.GetSession(c.Request().Context(), id)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, models.NewSessionDetail(sess, msgs, arts))
}

// DeleteSession removes a session and everything under it.
// DELETE /api/brainstorm/sessions/:id
func (h *BrainstormHandler) DeleteSession(c echo.Context) error {
	id := c.Param("id")

	if err := h.svc.DeleteSession(c.Request().Context(), id); err != nil {
		return jsonError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// SendMessage accepts a user message; the reply streams over the bus.
// POST /api/brainstorm/sessions/:id/message
func (h *BrainstormHandler) SendMessage(c echo.Context) error {
	id := c.Param("id")

	var req models.SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	messageID, err := h.svc.SendMessage(c.Request().Context(), id, req.Content)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusAccepted, models.SendMessageResponse{MessageID: messageID})
}

// Handoff completes the session and mints a workflow from an artifact.
// POST /api/brainstorm/sessions/:id/handoff
func (h *BrainstormHandler) Handoff(c echo.Context) error {
	id := c.Param("id")

	var req models.HandoffRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	workflowID, err := h.svc.Handoff(c.Request().Context(), id, req.ArtifactPath)
	if err != nil {
		return jsonError(c, err)
	}

	h.log.Info("session handed off", "session_id", id, "workflow_id", workflowID)
	return c.JSON(http.StatusCreated, models.HandoffResponse{WorkflowID: workflowID})
}
