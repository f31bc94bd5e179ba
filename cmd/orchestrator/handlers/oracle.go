package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/forgeline/overseer/cmd/orchestrator/models"
	"github.com/forgeline/overseer/cmd/orchestrator/service"
	"github.com/forgeline/overseer/common/logger"
)

// OracleHandler serves ad-hoc consultations.
type OracleHandler struct {
	svc *service.OracleRunner
	log *logger.Logger
}

// NewOracleHandler creates an oracle handler.
func NewOracleHandler(svc *service.OracleRunner, log *logger.Logger) *OracleHandler {
	return &OracleHandler{svc: svc, log: log}
}

// Consult accepts a consultation; events stream under the session id.
// POST /api/oracle/consult
func (h *OracleHandler) Consult(c echo.Context) error {
	var req models.ConsultRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	sessionID, err := h.svc.Consult(c.Request().Context(), req.Problem, req.WorkingDir, req.Include)
	if err != nil {
		return jsonError(c, err)
	}

	h.log.Info("oracle consultation accepted", "session_id", sessionID)
	return c.JSON(http.StatusAccepted, models.ConsultResponse{SessionID: sessionID})
}
