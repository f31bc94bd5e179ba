package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/forgeline/overseer/cmd/orchestrator/models"
	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/store"
)

// SettingsHandler reads and updates the singleton server settings row.
type SettingsHandler struct {
	store *store.Store
	log   *logger.Logger
}

// NewSettingsHandler creates a settings handler.
func NewSettingsHandler(st *store.Store, log *logger.Logger) *SettingsHandler {
	return &SettingsHandler{store: st, log: log}
}

// GetSettings returns the current settings.
// GET /api/settings
func (h *SettingsHandler) GetSettings(c echo.Context) error {
	settings, err := h.store.GetSettings(c.Request().Context())
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, settings)
}

// UpdateSettings replaces the settings row. New values apply to workflows
// started after the update.
// PUT /api/settings
func (h *SettingsHandler) UpdateSettings(c echo.Context) error {
	var req models.UpdateSettingsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	settings := store.ServerSettings{
		LogRetentionDays:            req.LogRetentionDays,
		LogRetentionMaxEvents:       req.LogRetentionMaxEvents,
		MaxConcurrentWorkflows:      req.MaxConcurrentWorkflows,
		WorkflowStartTimeoutSeconds: req.WorkflowStartTimeoutSeconds,
		DriverTimeoutSeconds:        req.DriverTimeoutSeconds,
		KeepWorktrees:               req.KeepWorktrees,
	}
	if err := h.store.UpdateSettings(c.Request().Context(), settings); err != nil {
		return jsonError(c, err)
	}

	h.log.Info("server settings updated",
		"max_concurrent", req.MaxConcurrentWorkflows,
		"retention_days", req.LogRetentionDays)

	updated, err := h.store.GetSettings(c.Request().Context())
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}
