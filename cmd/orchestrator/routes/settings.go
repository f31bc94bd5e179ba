package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/forgeline/overseer/cmd/orchestrator/container"
	"github.com/forgeline/overseer/cmd/orchestrator/handlers"
)

// RegisterSettingsRoutes registers the server settings endpoints.
func RegisterSettingsRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewSettingsHandler(c.Components.Store, c.Components.Logger)

	e.GET("/api/settings", h.GetSettings)    // GET /api/settings
	e.PUT("/api/settings", h.UpdateSettings) // PUT /api/settings
}
