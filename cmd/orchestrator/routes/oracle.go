package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/forgeline/overseer/cmd/orchestrator/container"
	"github.com/forgeline/overseer/cmd/orchestrator/handlers"
)

// RegisterOracleRoutes registers the consultation endpoint.
func RegisterOracleRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewOracleHandler(c.Oracle, c.Components.Logger)

	e.POST("/api/oracle/consult", h.Consult) // POST /api/oracle/consult
}
