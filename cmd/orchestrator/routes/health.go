package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/forgeline/overseer/cmd/orchestrator/container"
	"github.com/forgeline/overseer/cmd/orchestrator/handlers"
)

// RegisterHealthRoutes registers liveness and readiness probes.
func RegisterHealthRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewHealthHandler(c.Components)

	e.GET("/api/health", h.Ready)       // GET /api/health
	e.GET("/api/health/live", h.Live)   // GET /api/health/live
	e.GET("/api/health/ready", h.Ready) // GET /api/health/ready
}
