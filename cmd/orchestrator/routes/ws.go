package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/forgeline/overseer/cmd/orchestrator/container"
)

// RegisterWSRoutes registers the live event stream.
func RegisterWSRoutes(e *echo.Echo, c *container.Container) {
	e.GET("/ws/events", c.Hub.HandleWS) // GET /ws/events?workflowId=...
}
