package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/forgeline/overseer/cmd/orchestrator/container"
	"github.com/forgeline/overseer/cmd/orchestrator/handlers"
)

// RegisterBrainstormRoutes registers the brainstorm session endpoints.
func RegisterBrainstormRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewBrainstormHandler(c.Brainstorm, c.Components.Logger)

	bs := e.Group("/api/brainstorm/sessions")
	{
		bs.POST("", h.CreateSession)            // POST   /api/brainstorm/sessions
		bs.GET("", h.ListSessions)              // GET    /api/brainstorm/sessions
		bs.GET("/:id", h.GetSession)            // GET    /api/brainstorm/sessions/:id
		bs.DELETE("/:id", h.DeleteSession)      // DELETE /api/brainstorm/sessions/:id
		bs.POST("/:id/message", h.SendMessage)  // POST   /api/brainstorm/sessions/:id/message
		bs.POST("/:id/handoff", h.Handoff)      // POST   /api/brainstorm/sessions/:id/handoff
	}
}
