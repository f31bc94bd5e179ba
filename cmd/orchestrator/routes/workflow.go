package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/forgeline/overseer/cmd/orchestrator/container"
	"github.com/forgeline/overseer/cmd/orchestrator/handlers"
)

// RegisterWorkflowRoutes registers the workflow lifecycle endpoints.
func RegisterWorkflowRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWorkflowHandler(c.Orchestrator, c.Components.Logger)

	wf := e.Group("/api/workflows")
	{
		wf.POST("", h.StartWorkflow)              // POST   /api/workflows
		wf.GET("", h.ListWorkflows)               // GET    /api/workflows
		wf.GET("/:id", h.GetWorkflow)             // GET    /api/workflows/:id?events=50
		wf.POST("/:id/approve", h.Approve)        // POST   /api/workflows/:id/approve
		wf.POST("/:id/resolve-blocker", h.ResolveBlocker) // POST /api/workflows/:id/resolve-blocker
		wf.POST("/:id/plan", h.SetPlan)           // POST   /api/workflows/:id/plan
		wf.DELETE("/:id", h.Cancel)               // DELETE /api/workflows/:id
		wf.GET("/:id/events", h.Events)           // GET    /api/workflows/:id/events?after=0
		wf.GET("/:id/usage", h.Usage)             // GET    /api/workflows/:id/usage
	}
}
