package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/forgeline/overseer/common/bootstrap"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	components *bootstrap.Components
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(components *bootstrap.Components) *HealthHandler {
	return &HealthHandler{components: components}
}

// Live answers as long as the process runs.
// GET /api/health/live
func (h *HealthHandler) Live(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "alive",
	})
}

// Ready checks the wired components. Any failing dependency flips the
// response to 503 so load balancers stop routing here.
// GET /api/health, GET /api/health/ready
func (h *HealthHandler) Ready(c echo.Context) error {
	checks := h.components.Health(c.Request().Context())

	status := http.StatusOK
	overall := "healthy"
	for _, v := range checks {
		if v != "ok" {
			status = http.StatusServiceUnavailable
			overall = "unhealthy"
			break
		}
	}

	return c.JSON(status, map[string]interface{}{
		"status": overall,
		"checks": checks,
	})
}
