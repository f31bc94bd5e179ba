package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/forgeline/overseer/cmd/orchestrator/service"
	"github.com/forgeline/overseer/common/graph"
	"github.com/forgeline/overseer/common/state"
	"github.com/forgeline/overseer/common/store"
)

// errorStatus maps sentinel errors to HTTP status codes. Anything
// unrecognized is a 500.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrInvalidTransition),
		errors.Is(err, state.ErrTerminal),
		errors.Is(err, graph.ErrNotInterrupted),
		errors.Is(err, service.ErrAlreadyRunning),
		errors.Is(err, service.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, store.ErrSessionCompleted):
		return http.StatusGone
	case errors.Is(err, service.ErrPlanArgs),
		errors.Is(err, service.ErrPlanFile):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrTooBusy):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// jsonError writes the mapped status with the error message as the body.
func jsonError(c echo.Context, err error) error {
	return c.JSON(errorStatus(err), map[string]interface{}{
		"error": err.Error(),
	})
}
