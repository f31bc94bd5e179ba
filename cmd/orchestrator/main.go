package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/forgeline/overseer/cmd/orchestrator/container"
	"github.com/forgeline/overseer/cmd/orchestrator/models"
	"github.com/forgeline/overseer/cmd/orchestrator/routes"
	"github.com/forgeline/overseer/common/bootstrap"
	"github.com/forgeline/overseer/common/logger"
	mw "github.com/forgeline/overseer/common/middleware"
	"github.com/forgeline/overseer/common/server"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (config, logger, store, redis, telemetry)
	components, err := bootstrap.Setup(ctx, "orchestrator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap orchestrator: %v\n", err)
		os.Exit(1)
	}

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		components.Shutdown(ctx)
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}
	serviceContainer.Start()

	// Initialize Echo server
	e := setupEcho()

	// Setup middleware
	setupMiddleware(e, serviceContainer, components.Logger)

	// Register all routes
	registerRoutes(e, serviceContainer)

	// Serve until failure or shutdown signal
	srv := server.New("orchestrator", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server stopped", "error", err)
	}

	// Drain background services before releasing shared components
	serviceContainer.Close()
	components.Shutdown(ctx)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = models.NewRequestValidator()
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, serviceContainer *container.Container, log *logger.Logger) {
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(log))
	e.Use(rateLimited(serviceContainer))
}

// requestLogger emits one structured line per request through the
// service logger.
func requestLogger(log *logger.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"requestId", v.RequestID,
			)
			return nil
		},
	})
}

// rateLimited applies the sliding-window limiter to the API surface.
// Health probes and the websocket endpoint stay exempt.
func rateLimited(serviceContainer *container.Container) echo.MiddlewareFunc {
	limit := serviceContainer.Components.Config.Redis.RatePerMinute
	rl := mw.RateLimit(serviceContainer.Limiter, limit)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		limited := rl(next)
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if strings.HasPrefix(path, "/api/") && !strings.HasPrefix(path, "/api/health") {
				return limited(c)
			}
			return next(c)
		}
	}
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterHealthRoutes(e, serviceContainer)
	routes.RegisterWorkflowRoutes(e, serviceContainer)
	routes.RegisterBrainstormRoutes(e, serviceContainer)
	routes.RegisterOracleRoutes(e, serviceContainer)
	routes.RegisterSettingsRoutes(e, serviceContainer)
	routes.RegisterWSRoutes(e, serviceContainer)
}
