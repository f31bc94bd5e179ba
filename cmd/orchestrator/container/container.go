// Package container wires the orchestrator's services once at startup.
package container

import (
	"github.com/forgeline/overseer/cmd/orchestrator/service"
	"github.com/forgeline/overseer/cmd/orchestrator/ws"
	"github.com/forgeline/overseer/common/bootstrap"
	"github.com/forgeline/overseer/common/driver"
	"github.com/forgeline/overseer/common/events"
	"github.com/forgeline/overseer/common/ratelimit"
)

// Container holds all initialized services (singleton pattern).
type Container struct {
	Components *bootstrap.Components

	// Shared infrastructure
	Bus     *events.Bus
	Drivers *driver.Factory
	Limiter *ratelimit.Limiter // nil when redis is not configured

	// Services
	Orchestrator *service.Orchestrator
	Brainstorm   *service.Brainstorm
	Oracle       *service.OracleRunner
	Retention    *service.Retention
	Watchdog     *service.Watchdog
	Hub          *ws.Hub
}

// NewContainer initializes all services once (bottom-up: dependencies first).
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	bus := events.NewBus(cfg.Engine.EventBufferSize, log)
	drivers := driver.NewWorkerFactory(cfg.Driver.WorkerBin, log)

	orchestrator := service.NewOrchestrator(&service.OrchestratorOpts{
		Config:  cfg,
		Store:   components.Store,
		Bus:     bus,
		Drivers: drivers,
		Log:     log,
	})

	brainstorm := service.NewBrainstorm(&service.BrainstormOpts{
		Config:       cfg,
		Store:        components.Store,
		Bus:          bus,
		Drivers:      drivers,
		Orchestrator: orchestrator,
		Log:          log,
	})

	oracle := service.NewOracleRunner(&service.OracleOpts{
		Config:  cfg,
		Store:   components.Store,
		Bus:     bus,
		Drivers: drivers,
		Log:     log,
	})

	var limiter *ratelimit.Limiter
	if components.Redis != nil {
		limiter = ratelimit.New(components.Redis, log)
	}

	return &Container{
		Components:   components,
		Bus:          bus,
		Drivers:      drivers,
		Limiter:      limiter,
		Orchestrator: orchestrator,
		Brainstorm:   brainstorm,
		Oracle:       oracle,
		Retention:    service.NewRetention(cfg, components.Store, log),
		Watchdog:     service.NewWatchdog(cfg, components.Store, orchestrator, log),
		Hub:          ws.NewHub(bus, log),
	}, nil
}

// Start launches the background services.
func (c *Container) Start() {
	go c.Hub.Run()
	c.Retention.Start()
	c.Watchdog.Start()
}

// Close stops background services and waits for in-flight work, newest
// dependency first.
func (c *Container) Close() {
	c.Watchdog.Close()
	c.Retention.Close()
	c.Brainstorm.Close()
	c.Oracle.Close()
	c.Orchestrator.Close()
	c.Hub.Close()
	c.Bus.Close()
}
