package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgeline/overseer/common/config"
	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/store"
	"github.com/forgeline/overseer/common/telemetry"
)

// Setup initializes all service components
// This is the main entry point for all services
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	// Apply options
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	// 3. Open the store and run migrations (if not skipped)
	if !options.skipStore {
		components.Logger.Info("opening store",
			"backend", components.Config.Store.Backend,
		)
		components.Store, err = store.Open(ctx, components.Config, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}

		// Register cleanup
		components.addCleanup(func() error {
			components.Logger.Info("closing store")
			return components.Store.Close()
		})

		if err := components.Store.Migrate(ctx); err != nil {
			components.Shutdown(ctx) // Cleanup what we've initialized
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}

		if err := applySettings(ctx, components.Config, components.Store, components.Logger); err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to apply server settings: %w", err)
		}
	}

	// 4. Connect to redis (if configured)
	if !options.skipRedis && components.Config.Redis.Addr != "" {
		components.Logger.Info("connecting to redis",
			"addr", components.Config.Redis.Addr,
		)
		client := redis.NewClient(&redis.Options{
			Addr:     components.Config.Redis.Addr,
			Password: components.Config.Redis.Password,
			DB:       components.Config.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// Rate limiting fails open, so a dead redis degrades
			// rather than blocking startup.
			components.Logger.Warn("redis ping failed", "error", err)
		}

		components.Redis = client
		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return client.Close()
		})
	}

	// 5. Initialize telemetry (if enabled)
	if components.Config.Telemetry.EnablePprof {
		components.Logger.Info("initializing telemetry")
		components.Telemetry = telemetry.New(
			components.Config.Telemetry.PprofPort,
			components.Logger,
		)

		if err := components.Telemetry.Start(ctx); err != nil {
			components.Logger.Warn("failed to start telemetry", "error", err)
			// Don't fail startup if telemetry fails
		} else {
			components.addCleanup(components.Telemetry.Close)
		}
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"store", components.Store != nil,
		"redis", components.Redis != nil,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error
// Useful for services that can't recover from initialization failure
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}

// applySettings reconciles the persisted settings row with the
// environment. On first boot the row is seeded from the loaded config
// so edits made through the settings API survive restarts; on every
// later boot the row wins over the environment for the tunable knobs.
func applySettings(ctx context.Context, cfg *config.Config, st *store.Store, log *logger.Logger) error {
	has, err := st.HasSettings(ctx)
	if err != nil {
		return err
	}

	if !has {
		return st.UpdateSettings(ctx, store.ServerSettings{
			LogRetentionDays:            cfg.Retention.LogRetentionDays,
			LogRetentionMaxEvents:       cfg.Retention.LogRetentionMaxEvents,
			MaxConcurrentWorkflows:      cfg.Engine.MaxConcurrentWorkflows,
			WorkflowStartTimeoutSeconds: int(cfg.Engine.WorkflowStartTimeout / time.Second),
			DriverTimeoutSeconds:        int(cfg.Driver.Timeout / time.Second),
			KeepWorktrees:               cfg.Git.KeepWorktrees,
		})
	}

	settings, err := st.GetSettings(ctx)
	if err != nil {
		return err
	}

	cfg.Retention.LogRetentionDays = settings.LogRetentionDays
	cfg.Retention.LogRetentionMaxEvents = settings.LogRetentionMaxEvents
	cfg.Engine.MaxConcurrentWorkflows = settings.MaxConcurrentWorkflows
	cfg.Engine.WorkflowStartTimeout = time.Duration(settings.WorkflowStartTimeoutSeconds) * time.Second
	cfg.Driver.Timeout = time.Duration(settings.DriverTimeoutSeconds) * time.Second
	cfg.Git.KeepWorktrees = settings.KeepWorktrees

	log.Info("applied persisted server settings",
		"maxConcurrentWorkflows", settings.MaxConcurrentWorkflows,
		"workflowStartTimeout", cfg.Engine.WorkflowStartTimeout,
		"driverTimeout", cfg.Driver.Timeout,
	)
	return nil
}
