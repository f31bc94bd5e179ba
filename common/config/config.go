package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Store     StoreConfig
	Redis     RedisConfig
	Driver    DriverConfig
	Engine    EngineConfig
	Retention RetentionConfig
	Git       GitConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Backend     string // "sqlite" or "postgres"
	SQLitePath  string
	DatabaseURL string
	MaxConns    int
	MaxIdleTime time.Duration
}

// RedisConfig holds rate-limiter settings. An empty Addr disables redis.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	RatePerMinute int64 // per-client request budget for the API surface
}

// DriverConfig holds LLM driver settings
type DriverConfig struct {
	Kind         string // "worker"
	Model        string
	WorkerBin    string
	Timeout      time.Duration
	CancelAborts bool // attempt cooperative abort of an in-flight call on cancel
}

// EngineConfig holds workflow engine settings
type EngineConfig struct {
	MaxConcurrentWorkflows int
	AdmissionPolicy        string // "wait" or "reject"
	WorkflowStartTimeout   time.Duration
	WatchdogInterval       time.Duration
	MaxReviewIterations    int
	EventBufferSize        int
	HumanApprovalMode      string // "server" or "cli"
	FailedApprovalArtifact bool   // write a rejection note into the worktree on rejected plans
}

// RetentionConfig holds event-log pruning knobs
type RetentionConfig struct {
	LogRetentionDays      int
	LogRetentionMaxEvents int
	Interval              time.Duration
	PurgeTerminal         bool
}

// GitConfig holds worktree settings
type GitConfig struct {
	WorktreeRoot  string
	KeepWorktrees bool
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
		},
		Store: StoreConfig{
			Backend:     getEnv("DB_BACKEND", "sqlite"),
			SQLitePath:  getEnv("SQLITE_PATH", "data/overseer.db"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
			MaxConns:    getEnvInt("DB_MAX_CONNS", 10),
			MaxIdleTime: getEnvDuration("DB_MAX_IDLE_TIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			Addr:          getEnv("REDIS_ADDR", ""),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			RatePerMinute: int64(getEnvInt("RATE_LIMIT_PER_MINUTE", 120)),
		},
		Driver: DriverConfig{
			Kind:         getEnv("DRIVER_KIND", "worker"),
			Model:        getEnv("DRIVER_MODEL", "sonnet"),
			WorkerBin:    getEnv("WORKER_BIN", "overseer-agent-worker"),
			Timeout:      getEnvDuration("DRIVER_TIMEOUT", 10*time.Minute),
			CancelAborts: getEnvBool("CANCEL_ABORTS_DRIVER", true),
		},
		Engine: EngineConfig{
			MaxConcurrentWorkflows: getEnvInt("MAX_CONCURRENT_WORKFLOWS", 3),
			AdmissionPolicy:        getEnv("ADMISSION_POLICY", "reject"),
			WorkflowStartTimeout:   getEnvDuration("WORKFLOW_START_TIMEOUT", 90*time.Second),
			WatchdogInterval:       getEnvDuration("WATCHDOG_INTERVAL", 15*time.Second),
			MaxReviewIterations:    getEnvInt("MAX_REVIEW_ITERATIONS", 3),
			EventBufferSize:        getEnvInt("EVENT_BUFFER_SIZE", 256),
			HumanApprovalMode:      getEnv("HUMAN_APPROVAL_MODE", "server"),
			FailedApprovalArtifact: getEnvBool("FAILED_APPROVAL_ARTIFACT", false),
		},
		Retention: RetentionConfig{
			LogRetentionDays:      getEnvInt("LOG_RETENTION_DAYS", 30),
			LogRetentionMaxEvents: getEnvInt("LOG_RETENTION_MAX_EVENTS", 5000),
			Interval:              getEnvDuration("RETENTION_INTERVAL", 1*time.Hour),
			PurgeTerminal:         getEnvBool("PURGE_TERMINAL_WORKFLOWS", false),
		},
		Git: GitConfig{
			WorktreeRoot:  getEnv("WORKTREE_ROOT", ""),
			KeepWorktrees: getEnvBool("KEEP_WORKTREES", false),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", false),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite backend")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}

	switch c.Engine.AdmissionPolicy {
	case "wait", "reject":
	default:
		return fmt.Errorf("unknown admission policy: %s", c.Engine.AdmissionPolicy)
	}

	switch c.Engine.HumanApprovalMode {
	case "server", "cli":
	default:
		return fmt.Errorf("unknown human approval mode: %s", c.Engine.HumanApprovalMode)
	}

	if c.Engine.MaxConcurrentWorkflows < 1 {
		return fmt.Errorf("MAX_CONCURRENT_WORKFLOWS must be >= 1")
	}

	if c.Engine.MaxReviewIterations < 1 {
		return fmt.Errorf("MAX_REVIEW_ITERATIONS must be >= 1")
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
