package bootstrap

import (
	"github.com/forgeline/overseer/common/config"
	"github.com/forgeline/overseer/common/logger"
)

// Option configures the bootstrap process
type Option func(*options)

type options struct {
	skipStore    bool
	skipRedis    bool
	customLogger *logger.Logger
	customConfig *config.Config
}

// WithoutStore skips store initialization
func WithoutStore() Option {
	return func(o *options) {
		o.skipStore = true
	}
}

// WithoutRedis skips the redis connection even when an address is configured
func WithoutRedis() Option {
	return func(o *options) {
		o.skipRedis = true
	}
}

// WithCustomLogger uses a custom logger instead of creating one
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithCustomConfig uses a custom config instead of loading from env
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

func defaultOptions() *options {
	return &options{}
}
