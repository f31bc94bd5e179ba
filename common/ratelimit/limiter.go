// Package ratelimit provides a redis-backed sliding-window rate limiter.
// The window logic runs atomically in an embedded Lua script.
package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var slidingWindowScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// DefaultWindow is the window applied by the Check* helpers.
const DefaultWindow = time.Minute

// Result contains the outcome of a rate limit check.
type Result struct {
	Allowed           bool  // Whether the request is allowed
	CurrentCount      int64 // Requests currently inside the window
	Limit             int64 // The limit that was checked
	RetryAfterSeconds int64 // Seconds until a slot frees (0 if allowed)
}

// Limiter checks request rates against Redis using an atomic Lua script.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
}

// New creates a limiter with the sliding-window script loaded.
func New(redisClient *redis.Client, logger Logger) *Limiter {
	return &Limiter{
		redis:  redisClient,
		script: redis.NewScript(slidingWindowScript),
		logger: logger,
	}
}

// CheckGlobal checks the service-wide limit.
func (l *Limiter) CheckGlobal(ctx context.Context, limit int64) (*Result, error) {
	return l.Check(ctx, "rate_limit:global", limit, DefaultWindow)
}

// CheckClient checks the per-client limit, keyed by the caller's address.
func (l *Limiter) CheckClient(ctx context.Context, client string, limit int64) (*Result, error) {
	return l.Check(ctx, fmt.Sprintf("rate_limit:client:%s", client), limit, DefaultWindow)
}

// Check runs the sliding-window script for one key.
func (l *Limiter) Check(ctx context.Context, key string, limit int64, window time.Duration) (*Result, error) {
	now := time.Now().UnixMilli()
	raw, err := l.script.Run(ctx, l.redis, []string{key}, limit, int64(window.Seconds()), now, uuid.NewString()).Result()
	if err != nil {
		l.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to check rate limit: %w", err)
	}

	// Result array: {allowed, current_count, limit, retry_after}
	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 4 {
		return nil, fmt.Errorf("unexpected script result format")
	}

	result := &Result{
		Allowed:           arr[0].(int64) == 1,
		CurrentCount:      arr[1].(int64),
		Limit:             arr[2].(int64),
		RetryAfterSeconds: arr[3].(int64),
	}

	if !result.Allowed {
		l.logger.Warn("rate limit exceeded",
			"key", key,
			"current", result.CurrentCount,
			"limit", result.Limit,
			"retry_after", result.RetryAfterSeconds)
	}
	return result, nil
}

// Reset clears a counter (for tests and admin tooling).
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, key).Err()
}
