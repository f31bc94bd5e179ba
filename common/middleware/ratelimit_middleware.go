// Package middleware provides echo middleware shared by the HTTP surface.
package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/forgeline/overseer/common/ratelimit"
)

// RateLimit enforces a per-client sliding-window limit. A nil limiter
// (redis not configured) disables limiting entirely, and limiter errors
// fail open so an unreachable redis never takes requests down with it.
func RateLimit(limiter *ratelimit.Limiter, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if limiter == nil {
				return next(c)
			}

			result, err := limiter.CheckClient(c.Request().Context(), c.RealIP(), limit)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "rate_limit_exceeded",
					"message": "Too many requests. Please wait before trying again.",
					"details": map[string]interface{}{
						"limit":               result.Limit,
						"window":              "60 seconds",
						"currentCount":        result.CurrentCount,
						"retryAfterSeconds":   result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
