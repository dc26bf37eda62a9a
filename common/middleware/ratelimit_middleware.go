package middleware

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/pevr/common/ratelimit"
)

// isInternalRequest checks if the request carries the internal service secret
func isInternalRequest(c echo.Context, secret string) bool {
	if secret == "" {
		return false
	}
	return c.Request().Header.Get("X-Internal-Service") == secret
}

// RateLimitMiddleware rejects requests once the limiter's window is full.
// keyFn picks the bucket (global, per project, per client ip).
// Limiter errors fail open.
func RateLimitMiddleware(limiter ratelimit.Limiter, keyFn func(echo.Context) string, internalSecret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c, internalSecret) {
				return next(c)
			}

			key := keyFn(c)
			result, err := limiter.Allow(c.Request().Context(), key)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				c.Response().Header().Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds(), 10))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "rate_limit_exceeded",
					"message": "Too many change requests. Please try again later.",
					"details": map[string]interface{}{
						"key":                 key,
						"limit":               result.Limit,
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds(),
					},
				})
			}

			return next(c)
		}
	}
}

// GlobalKey buckets every request together
func GlobalKey(echo.Context) string { return "global" }

// ClientIPKey buckets requests by client ip
func ClientIPKey(c echo.Context) string { return "ip:" + c.RealIP() }
