package middleware

import (
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowcore/common/clients"
	"github.com/lyzr/flowcore/common/ratelimit"
)

// isInternalRequest checks if the request is from an internal service
// Internal services set X-Internal-Service header to bypass rate limits
func isInternalRequest(c echo.Context) bool {
	internalHeader := c.Request().Header.Get("X-Internal-Service")
	if internalHeader == "" {
		return false
	}

	// Verify against shared secret (prevents spoofing)
	expectedSecret := os.Getenv("INTERNAL_SERVICE_SECRET")
	if expectedSecret == "" {
		expectedSecret = "default-internal-secret-change-in-prod" // Fallback for dev
	}

	return internalHeader == expectedSecret
}

// ExtractExecutor pulls the executor identity from the X-Executor-ID
// header into the echo context for downstream middlewares and handlers,
// and into the request context so outbound client calls carry it on
func ExtractExecutor() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if executorID := c.Request().Header.Get("X-Executor-ID"); executorID != "" {
				c.Set("executor_id", executorID)
				c.SetRequest(c.Request().WithContext(
					clients.WithExecutorID(c.Request().Context(), executorID)))
			}
			return next(c)
		}
	}
}

// GlobalRateLimitMiddleware checks the global service-wide rate limit
// Protects the entire service from being overwhelmed
// Skips rate limiting for internal service-to-service calls
func GlobalRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Skip rate limiting for internal service calls
			if isInternalRequest(c) {
				return next(c)
			}

			result, err := rateLimiter.CheckGlobalLimit(c.Request().Context(), limit)
			if err != nil {
				// On error, allow request (fail open for availability)
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "global_rate_limit_exceeded",
					"message": "Service is experiencing high load. Please try again later.",
					"details": map[string]interface{}{
						"limit":               result.Limit,
						"window":              "60 seconds",
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}

// ExecutorRateLimitMiddleware checks per-executor rate limits
// Requires executor_id to be set in context by ExtractExecutor
// Skips rate limiting for internal service-to-service calls
func ExecutorRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Skip rate limiting for internal service calls
			if isInternalRequest(c) {
				return next(c)
			}

			// Get executor from context (set by ExtractExecutor)
			executorID, ok := c.Get("executor_id").(string)
			if !ok || executorID == "" {
				// No executor identity, skip rate limiting
				return next(c)
			}

			result, err := rateLimiter.CheckExecutorLimit(c.Request().Context(), executorID, limit, 60)
			if err != nil {
				// On error, allow request (fail open for availability)
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "executor_rate_limit_exceeded",
					"message": "You have exceeded your execution quota. Please wait before trying again.",
					"details": map[string]interface{}{
						"executor_id":         executorID,
						"limit":               result.Limit,
						"window":              "60 seconds",
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
