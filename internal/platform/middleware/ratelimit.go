package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/masud80/healthcare-emr-sub001/internal/platform/ratelimit"
)

// Allower is the part of *ratelimit.Limiter used by RateLimit.
type Allower interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// RateLimit counts every request against the caller's window and rejects it
// with 429 once the window is full. Requests are keyed by the API key set by
// auth.APIKeyMiddleware, falling back to the client IP.
//
// When the store fails the request is rejected with 500 unless failOpen is
// set, in which case it is let through and the failure is logged.
func RateLimit(limiter Allower, logger zerolog.Logger, failOpen bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := RateLimitKey(c)

			d, err := limiter.Allow(c.Request().Context(), key)
			if err != nil {
				rid, _ := c.Get("request_id").(string)
				logger.Error().Err(err).
					Str("request_id", rid).
					Str("rate_limit_key", key).
					Bool("fail_open", failOpen).
					Msg("rate limit store failure")
				if failOpen {
					return next(c)
				}
				return echo.NewHTTPError(http.StatusInternalServerError, "rate limit unavailable")
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(d.RetryAfter)))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}

			return next(c)
		}
	}
}

// RateLimitKey returns "key:<api key id>" for authenticated external calls
// and "ip:<address>" otherwise.
func RateLimitKey(c echo.Context) string {
	if id, ok := c.Get("api_key_id").(string); ok && id != "" {
		return "key:" + id
	}
	return "ip:" + c.RealIP()
}
