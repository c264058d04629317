package middleware

import (
	"github.com/labstack/echo/v4"

	"pactroom/internal/infrastructure/ratelimit"
	"pactroom/pkg/errors"
	"pactroom/pkg/logger"
	"pactroom/pkg/response"
)

// RateLimit limits requests per client IP for one action bucket.
func RateLimit(limiter *ratelimit.RateLimiter, action string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			if !limiter.Allow(ip, action) {
				logger.Warn("RATE LIMIT: blocked %s request from IP %s", action, ip)
				return response.Error(c, errors.TooManyRequests("Rate limit exceeded"))
			}
			return next(c)
		}
	}
}
