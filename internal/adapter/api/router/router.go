package router

import (
	"github.com/labstack/echo/v4"

	"pactroom/internal/infrastructure/ratelimit"
)

func Setup(e *echo.Echo, limiter *ratelimit.RateLimiter) {
	SetupHealthRouter(e)
	SetupRoomRouter(e, limiter)
	SetupDocumentRouter(e, limiter)
	SetupWebSocketRouter(e, limiter)
}
