package router

import (
	"github.com/labstack/echo/v4"

	"pactroom/internal/adapter/api/handler"
	"pactroom/internal/adapter/api/middleware"
	"pactroom/internal/infrastructure/ratelimit"
)

// SetupWebSocketRouter registers the panel and audio sockets. Both take ?room=&user=.
func SetupWebSocketRouter(e *echo.Echo, limiter *ratelimit.RateLimiter) {
	wsHandler := handler.GetWebSocketHandler()

	ws := e.Group("/ws", middleware.RateLimit(limiter, "connect"))
	ws.GET("/panel", wsHandler.HandlePanel)
	ws.GET("/audio", wsHandler.HandleAudio)
}
