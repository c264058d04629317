package router

import (
	"github.com/labstack/echo/v4"

	"pactroom/internal/adapter/api/handler"
	"pactroom/internal/adapter/api/middleware"
	"pactroom/internal/infrastructure/ratelimit"
)

func SetupRoomRouter(e *echo.Echo, limiter *ratelimit.RateLimiter) {
	roomHandler := handler.GetRoomHandler()

	rooms := e.Group("/v1/rooms")
	rooms.GET("", roomHandler.ListRooms)
	rooms.GET("/:roomId", roomHandler.GetRoom)
	rooms.POST("/:roomId/join", roomHandler.JoinRoom, middleware.RateLimit(limiter, "join_room"))
	rooms.POST("/:roomId/leave", roomHandler.LeaveRoom)
}

func SetupDocumentRouter(e *echo.Echo, limiter *ratelimit.RateLimiter) {
	documentHandler := handler.GetDocumentHandler()

	e.GET("/v1/rooms/:roomId/documents", documentHandler.ListRoomDocuments, middleware.RateLimit(limiter, "http"))
	e.GET("/v1/documents/:id", documentHandler.GetDocument, middleware.RateLimit(limiter, "http"))
}
