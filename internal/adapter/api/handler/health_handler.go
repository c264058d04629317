package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"pactroom/internal/usecase"
)

type HealthHandler struct {
	rooms *usecase.RoomManagerUseCase
}

var healthHandler *HealthHandler

func NewHealthHandler(rooms *usecase.RoomManagerUseCase) *HealthHandler {
	return &HealthHandler{
		rooms: rooms,
	}
}

func SetupHealthHandler(rooms *usecase.RoomManagerUseCase) {
	healthHandler = NewHealthHandler(rooms)
}

func GetHealthHandler() *HealthHandler {
	return healthHandler
}

func (h *HealthHandler) CheckHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "Server is running",
		"rooms":  len(h.rooms.Rooms()),
		"time":   time.Now().Format(time.RFC3339),
	})
}
