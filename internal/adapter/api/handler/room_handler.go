package handler

import (
	"github.com/labstack/echo/v4"

	"pactroom/internal/domain/entity"
	"pactroom/internal/usecase"
	"pactroom/pkg/errors"
	"pactroom/pkg/response"
	"pactroom/pkg/utils"
)

type RoomHandler struct {
	rooms *usecase.RoomManagerUseCase
}

func NewRoomHandler(rooms *usecase.RoomManagerUseCase) *RoomHandler {
	return &RoomHandler{
		rooms: rooms,
	}
}

type JoinRoomRequest struct {
	UserID        string `json:"user_id" validate:"required,max=64"`
	DisplayName   string `json:"display_name" validate:"max=80"`
	Role          string `json:"role" validate:"max=80"`
	BankAccountID string `json:"bank_account_id" validate:"max=64"`
}

type LeaveRoomRequest struct {
	UserID string `json:"user_id" validate:"required,max=64"`
}

func (h *RoomHandler) ListRooms(c echo.Context) error {
	return response.Success(c, utils.Paginate(h.rooms.Rooms(), utils.GetPaginationParams(c)))
}

func (h *RoomHandler) GetRoom(c echo.Context) error {
	status, err := h.rooms.RoomStatus(c.Param("roomId"))
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, status)
}

func (h *RoomHandler) JoinRoom(c echo.Context) error {
	var req JoinRoomRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, errors.BadRequest("Invalid request body", err))
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	roomID := c.Param("roomId")
	err := h.rooms.JoinRoom(c.Request().Context(), roomID, entity.UserProfile{
		UserID:        req.UserID,
		DisplayName:   req.DisplayName,
		Role:          req.Role,
		BankAccountID: req.BankAccountID,
	})
	if err != nil {
		return response.Error(c, err)
	}

	status, err := h.rooms.RoomStatus(roomID)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, status)
}

func (h *RoomHandler) LeaveRoom(c echo.Context) error {
	var req LeaveRoomRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, errors.BadRequest("Invalid request body", err))
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	h.rooms.LeaveRoom(c.Param("roomId"), req.UserID)
	return response.Success(c, map[string]string{"status": "left"})
}
