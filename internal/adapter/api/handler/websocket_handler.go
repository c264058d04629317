package handler

import (
	"context"
	"net/http"

	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	ws "pactroom/internal/infrastructure/websocket"
	"pactroom/internal/usecase"
	"pactroom/pkg/errors"
	"pactroom/pkg/logger"
	"pactroom/pkg/response"
)

type WebSocketHandler struct {
	wsManager *ws.Manager
	rooms     *usecase.RoomManagerUseCase
}

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewWebSocketHandler(wsManager *ws.Manager, rooms *usecase.RoomManagerUseCase) *WebSocketHandler {
	return &WebSocketHandler{
		wsManager: wsManager,
		rooms:     rooms,
	}
}

func socketParams(c echo.Context) (string, string, error) {
	roomID := c.QueryParam("room")
	userID := c.QueryParam("user")
	if roomID == "" || userID == "" {
		return "", "", errors.BadRequest("room and user query parameters are required", nil)
	}
	return roomID, userID, nil
}

// HandlePanel serves the control panel socket: notifications out, client messages in.
// Closing the last panel of a user removes them from the room.
func (h *WebSocketHandler) HandlePanel(c echo.Context) error {
	roomID, userID, err := socketParams(c)
	if err != nil {
		return response.Error(c, err)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Warn("Failed to upgrade panel connection for %s: %v", userID, err)
		return nil
	}

	client := ws.NewClient(conn, roomID, userID, ws.PanelClient)
	if !h.wsManager.Attach(client) {
		conn.Close()
		return nil
	}

	ctx := context.Background()
	go client.WritePump()
	go func() {
		if err := h.rooms.RegisterPanelSocket(ctx, roomID, userID); err != nil {
			h.rooms.SendError(userID, err)
			conn.Close()
		}
	}()
	go func() {
		client.ReadPump(h.wsManager, func(_ int, data []byte) {
			h.wsManager.HandleClientMessage(ctx, client, data)
		})
		if !h.wsManager.HasOtherPanel(client) {
			h.rooms.LeaveRoom(roomID, userID)
		}
	}()
	return nil
}

// HandleAudio serves the audio socket. Binary frames are audio for the
// transcriber; text frames are already-transcribed lines.
func (h *WebSocketHandler) HandleAudio(c echo.Context) error {
	roomID, userID, err := socketParams(c)
	if err != nil {
		return response.Error(c, err)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Warn("Failed to upgrade audio connection for %s: %v", userID, err)
		return nil
	}

	client := ws.NewClient(conn, roomID, userID, ws.AudioClient)
	if !h.wsManager.Attach(client) {
		conn.Close()
		return nil
	}
	go client.WritePump()

	go func() {
		stream, err := h.rooms.RegisterAudioSocket(context.Background(), roomID, userID)
		if err != nil {
			h.rooms.SendError(userID, err)
			h.wsManager.Detach(client)
			conn.Close()
			return
		}
		defer stream.Close()

		client.ReadPump(h.wsManager, func(messageType int, data []byte) {
			if messageType == gorillaws.TextMessage {
				stream.WriteText(string(data))
				return
			}
			if err := stream.Write(data); err != nil {
				logger.For("ws", roomID, userID).Warn("audio write failed: %v", err)
			}
		})
	}()
	return nil
}
