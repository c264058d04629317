package handler

import (
	"pactroom/internal/infrastructure/websocket"
	"pactroom/internal/usecase"
)

var (
	roomHandler      *RoomHandler
	documentHandler  *DocumentHandler
	websocketHandler *WebSocketHandler
)

func Setup(
	roomManager *usecase.RoomManagerUseCase,
	documentUseCase *usecase.DocumentUseCase,
	wsManager *websocket.Manager,
) {
	roomHandler = NewRoomHandler(roomManager)
	documentHandler = NewDocumentHandler(documentUseCase)
	websocketHandler = NewWebSocketHandler(wsManager, roomManager)
	SetupHealthHandler(roomManager)
}

func GetRoomHandler() *RoomHandler {
	return roomHandler
}

func GetDocumentHandler() *DocumentHandler {
	return documentHandler
}

func GetWebSocketHandler() *WebSocketHandler {
	return websocketHandler
}
