package usecase

import (
	"context"
	"encoding/json"
	"sync"

	"pactroom/internal/domain/service"
)

type fakeModel struct {
	mu      sync.Mutex
	calls   []service.MessageRequest
	respond func(call int, req service.MessageRequest) (*service.MessageResponse, error)
}

func (f *fakeModel) CreateMessage(ctx context.Context, req service.MessageRequest) (*service.MessageResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	call := len(f.calls)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return endTurn(""), nil
	}
	return respond(call, req)
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeModel) lastRequest() service.MessageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func endTurn(text string) *service.MessageResponse {
	resp := &service.MessageResponse{StopReason: service.StopEndTurn}
	if text != "" {
		resp.Content = []service.ContentBlock{service.TextBlock(text)}
	}
	return resp
}

func toolCall(id, name string, input interface{}) *service.MessageResponse {
	raw, _ := json.Marshal(input)
	return &service.MessageResponse{
		StopReason: service.StopToolUse,
		Content: []service.ContentBlock{
			{Type: service.BlockToolUse, ID: id, Name: name, Input: raw},
		},
	}
}

type sentNotification struct {
	RoomID string
	UserID string
	Msg    service.Notification
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (f *fakeNotifier) Broadcast(roomID string, msg service.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotification{RoomID: roomID, Msg: msg})
}

func (f *fakeNotifier) SendToUser(userID string, msg service.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotification{UserID: userID, Msg: msg})
}

func (f *fakeNotifier) ofType(kind string) []sentNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentNotification
	for _, n := range f.sent {
		if n.Msg.Type == kind {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeNotifier) count(kind string) int {
	return len(f.ofType(kind))
}
