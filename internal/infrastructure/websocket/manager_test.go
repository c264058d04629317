package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pactroom/internal/domain/entity"
	"pactroom/internal/domain/service"
	"pactroom/internal/infrastructure/ratelimit"
	"pactroom/pkg/errors"
)

type fakeDispatcher struct {
	mu           sync.Mutex
	joined       []entity.UserProfile
	confirmed    []string
	keywords     []string
	confirmError error
}

func (f *fakeDispatcher) JoinRoom(ctx context.Context, roomID string, profile entity.UserProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, profile)
	return nil
}

func (f *fakeDispatcher) SetProfile(roomID, userID string, profile entity.UserProfile) error {
	return nil
}

func (f *fakeDispatcher) SignDocument(ctx context.Context, roomID, userID, documentID string) (*entity.Document, error) {
	return &entity.Document{ID: documentID}, nil
}

func (f *fakeDispatcher) ConfirmMilestone(ctx context.Context, roomID, userID, milestoneID string) (*entity.Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, milestoneID)
	return &entity.Milestone{ID: milestoneID}, f.confirmError
}

func (f *fakeDispatcher) ProposeMilestoneAmount(ctx context.Context, roomID, userID, milestoneID string, amount int64) (*entity.Milestone, error) {
	return &entity.Milestone{ID: milestoneID}, nil
}

func (f *fakeDispatcher) ApproveMilestoneAmount(ctx context.Context, roomID, userID, milestoneID string) (*entity.Milestone, error) {
	return &entity.Milestone{ID: milestoneID}, nil
}

func (f *fakeDispatcher) ReleaseEscrow(ctx context.Context, roomID, userID, milestoneID string) (*entity.Milestone, error) {
	return &entity.Milestone{ID: milestoneID}, nil
}

func (f *fakeDispatcher) SetTriggerKeyword(roomID, userID, keyword string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keywords = append(f.keywords, keyword)
	return nil
}

type wsHarness struct {
	manager    *Manager
	dispatcher *fakeDispatcher
	server     *httptest.Server
}

func newWSHarness(t *testing.T, perSecond float64) *wsHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &wsHarness{dispatcher: &fakeDispatcher{}}
	h.manager = NewManager(h.dispatcher, ratelimit.NewRateLimiter(perSecond))
	h.manager.Start(ctx)

	upgrader := websocket.Upgrader{}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(conn, r.URL.Query().Get("room"), r.URL.Query().Get("user"), PanelClient)
		if !h.manager.Attach(client) {
			conn.Close()
			return
		}
		go client.WritePump()
		go client.ReadPump(h.manager, func(_ int, data []byte) {
			h.manager.HandleClientMessage(context.Background(), client, data)
		})
	}))
	t.Cleanup(func() {
		h.server.Close()
		cancel()
	})
	return h
}

func (h *wsHarness) dial(t *testing.T, roomID, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/?room=" + roomID + "&user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": msgType, "data": data}))
}

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func next(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func nextError(t *testing.T, conn *websocket.Conn) ErrorData {
	t.Helper()
	msg := next(t, conn)
	require.Equal(t, MessageTypeError, msg.Type)
	var data ErrorData
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	return data
}

func TestPingPong(t *testing.T) {
	h := newWSHarness(t, 5)
	conn := h.dial(t, "room-1", "alice")
	require.Eventually(t, func() bool { return h.manager.ClientCount("room-1") == 1 }, time.Second, 5*time.Millisecond)

	send(t, conn, MessageTypePing, nil)
	assert.Equal(t, MessageTypePong, next(t, conn).Type)
}

func TestDispatchValidatesPayloads(t *testing.T) {
	h := newWSHarness(t, 5)
	conn := h.dial(t, "room-1", "alice")
	require.Eventually(t, func() bool { return h.manager.ClientCount("room-1") == 1 }, time.Second, 5*time.Millisecond)

	send(t, conn, MessageTypeConfirmMilestone, map[string]string{})
	errData := nextError(t, conn)
	assert.Equal(t, errors.CodeBadRequest, errData.Code)
	assert.Contains(t, errData.Message, "milestoneid")

	send(t, conn, "teleport", nil)
	assert.Equal(t, errors.CodeBadRequest, nextError(t, conn).Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, errors.CodeBadRequest, nextError(t, conn).Code)

	send(t, conn, MessageTypeJoinRoom, JoinRoomData{RoomID: "room-2"})
	assert.Equal(t, errors.CodeBadRequest, nextError(t, conn).Code)
}

func TestDispatchRoutesToRooms(t *testing.T) {
	h := newWSHarness(t, 5)
	conn := h.dial(t, "room-1", "alice")
	require.Eventually(t, func() bool { return h.manager.ClientCount("room-1") == 1 }, time.Second, 5*time.Millisecond)

	send(t, conn, MessageTypeJoinRoom, JoinRoomData{DisplayName: "Alice", Role: "plumber"})
	send(t, conn, MessageTypeSetTriggerKeyword, TriggerKeywordData{Keyword: "handshake"})

	h.dispatcher.mu.Lock()
	h.dispatcher.confirmError = errors.NotAParty("not yours")
	h.dispatcher.mu.Unlock()
	send(t, conn, MessageTypeConfirmMilestone, MilestoneData{MilestoneID: "m-1"})

	errData := nextError(t, conn)
	assert.Equal(t, errors.CodeNotAParty, errData.Code)
	assert.Equal(t, "not yours", errData.Message)

	h.dispatcher.mu.Lock()
	defer h.dispatcher.mu.Unlock()
	require.Len(t, h.dispatcher.joined, 1)
	assert.Equal(t, entity.UserProfile{UserID: "alice", DisplayName: "Alice", Role: "plumber"}, h.dispatcher.joined[0])
	assert.Equal(t, []string{"handshake"}, h.dispatcher.keywords)
	assert.Equal(t, []string{"m-1"}, h.dispatcher.confirmed)
}

func TestRateLimitedMessagesAreRejected(t *testing.T) {
	h := newWSHarness(t, 1)
	conn := h.dial(t, "room-1", "alice")
	require.Eventually(t, func() bool { return h.manager.ClientCount("room-1") == 1 }, time.Second, 5*time.Millisecond)

	// join_room allows a burst of 3
	for i := 0; i < 4; i++ {
		send(t, conn, MessageTypeJoinRoom, JoinRoomData{})
	}
	assert.Equal(t, errors.CodeTooManyRequests, nextError(t, conn).Code)
}

func TestBroadcastAndSendToUser(t *testing.T) {
	h := newWSHarness(t, 5)
	alice := h.dial(t, "room-1", "alice")
	bob := h.dial(t, "room-1", "bob")
	carol := h.dial(t, "room-2", "carol")
	require.Eventually(t, func() bool {
		return h.manager.ClientCount("room-1") == 2 && h.manager.ClientCount("room-2") == 1
	}, time.Second, 5*time.Millisecond)

	h.manager.Broadcast("room-1", service.Notification{Type: service.NotifyStatus, Data: map[string]string{"status": "active"}})
	assert.Equal(t, service.NotifyStatus, next(t, alice).Type)
	assert.Equal(t, service.NotifyStatus, next(t, bob).Type)

	h.manager.SendToUser("carol", service.Notification{Type: service.NotifyAgentText, Data: "hello"})
	msg := next(t, carol)
	assert.Equal(t, service.NotifyAgentText, msg.Type)
	assert.JSONEq(t, `"hello"`, string(msg.Data))
}

func TestClosedConnectionIsUnregistered(t *testing.T) {
	h := newWSHarness(t, 5)
	conn := h.dial(t, "room-1", "alice")
	require.Eventually(t, func() bool { return h.manager.ClientCount("room-1") == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return h.manager.ClientCount("room-1") == 0 }, time.Second, 5*time.Millisecond)
}
