package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pactroom/internal/domain/service"
	"pactroom/internal/infrastructure/ratelimit"
	"pactroom/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

type ClientKind string

const (
	PanelClient ClientKind = "panel"
	AudioClient ClientKind = "audio"
)

// Client is one websocket connection of a room participant.
type Client struct {
	UserID string
	RoomID string
	Kind   ClientKind
	Conn   *websocket.Conn
	Send   chan []byte

	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, roomID, userID string, kind ClientKind) *Client {
	return &Client{
		UserID: userID,
		RoomID: roomID,
		Kind:   kind,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.Send) })
}

// Manager tracks panel connections per room and per user and implements the
// notification sink the rooms publish to.
type Manager struct {
	rooms      map[string]map[*Client]bool
	users      map[string]map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	done       chan struct{}
	mutex      sync.RWMutex

	dispatcher RoomDispatcher
	limiter    *ratelimit.RateLimiter
}

func NewManager(dispatcher RoomDispatcher, limiter *ratelimit.RateLimiter) *Manager {
	return &Manager{
		rooms:      make(map[string]map[*Client]bool),
		users:      make(map[string]map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		dispatcher: dispatcher,
		limiter:    limiter,
	}
}

// SetDispatcher binds the room operations inbound messages are routed to.
func (m *Manager) SetDispatcher(dispatcher RoomDispatcher) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.dispatcher = dispatcher
}

// Start runs the registration loop until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case client := <-m.Register:
				m.add(client)
				logger.For("ws", client.RoomID, client.UserID).Info("%s client registered", client.Kind)

			case client := <-m.Unregister:
				m.remove(client)
				logger.For("ws", client.RoomID, client.UserID).Info("%s client unregistered", client.Kind)

			case <-ctx.Done():
				m.closeAll()
				close(m.done)
				return
			}
		}
	}()
}

// Attach registers a client. It reports false once the manager has stopped.
func (m *Manager) Attach(client *Client) bool {
	select {
	case m.Register <- client:
		return true
	case <-m.done:
		return false
	}
}

// Detach unregisters a client and closes its send channel.
func (m *Manager) Detach(client *Client) {
	select {
	case m.Unregister <- client:
	case <-m.done:
	}
}

func (m *Manager) add(client *Client) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if client.Kind != PanelClient {
		return
	}
	if m.rooms[client.RoomID] == nil {
		m.rooms[client.RoomID] = make(map[*Client]bool)
	}
	m.rooms[client.RoomID][client] = true
	if m.users[client.UserID] == nil {
		m.users[client.UserID] = make(map[*Client]bool)
	}
	m.users[client.UserID][client] = true
}

func (m *Manager) remove(client *Client) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.removeLocked(client)
}

func (m *Manager) removeLocked(client *Client) {
	if clients, ok := m.rooms[client.RoomID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(m.rooms, client.RoomID)
		}
	}
	if clients, ok := m.users[client.UserID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(m.users, client.UserID)
		}
	}
	client.closeSend()
}

func (m *Manager) closeAll() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, clients := range m.rooms {
		for client := range clients {
			m.removeLocked(client)
		}
	}
}

// ClientCount returns the number of panel connections in a room.
func (m *Manager) ClientCount(roomID string) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.rooms[roomID])
}

// HasOtherPanel reports whether the client's user still has another panel open.
func (m *Manager) HasOtherPanel(client *Client) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for other := range m.users[client.UserID] {
		if other != client {
			return true
		}
	}
	return false
}

// Broadcast sends a notification to every panel in the room.
func (m *Manager) Broadcast(roomID string, msg service.Notification) {
	data, ok := encode(msg)
	if !ok {
		return
	}
	m.mutex.RLock()
	clients := make([]*Client, 0, len(m.rooms[roomID]))
	for client := range m.rooms[roomID] {
		clients = append(clients, client)
	}
	m.mutex.RUnlock()

	for _, client := range clients {
		m.deliver(client, data)
	}
}

// SendToUser sends a notification to every panel the user has open.
func (m *Manager) SendToUser(userID string, msg service.Notification) {
	data, ok := encode(msg)
	if !ok {
		return
	}
	m.mutex.RLock()
	clients := make([]*Client, 0, len(m.users[userID]))
	for client := range m.users[userID] {
		clients = append(clients, client)
	}
	m.mutex.RUnlock()

	for _, client := range clients {
		m.deliver(client, data)
	}
}

// deliver drops a client whose send buffer is full.
func (m *Manager) deliver(client *Client, data []byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.users[client.UserID][client] {
		return
	}
	select {
	case client.Send <- data:
	default:
		logger.For("ws", client.RoomID, client.UserID).Warn("send buffer full, dropping client")
		m.removeLocked(client)
	}
}

func (m *Manager) sendToClient(client *Client, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("failed to marshal %s message: %v", msg.Type, err)
		return
	}
	m.deliver(client, data)
}

func encode(msg service.Notification) ([]byte, bool) {
	data, err := json.Marshal(WSMessage{
		Type:      msg.Type,
		Data:      msg.Data,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	if err != nil {
		logger.Error("failed to marshal %s notification: %v", msg.Type, err)
		return nil, false
	}
	return data, true
}

// ReadPump feeds inbound frames to handle until the connection closes.
func (c *Client) ReadPump(m *Manager, handle func(messageType int, data []byte)) {
	defer func() {
		m.Detach(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.For("ws", c.RoomID, c.UserID).Warn("read error: %v", err)
			}
			return
		}
		handle(messageType, message)
	}
}

// WritePump sends queued messages and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.For("ws", c.RoomID, c.UserID).Warn("write error: %v", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
