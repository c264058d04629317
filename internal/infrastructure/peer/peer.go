// Package peer provides the in-process hand-off between the two agents of a room.
//
// Each endpoint owns an inbox drained by a single goroutine, so delivery keeps
// send order and never runs on the sender's stack.
package peer

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Send once either side of the pair has been closed.
var ErrClosed = errors.New("peer channel closed")

const (
	KindNegotiation = "negotiation"
	KindText        = "text"
)

type Message struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Kind    string          `json:"kind"`
	Body    string          `json:"body,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

type Handler func(Message)

type Endpoint struct {
	userID string
	peer   *Endpoint

	mu      sync.Mutex
	queue   []Message
	handler Handler
	closed  bool

	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewPair connects two endpoints; a's sends arrive at b's handler and vice versa.
func NewPair(userA, userB string) (*Endpoint, *Endpoint) {
	a := newEndpoint(userA)
	b := newEndpoint(userB)
	a.peer = b
	b.peer = a
	go a.run()
	go b.run()
	return a, b
}

func newEndpoint(userID string) *Endpoint {
	return &Endpoint{
		userID: userID,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (e *Endpoint) UserID() string { return e.userID }

func (e *Endpoint) PeerID() string { return e.peer.userID }

// SetHandler installs the receiver. Messages queued before a handler exists are kept.
func (e *Endpoint) SetHandler(h Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
	e.wake()
}

// Send queues a message for the counterpart and returns immediately.
func (e *Endpoint) Send(kind, body string, payload interface{}) error {
	msg := Message{
		From:   e.userID,
		To:     e.peer.userID,
		Kind:   kind,
		Body:   body,
		SentAt: time.Now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Payload = raw
	}

	e.mu.Lock()
	selfClosed := e.closed
	e.mu.Unlock()
	if selfClosed {
		return ErrClosed
	}
	return e.peer.enqueue(msg)
}

func (e *Endpoint) enqueue(msg Message) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.queue = append(e.queue, msg)
	e.mu.Unlock()
	e.wake()
	return nil
}

func (e *Endpoint) wake() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Endpoint) run() {
	for {
		select {
		case <-e.done:
			return
		case <-e.signal:
		}

		for {
			e.mu.Lock()
			if e.closed || e.handler == nil || len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			msg := e.queue[0]
			e.queue = e.queue[1:]
			handler := e.handler
			e.mu.Unlock()

			handler(msg)
		}
	}
}

// Pending reports how many messages wait for delivery.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Close stops delivery on this endpoint and refuses further sends to it. Undelivered messages are dropped.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.queue = nil
		e.mu.Unlock()
		close(e.done)
	})
}

// ClosePair closes both endpoints.
func (e *Endpoint) ClosePair() {
	e.Close()
	e.peer.Close()
}
