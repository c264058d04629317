package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"

	"pactroom/internal/domain/entity"
	"pactroom/pkg/errors"
	"pactroom/pkg/logger"
	"pactroom/pkg/response"
)

// Inbound message types
const (
	MessageTypePing                   = "ping"
	MessageTypePong                   = "pong"
	MessageTypeJoinRoom               = "join_room"
	MessageTypeSetProfile             = "set_profile"
	MessageTypeSignDocument           = "sign_document"
	MessageTypeConfirmMilestone       = "confirm_milestone"
	MessageTypeProposeMilestoneAmount = "propose_milestone_amount"
	MessageTypeApproveMilestoneAmount = "approve_milestone_amount"
	MessageTypeReleaseEscrow          = "release_escrow"
	MessageTypeSetTriggerKeyword      = "set_trigger_keyword"
	MessageTypeError                  = "error"
)

type WSMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

type inboundMessage struct {
	Type string          `json:"type" validate:"required"`
	Data json.RawMessage `json:"data"`
}

type JoinRoomData struct {
	RoomID        string `json:"room_id" validate:"omitempty,max=64"`
	DisplayName   string `json:"display_name" validate:"max=80"`
	Role          string `json:"role" validate:"max=80"`
	BankAccountID string `json:"bank_account_id" validate:"max=64"`
}

type SetProfileData struct {
	DisplayName   string `json:"display_name" validate:"max=80"`
	Role          string `json:"role" validate:"max=80"`
	BankAccountID string `json:"bank_account_id" validate:"max=64"`
}

type SignDocumentData struct {
	DocumentID string `json:"document_id" validate:"max=64"`
}

type MilestoneData struct {
	MilestoneID string `json:"milestone_id" validate:"required,max=64"`
}

type MilestoneAmountData struct {
	MilestoneID string `json:"milestone_id" validate:"required,max=64"`
	Amount      int64  `json:"amount" validate:"gt=0"`
}

type TriggerKeywordData struct {
	Keyword string `json:"keyword" validate:"required,min=2,max=64"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RoomDispatcher is the set of room operations reachable from a panel socket.
type RoomDispatcher interface {
	JoinRoom(ctx context.Context, roomID string, profile entity.UserProfile) error
	SetProfile(roomID, userID string, profile entity.UserProfile) error
	SignDocument(ctx context.Context, roomID, userID, documentID string) (*entity.Document, error)
	ConfirmMilestone(ctx context.Context, roomID, userID, milestoneID string) (*entity.Milestone, error)
	ProposeMilestoneAmount(ctx context.Context, roomID, userID, milestoneID string, amount int64) (*entity.Milestone, error)
	ApproveMilestoneAmount(ctx context.Context, roomID, userID, milestoneID string) (*entity.Milestone, error)
	ReleaseEscrow(ctx context.Context, roomID, userID, milestoneID string) (*entity.Milestone, error)
	SetTriggerKeyword(roomID, userID, keyword string) error
}

var validate = validator.New()

// HandleClientMessage decodes, validates and dispatches one panel frame.
// Failures go back to the sender as an error message.
func (m *Manager) HandleClientMessage(ctx context.Context, client *Client, messageBytes []byte) {
	log := logger.For("ws", client.RoomID, client.UserID)

	var msg inboundMessage
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		m.sendError(client, errors.BadRequest("invalid message format", err))
		return
	}
	if err := validate.Struct(msg); err != nil {
		m.sendError(client, errors.BadRequest("message type is required", err))
		return
	}

	if msg.Type == MessageTypePing {
		m.sendToClient(client, WSMessage{
			Type:      MessageTypePong,
			Data:      map[string]string{"status": "alive"},
			Timestamp: time.Now().Format(time.RFC3339),
		})
		return
	}

	if m.limiter != nil && !m.limiter.Allow(client.UserID, msg.Type) {
		log.Warn("rate limited %s", msg.Type)
		m.sendError(client, errors.TooManyRequests("too many "+msg.Type+" messages, slow down"))
		return
	}

	m.mutex.RLock()
	dispatcher := m.dispatcher
	m.mutex.RUnlock()
	if dispatcher == nil {
		m.sendError(client, errors.Unavailable("room service is not ready", nil))
		return
	}

	log.Debug("received %s", msg.Type)
	if err := m.dispatch(ctx, dispatcher, client, msg); err != nil {
		log.Warn("%s failed: %v", msg.Type, err)
		m.sendError(client, err)
	}
}

func (m *Manager) dispatch(ctx context.Context, rooms RoomDispatcher, client *Client, msg inboundMessage) error {
	switch msg.Type {
	case MessageTypeJoinRoom:
		var data JoinRoomData
		if err := decode(msg.Data, &data); err != nil {
			return err
		}
		if data.RoomID != "" && data.RoomID != client.RoomID {
			return errors.BadRequest("room_id does not match this connection", nil)
		}
		return rooms.JoinRoom(ctx, client.RoomID, entity.UserProfile{
			UserID:        client.UserID,
			DisplayName:   data.DisplayName,
			Role:          data.Role,
			BankAccountID: data.BankAccountID,
		})

	case MessageTypeSetProfile:
		var data SetProfileData
		if err := decode(msg.Data, &data); err != nil {
			return err
		}
		return rooms.SetProfile(client.RoomID, client.UserID, entity.UserProfile{
			DisplayName:   data.DisplayName,
			Role:          data.Role,
			BankAccountID: data.BankAccountID,
		})

	case MessageTypeSignDocument:
		var data SignDocumentData
		if err := decode(msg.Data, &data); err != nil {
			return err
		}
		_, err := rooms.SignDocument(ctx, client.RoomID, client.UserID, data.DocumentID)
		return err

	case MessageTypeConfirmMilestone, MessageTypeApproveMilestoneAmount, MessageTypeReleaseEscrow:
		var data MilestoneData
		if err := decode(msg.Data, &data); err != nil {
			return err
		}
		var err error
		switch msg.Type {
		case MessageTypeConfirmMilestone:
			_, err = rooms.ConfirmMilestone(ctx, client.RoomID, client.UserID, data.MilestoneID)
		case MessageTypeApproveMilestoneAmount:
			_, err = rooms.ApproveMilestoneAmount(ctx, client.RoomID, client.UserID, data.MilestoneID)
		default:
			_, err = rooms.ReleaseEscrow(ctx, client.RoomID, client.UserID, data.MilestoneID)
		}
		return err

	case MessageTypeProposeMilestoneAmount:
		var data MilestoneAmountData
		if err := decode(msg.Data, &data); err != nil {
			return err
		}
		_, err := rooms.ProposeMilestoneAmount(ctx, client.RoomID, client.UserID, data.MilestoneID, data.Amount)
		return err

	case MessageTypeSetTriggerKeyword:
		var data TriggerKeywordData
		if err := decode(msg.Data, &data); err != nil {
			return err
		}
		return rooms.SetTriggerKeyword(client.RoomID, client.UserID, data.Keyword)

	default:
		return errors.BadRequest("unknown message type "+msg.Type, nil)
	}
}

func decode(raw json.RawMessage, out interface{}) error {
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, out); err != nil {
			return errors.BadRequest("invalid message data", err)
		}
	}
	if err := validate.Struct(out); err != nil {
		return errors.BadRequest(validationMessage(err), err)
	}
	return nil
}

func validationMessage(err error) string {
	if fieldErrs, ok := err.(validator.ValidationErrors); ok {
		return response.ValidationMessage(fieldErrs)
	}
	return "invalid message data"
}

// sendError replies to the sender with an error message.
func (m *Manager) sendError(client *Client, err error) {
	m.sendToClient(client, WSMessage{
		Type: MessageTypeError,
		Data: ErrorData{
			Code:    errors.CodeOf(err),
			Message: errors.MessageOf(err),
		},
		Timestamp: time.Now().Format(time.RFC3339),
	})
}
