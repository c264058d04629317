package usecase

import (
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"pactroom/internal/domain/entity"
	"pactroom/pkg/config"
	"pactroom/pkg/errors"
	"pactroom/pkg/logger"
)

// ErrNegotiationIgnored marks a message that referenced an unknown or finished negotiation.
// Such messages are expected when a timeout races an in-flight agent reply.
var ErrNegotiationIgnored = stderrors.New("negotiation message ignored")

type NegotiationEventType string

const (
	NegotiationEventCreated  NegotiationEventType = "created"
	NegotiationEventUpdated  NegotiationEventType = "updated"
	NegotiationEventAgreed   NegotiationEventType = "agreed"
	NegotiationEventRejected NegotiationEventType = "rejected"
	NegotiationEventExpired  NegotiationEventType = "expired"
)

type NegotiationEvent struct {
	Type        NegotiationEventType `json:"event"`
	Negotiation *entity.Negotiation  `json:"negotiation"`
}

type NegotiationListener func(NegotiationEvent)

type NegotiationMessageType string

const (
	MessageAgentCounter NegotiationMessageType = "agent_counter"
	MessageAgentAccept  NegotiationMessageType = "agent_accept"
	MessageAgentReject  NegotiationMessageType = "agent_reject"
)

type NegotiationMessage struct {
	Type          NegotiationMessageType `json:"type"`
	NegotiationID string                 `json:"negotiation_id"`
	Proposal      *entity.AgentProposal  `json:"proposal,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	FromAgent     string                 `json:"from_agent"`
}

// NegotiationProtocol tracks the proposal exchange of one room. At most one
// negotiation is non-terminal at a time; older ones are kept only as the last result.
type NegotiationProtocol struct {
	roomID   string
	cfg      config.NegotiationConfig
	listener NegotiationListener
	log      *logger.Scoped
	now      func() time.Time

	mu         sync.Mutex
	current    *entity.Negotiation
	roundTimer *time.Timer
	totalTimer *time.Timer
	roundSeq   uint64
	destroyed  bool
}

func NewNegotiationProtocol(roomID string, cfg config.NegotiationConfig, listener NegotiationListener) *NegotiationProtocol {
	if listener == nil {
		listener = func(NegotiationEvent) {}
	}
	return &NegotiationProtocol{
		roomID:   roomID,
		cfg:      cfg,
		listener: listener,
		log:      logger.For("negotiation", roomID),
		now:      time.Now,
	}
}

// Create starts a negotiation with the initiator's first proposal.
func (p *NegotiationProtocol) Create(initiatorID, responderID string, proposal *entity.AgentProposal) (*entity.Negotiation, error) {
	if proposal == nil {
		return nil, errors.BadRequest("proposal is required", nil)
	}
	if err := proposal.Validate(); err != nil {
		return nil, errors.BadRequest("invalid proposal: "+err.Error(), err)
	}
	if initiatorID == "" || responderID == "" || initiatorID == responderID {
		return nil, errors.BadRequest("a negotiation needs two distinct parties", nil)
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, errors.InvalidState("negotiation protocol has been shut down")
	}
	if p.current != nil && !p.current.Status.IsTerminal() {
		p.mu.Unlock()
		return nil, errors.NegotiationActive(p.roomID)
	}

	now := p.now()
	negotiation := &entity.Negotiation{
		ID:              uuid.New().String(),
		RoomID:          p.roomID,
		Status:          entity.NegotiationProposed,
		InitiatorID:     initiatorID,
		ResponderID:     responderID,
		CurrentProposal: proposal.Clone(),
		Rounds: []entity.Round{{
			Action:    entity.RoundPropose,
			Proposal:  proposal.Clone(),
			FromAgent: initiatorID,
			Timestamp: now,
		}},
		MaxRounds:      p.cfg.MaxRounds,
		RoundTimeoutMs: p.cfg.RoundTimeout.Milliseconds(),
		TotalTimeoutMs: p.cfg.TotalTimeout.Milliseconds(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	p.current = negotiation
	p.startTotalTimerLocked(negotiation.ID)
	p.resetRoundTimerLocked(negotiation.ID)
	snapshot := negotiation.Clone()
	p.mu.Unlock()

	p.log.Info("created %s: %s proposes %d %s to %s", snapshot.ID, initiatorID, proposal.TotalAmount, proposal.Currency, responderID)
	p.listener(NegotiationEvent{Type: NegotiationEventCreated, Negotiation: snapshot})
	return snapshot.Clone(), nil
}

// Handle applies a counter, accept or reject. Messages for another or an already
// finished negotiation return ErrNegotiationIgnored and change nothing.
func (p *NegotiationProtocol) Handle(msg NegotiationMessage) (*entity.Negotiation, error) {
	p.mu.Lock()
	negotiation := p.current
	if p.destroyed || negotiation == nil || negotiation.ID != msg.NegotiationID || negotiation.Status.IsTerminal() {
		p.mu.Unlock()
		p.log.Debug("ignoring %s for %s", msg.Type, msg.NegotiationID)
		return nil, ErrNegotiationIgnored
	}
	if !negotiation.IsParty(msg.FromAgent) {
		p.mu.Unlock()
		return nil, errors.NotAParty("only the negotiating parties can respond")
	}

	lastAuthor := negotiation.Rounds[len(negotiation.Rounds)-1].FromAgent
	now := p.now()
	var event NegotiationEventType

	switch msg.Type {
	case MessageAgentCounter:
		if lastAuthor == msg.FromAgent {
			p.mu.Unlock()
			return nil, errors.InvalidState("wait for the other party to respond before countering again")
		}
		if negotiation.CounterCount() >= negotiation.MaxRounds {
			p.expireLocked(negotiation, "maximum rounds reached")
			snapshot := negotiation.Clone()
			p.mu.Unlock()
			p.log.Info("%s expired: maximum of %d rounds reached", snapshot.ID, snapshot.MaxRounds)
			p.listener(NegotiationEvent{Type: NegotiationEventExpired, Negotiation: snapshot})
			return snapshot.Clone(), nil
		}
		if msg.Proposal == nil {
			p.mu.Unlock()
			return nil, errors.BadRequest("a counter needs a proposal", nil)
		}
		if err := msg.Proposal.Validate(); err != nil {
			p.mu.Unlock()
			return nil, errors.BadRequest("invalid proposal: "+err.Error(), err)
		}
		negotiation.Rounds = append(negotiation.Rounds, entity.Round{
			Action:    entity.RoundCounter,
			Proposal:  msg.Proposal.Clone(),
			Reason:    msg.Reason,
			FromAgent: msg.FromAgent,
			Timestamp: now,
		})
		negotiation.CurrentProposal = msg.Proposal.Clone()
		negotiation.Status = entity.NegotiationCountering
		p.resetRoundTimerLocked(negotiation.ID)
		event = NegotiationEventUpdated

	case MessageAgentAccept:
		if lastAuthor == msg.FromAgent {
			p.mu.Unlock()
			return nil, errors.InvalidState("a party cannot accept its own proposal")
		}
		negotiation.Rounds = append(negotiation.Rounds, entity.Round{
			Action:    entity.RoundAccept,
			Proposal:  negotiation.CurrentProposal.Clone(),
			Reason:    msg.Reason,
			FromAgent: msg.FromAgent,
			Timestamp: now,
		})
		negotiation.Status = entity.NegotiationAccepted
		p.stopTimersLocked()
		event = NegotiationEventAgreed

	case MessageAgentReject:
		negotiation.Rounds = append(negotiation.Rounds, entity.Round{
			Action:    entity.RoundReject,
			Reason:    msg.Reason,
			FromAgent: msg.FromAgent,
			Timestamp: now,
		})
		negotiation.Status = entity.NegotiationRejected
		p.stopTimersLocked()
		event = NegotiationEventRejected

	default:
		p.mu.Unlock()
		return nil, errors.BadRequest("unknown negotiation message type "+string(msg.Type), nil)
	}

	negotiation.UpdatedAt = now
	snapshot := negotiation.Clone()
	p.mu.Unlock()

	p.log.Info("%s %s by %s (status %s, %d rounds)", snapshot.ID, msg.Type, msg.FromAgent, snapshot.Status, len(snapshot.Rounds))
	p.listener(NegotiationEvent{Type: event, Negotiation: snapshot})
	return snapshot.Clone(), nil
}

// Current returns the latest negotiation in any status, or nil.
func (p *NegotiationProtocol) Current() *entity.Negotiation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.Clone()
}

// Active returns the non-terminal negotiation, or nil.
func (p *NegotiationProtocol) Active() *entity.Negotiation {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.Status.IsTerminal() {
		return nil
	}
	return p.current.Clone()
}

func (p *NegotiationProtocol) HasActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil && !p.current.Status.IsTerminal()
}

// Abort expires the active negotiation, if any, and notifies the listener.
func (p *NegotiationProtocol) Abort(reason string) {
	p.mu.Lock()
	negotiation := p.current
	if p.destroyed || negotiation == nil || negotiation.Status.IsTerminal() {
		p.mu.Unlock()
		return
	}
	p.expireLocked(negotiation, reason)
	snapshot := negotiation.Clone()
	p.mu.Unlock()

	p.log.Info("%s aborted: %s", snapshot.ID, reason)
	p.listener(NegotiationEvent{Type: NegotiationEventExpired, Negotiation: snapshot})
}

// Destroy cancels every timer. Nothing fires against the protocol afterwards.
func (p *NegotiationProtocol) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = true
	p.stopTimersLocked()
}

func (p *NegotiationProtocol) expireLocked(negotiation *entity.Negotiation, reason string) {
	negotiation.Status = entity.NegotiationExpired
	negotiation.ExpiryReason = reason
	negotiation.UpdatedAt = p.now()
	p.stopTimersLocked()
}

func (p *NegotiationProtocol) stopTimersLocked() {
	p.roundSeq++
	if p.roundTimer != nil {
		p.roundTimer.Stop()
		p.roundTimer = nil
	}
	if p.totalTimer != nil {
		p.totalTimer.Stop()
		p.totalTimer = nil
	}
}

func (p *NegotiationProtocol) resetRoundTimerLocked(negotiationID string) {
	if p.roundTimer != nil {
		p.roundTimer.Stop()
	}
	p.roundSeq++
	seq := p.roundSeq
	p.roundTimer = time.AfterFunc(p.cfg.RoundTimeout, func() {
		p.onTimeout(negotiationID, seq, "round timeout")
	})
}

func (p *NegotiationProtocol) startTotalTimerLocked(negotiationID string) {
	if p.totalTimer != nil {
		p.totalTimer.Stop()
	}
	p.totalTimer = time.AfterFunc(p.cfg.TotalTimeout, func() {
		p.onTimeout(negotiationID, 0, "total timeout")
	})
}

// onTimeout expires the negotiation if it is still the current, non-terminal one.
// seq 0 is the total timer; round timers carry the sequence they were armed with.
func (p *NegotiationProtocol) onTimeout(negotiationID string, seq uint64, reason string) {
	p.mu.Lock()
	negotiation := p.current
	if p.destroyed || negotiation == nil || negotiation.ID != negotiationID || negotiation.Status.IsTerminal() {
		p.mu.Unlock()
		return
	}
	if seq != 0 && seq != p.roundSeq {
		p.mu.Unlock()
		return
	}
	p.expireLocked(negotiation, reason)
	snapshot := negotiation.Clone()
	p.mu.Unlock()

	p.log.Info("%s expired: %s", snapshot.ID, reason)
	p.listener(NegotiationEvent{Type: NegotiationEventExpired, Negotiation: snapshot})
}
