package entity

import "time"

type NegotiationStatus string

const (
	NegotiationProposed   NegotiationStatus = "proposed"
	NegotiationCountering NegotiationStatus = "countering"
	NegotiationAccepted   NegotiationStatus = "accepted"
	NegotiationRejected   NegotiationStatus = "rejected"
	NegotiationExpired    NegotiationStatus = "expired"
)

func (s NegotiationStatus) IsTerminal() bool {
	return s == NegotiationAccepted || s == NegotiationRejected || s == NegotiationExpired
}

type RoundAction string

const (
	RoundPropose RoundAction = "propose"
	RoundCounter RoundAction = "counter"
	RoundAccept  RoundAction = "accept"
	RoundReject  RoundAction = "reject"
)

type Round struct {
	Action    RoundAction    `json:"action" firestore:"action"`
	Proposal  *AgentProposal `json:"proposal,omitempty" firestore:"proposal,omitempty"`
	Reason    string         `json:"reason,omitempty" firestore:"reason,omitempty"`
	FromAgent string         `json:"from_agent" firestore:"fromAgent"`
	Timestamp time.Time      `json:"timestamp" firestore:"timestamp"`
}

// Negotiation is one propose/counter/decide exchange between two agents.
// Rounds records every step in order: the opening propose, at most MaxRounds
// counters and one closing accept or reject, so len(Rounds) never exceeds
// MaxRounds+2. MaxRounds bounds counters only.
type Negotiation struct {
	ID              string            `json:"id" firestore:"id"`
	RoomID          string            `json:"room_id" firestore:"roomId"`
	Status          NegotiationStatus `json:"status" firestore:"status"`
	InitiatorID     string            `json:"initiator_id" firestore:"initiatorId"`
	ResponderID     string            `json:"responder_id" firestore:"responderId"`
	CurrentProposal *AgentProposal    `json:"current_proposal" firestore:"currentProposal"`
	Rounds          []Round           `json:"rounds" firestore:"rounds"`
	MaxRounds       int               `json:"max_rounds" firestore:"maxRounds"`
	RoundTimeoutMs  int64             `json:"round_timeout_ms" firestore:"roundTimeoutMs"`
	TotalTimeoutMs  int64             `json:"total_timeout_ms" firestore:"totalTimeoutMs"`
	ExpiryReason    string            `json:"expiry_reason,omitempty" firestore:"expiryReason,omitempty"`
	CreatedAt       time.Time         `json:"created_at" firestore:"createdAt"`
	UpdatedAt       time.Time         `json:"updated_at" firestore:"updatedAt"`
}

// CounterCount is the number of counter rounds so far; MaxRounds bounds it.
func (n *Negotiation) CounterCount() int {
	count := 0
	for _, r := range n.Rounds {
		if r.Action == RoundCounter {
			count++
		}
	}
	return count
}

func (n *Negotiation) Counterpart(userID string) string {
	if userID == n.InitiatorID {
		return n.ResponderID
	}
	return n.InitiatorID
}

func (n *Negotiation) IsParty(userID string) bool {
	return userID == n.InitiatorID || userID == n.ResponderID
}

// Clone returns a deep enough copy to hand to listeners outside the owner's lock.
func (n *Negotiation) Clone() *Negotiation {
	if n == nil {
		return nil
	}
	out := *n
	out.CurrentProposal = n.CurrentProposal.Clone()
	out.Rounds = make([]Round, len(n.Rounds))
	for i, r := range n.Rounds {
		out.Rounds[i] = r
		out.Rounds[i].Proposal = r.Proposal.Clone()
	}
	return &out
}
