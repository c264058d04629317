package entity

import "time"

type MilestoneStatus string

const (
	MilestonePending           MilestoneStatus = "pending"
	MilestoneProviderConfirmed MilestoneStatus = "provider_confirmed"
	MilestoneClientConfirmed   MilestoneStatus = "client_confirmed"
	MilestonePendingAmount     MilestoneStatus = "pending_amount"
	MilestoneCompleted         MilestoneStatus = "completed"
	MilestoneReleased          MilestoneStatus = "released"
)

func (s MilestoneStatus) IsFinal() bool {
	return s == MilestoneCompleted || s == MilestoneReleased
}

type Milestone struct {
	ID                 string          `json:"id" firestore:"id"`
	DocumentID         string          `json:"document_id" firestore:"documentId"`
	LineItemIndex      int             `json:"line_item_index" firestore:"lineItemIndex"`
	Title              string          `json:"title" firestore:"title"`
	Description        string          `json:"description" firestore:"description"`
	Amount             int64           `json:"amount" firestore:"amount"`
	Currency           string          `json:"currency" firestore:"currency"`
	Condition          string          `json:"condition,omitempty" firestore:"condition,omitempty"`
	MinAmount          *int64          `json:"min_amount,omitempty" firestore:"minAmount,omitempty"`
	MaxAmount          *int64          `json:"max_amount,omitempty" firestore:"maxAmount,omitempty"`
	Deliverables       []string        `json:"deliverables,omitempty" firestore:"deliverables,omitempty"`
	VerificationMethod string          `json:"verification_method,omitempty" firestore:"verificationMethod,omitempty"`
	CompletionCriteria []string        `json:"completion_criteria,omitempty" firestore:"completionCriteria,omitempty"`
	Timeline           string          `json:"timeline,omitempty" firestore:"timeline,omitempty"`
	ProviderConfirmed  bool            `json:"provider_confirmed" firestore:"providerConfirmed"`
	ClientConfirmed    bool            `json:"client_confirmed" firestore:"clientConfirmed"`
	Status             MilestoneStatus `json:"status" firestore:"status"`
	EscrowHoldID       string          `json:"escrow_hold_id,omitempty" firestore:"escrowHoldId,omitempty"`
	ProposedAmount     *int64          `json:"proposed_amount,omitempty" firestore:"proposedAmount,omitempty"`
	ApprovedAmount     *int64          `json:"approved_amount,omitempty" firestore:"approvedAmount,omitempty"`
	CapturedAmount     int64           `json:"captured_amount,omitempty" firestore:"capturedAmount,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty" firestore:"completedAt,omitempty"`
	CompletedBy        string          `json:"completed_by,omitempty" firestore:"completedBy,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at" firestore:"updatedAt"`
}

func (m *Milestone) IsRangePriced() bool {
	return m.MinAmount != nil && m.MaxAmount != nil
}

func (m *Milestone) InRange(amount int64) bool {
	if !m.IsRangePriced() {
		return amount == m.Amount
	}
	return amount >= *m.MinAmount && amount <= *m.MaxAmount
}

func (m *Milestone) Clone() *Milestone {
	out := *m
	out.Deliverables = append([]string(nil), m.Deliverables...)
	out.CompletionCriteria = append([]string(nil), m.CompletionCriteria...)
	return &out
}
