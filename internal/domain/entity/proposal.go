package entity

import (
	"fmt"
	"time"
)

type LineItemType string

const (
	LineItemImmediate   LineItemType = "immediate"
	LineItemEscrow      LineItemType = "escrow"
	LineItemConditional LineItemType = "conditional"
)

type PriceFactor struct {
	Name   string `json:"name" firestore:"name"`
	Impact int64  `json:"impact" firestore:"impact"`
	Note   string `json:"note,omitempty" firestore:"note,omitempty"`
}

// LineItem amounts are in minor currency units.
type LineItem struct {
	Description  string        `json:"description" firestore:"description"`
	Amount       int64         `json:"amount" firestore:"amount"`
	Type         LineItemType  `json:"type" firestore:"type"`
	Condition    string        `json:"condition,omitempty" firestore:"condition,omitempty"`
	MinAmount    *int64        `json:"min_amount,omitempty" firestore:"minAmount,omitempty"`
	MaxAmount    *int64        `json:"max_amount,omitempty" firestore:"maxAmount,omitempty"`
	PriceFactors []PriceFactor `json:"price_factors,omitempty" firestore:"priceFactors,omitempty"`
}

func (li LineItem) IsRangePriced() bool {
	return li.MinAmount != nil && li.MaxAmount != nil
}

func (li LineItem) Held() bool {
	return li.Type == LineItemEscrow || li.Type == LineItemConditional
}

type MilestoneSpec struct {
	LineItemIndex      int      `json:"line_item_index" firestore:"lineItemIndex"`
	Title              string   `json:"title" firestore:"title"`
	Deliverables       []string `json:"deliverables,omitempty" firestore:"deliverables,omitempty"`
	VerificationMethod string   `json:"verification_method,omitempty" firestore:"verificationMethod,omitempty"`
	CompletionCriteria []string `json:"completion_criteria,omitempty" firestore:"completionCriteria,omitempty"`
	Amount             int64    `json:"amount,omitempty" firestore:"amount,omitempty"`
	Timeline           string   `json:"timeline,omitempty" firestore:"timeline,omitempty"`
}

type AgentProposal struct {
	Summary       string          `json:"summary" firestore:"summary"`
	LineItems     []LineItem      `json:"line_items" firestore:"lineItems"`
	TotalAmount   int64           `json:"total_amount" firestore:"totalAmount"`
	Currency      string          `json:"currency" firestore:"currency"`
	Conditions    []string        `json:"conditions,omitempty" firestore:"conditions,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at" firestore:"expiresAt"`
	FactorSummary string          `json:"factor_summary,omitempty" firestore:"factorSummary,omitempty"`
	Milestones    []MilestoneSpec `json:"milestones,omitempty" firestore:"milestones,omitempty"`
}

// Validate checks the structural rules a proposal must satisfy before it enters a negotiation.
func (p *AgentProposal) Validate() error {
	if len(p.LineItems) == 0 {
		return fmt.Errorf("proposal has no line items")
	}
	var total int64
	for i, item := range p.LineItems {
		if item.Amount <= 0 {
			return fmt.Errorf("line item %d has a non-positive amount", i)
		}
		switch item.Type {
		case LineItemImmediate, LineItemEscrow, LineItemConditional:
		default:
			return fmt.Errorf("line item %d has unknown type %q", i, item.Type)
		}
		if (item.MinAmount == nil) != (item.MaxAmount == nil) {
			return fmt.Errorf("line item %d must set both min and max amount", i)
		}
		if item.IsRangePriced() {
			if *item.MinAmount > *item.MaxAmount {
				return fmt.Errorf("line item %d has min above max", i)
			}
			if item.Amount < *item.MinAmount || item.Amount > *item.MaxAmount {
				return fmt.Errorf("line item %d amount is outside its range", i)
			}
		}
		total += item.Amount
	}
	for _, spec := range p.Milestones {
		if spec.LineItemIndex < 0 || spec.LineItemIndex >= len(p.LineItems) {
			return fmt.Errorf("milestone %q references line item %d", spec.Title, spec.LineItemIndex)
		}
	}
	if p.TotalAmount == 0 {
		p.TotalAmount = total
	}
	return nil
}

// MilestoneSpecFor returns the milestone spec keyed to a line item, if any.
func (p *AgentProposal) MilestoneSpecFor(index int) *MilestoneSpec {
	for i := range p.Milestones {
		if p.Milestones[i].LineItemIndex == index {
			return &p.Milestones[i]
		}
	}
	return nil
}

func (p *AgentProposal) Clone() *AgentProposal {
	if p == nil {
		return nil
	}
	out := *p
	out.LineItems = make([]LineItem, len(p.LineItems))
	for i, item := range p.LineItems {
		out.LineItems[i] = item
		if item.MinAmount != nil {
			v := *item.MinAmount
			out.LineItems[i].MinAmount = &v
		}
		if item.MaxAmount != nil {
			v := *item.MaxAmount
			out.LineItems[i].MaxAmount = &v
		}
		out.LineItems[i].PriceFactors = append([]PriceFactor(nil), item.PriceFactors...)
	}
	out.Conditions = append([]string(nil), p.Conditions...)
	out.Milestones = append([]MilestoneSpec(nil), p.Milestones...)
	return &out
}
