package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pactroom/internal/domain/entity"
	"pactroom/internal/domain/service"
	"pactroom/internal/infrastructure/peer"
	"pactroom/pkg/errors"
)

const (
	ToolProposeDeal        = "propose_deal"
	ToolCounterProposal    = "counter_proposal"
	ToolAcceptProposal     = "accept_proposal"
	ToolRejectProposal     = "reject_proposal"
	ToolSendMessageToAgent = "send_message_to_agent"
	ToolCheckBalance       = "check_balance"
)

const proposalValidity = 24 * time.Hour

// NegotiationToolDeps binds one agent's tools to its room.
type NegotiationToolDeps struct {
	Self        entity.UserProfile
	Counterpart entity.UserProfile
	Protocol    *NegotiationProtocol
	Peer        *peer.Endpoint
	Balances    service.BalanceReader
	Currency    string
	// MayPropose reports whether this agent is allowed to open a negotiation. Nil allows it.
	MayPropose func() bool
}

// peerNegotiationPayload travels with every negotiation hand-off so the other
// agent can quote the exact negotiation id back.
type peerNegotiationPayload struct {
	Action        entity.RoundAction    `json:"action"`
	NegotiationID string                `json:"negotiation_id"`
	Status        string                `json:"status"`
	Proposal      *entity.AgentProposal `json:"proposal,omitempty"`
	Reason        string                `json:"reason,omitempty"`
}

type counterInput struct {
	NegotiationID string                `json:"negotiation_id"`
	Reason        string                `json:"reason"`
	Proposal      *entity.AgentProposal `json:"proposal"`
}

type decisionInput struct {
	NegotiationID string `json:"negotiation_id"`
	Reason        string `json:"reason"`
}

type agentMessageInput struct {
	Message string `json:"message"`
}

func NegotiationTools(deps NegotiationToolDeps) []Tool {
	tools := []Tool{
		{
			Definition: service.ToolDefinition{
				Name:        ToolProposeDeal,
				Description: "Open a negotiation by sending a structured proposal to the other party's agent. Only one negotiation can be open at a time.",
				InputSchema: proposalSchema(),
			},
			Handler: deps.proposeDeal,
		},
		{
			Definition: service.ToolDefinition{
				Name:        ToolCounterProposal,
				Description: "Reply to the open proposal with revised terms.",
				InputSchema: objectSchema(map[string]interface{}{
					"negotiation_id": stringProperty("Id of the open negotiation"),
					"reason":         stringProperty("Why the terms changed"),
					"proposal":       proposalSchema(),
				}, "negotiation_id", "proposal"),
			},
			Handler: deps.counterProposal,
		},
		{
			Definition: service.ToolDefinition{
				Name:        ToolAcceptProposal,
				Description: "Accept the other party's latest proposal. This creates the agreement document.",
				InputSchema: decisionSchema(),
			},
			Handler: deps.decide(MessageAgentAccept),
		},
		{
			Definition: service.ToolDefinition{
				Name:        ToolRejectProposal,
				Description: "End the negotiation without agreement.",
				InputSchema: decisionSchema(),
			},
			Handler: deps.decide(MessageAgentReject),
		},
		{
			Definition: service.ToolDefinition{
				Name:        ToolSendMessageToAgent,
				Description: "Send a free-text message to the other party's agent, for questions or clarifications.",
				InputSchema: objectSchema(map[string]interface{}{
					"message": stringProperty("The message"),
				}, "message"),
			},
			Handler: deps.sendMessage,
		},
	}
	if deps.Balances != nil {
		tools = append(tools, Tool{
			Definition: service.ToolDefinition{
				Name:        ToolCheckBalance,
				Description: "Read your principal's available bank balance in minor units.",
				InputSchema: objectSchema(map[string]interface{}{}),
			},
			Handler: deps.checkBalance,
		})
	}
	return tools
}

func (d NegotiationToolDeps) proposeDeal(ctx context.Context, input json.RawMessage) (string, error) {
	if d.MayPropose != nil && !d.MayPropose() {
		return "", errors.Forbidden("the other agent opens this negotiation; wait for their proposal", nil)
	}
	var proposal entity.AgentProposal
	if err := json.Unmarshal(input, &proposal); err != nil {
		return "", errors.BadRequest("proposal is not valid JSON: "+err.Error(), err)
	}
	d.applyDefaults(&proposal)

	negotiation, err := d.Protocol.Create(d.Self.UserID, d.Counterpart.UserID, &proposal)
	if err != nil {
		return "", err
	}

	body := fmt.Sprintf("%s's agent proposes: %s (total %s).", d.Self.Name(), proposal.Summary, formatAmount(negotiation.CurrentProposal.TotalAmount, proposal.Currency))
	if err := d.forward(entity.RoundPropose, negotiation, negotiation.CurrentProposal, "", body); err != nil {
		return "", err
	}
	return fmt.Sprintf("Proposal sent. negotiation_id=%s. Wait for the other agent to respond.", negotiation.ID), nil
}

func (d NegotiationToolDeps) counterProposal(ctx context.Context, input json.RawMessage) (string, error) {
	var in counterInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", errors.BadRequest("counter is not valid JSON: "+err.Error(), err)
	}
	if in.Proposal == nil {
		return "", errors.BadRequest("proposal is required", nil)
	}
	d.applyDefaults(in.Proposal)

	negotiation, err := d.Protocol.Handle(NegotiationMessage{
		Type:          MessageAgentCounter,
		NegotiationID: in.NegotiationID,
		Proposal:      in.Proposal,
		Reason:        in.Reason,
		FromAgent:     d.Self.UserID,
	})
	if err != nil {
		return "", ignoredAsError(err)
	}
	if negotiation.Status == entity.NegotiationExpired {
		return "The negotiation reached its round limit and expired without agreement.", nil
	}

	body := fmt.Sprintf("%s's agent counters: %s (total %s).", d.Self.Name(), in.Proposal.Summary, formatAmount(negotiation.CurrentProposal.TotalAmount, in.Proposal.Currency))
	if err := d.forward(entity.RoundCounter, negotiation, negotiation.CurrentProposal, in.Reason, body); err != nil {
		return "", err
	}
	return fmt.Sprintf("Counter-proposal sent (round %d of %d).", negotiation.CounterCount(), negotiation.MaxRounds), nil
}

func (d NegotiationToolDeps) decide(kind NegotiationMessageType) ToolHandler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var in decisionInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", errors.BadRequest("input is not valid JSON: "+err.Error(), err)
		}

		negotiation, err := d.Protocol.Handle(NegotiationMessage{
			Type:          kind,
			NegotiationID: in.NegotiationID,
			Reason:        in.Reason,
			FromAgent:     d.Self.UserID,
		})
		if err != nil {
			return "", ignoredAsError(err)
		}

		action := entity.RoundAccept
		body := fmt.Sprintf("%s's agent accepted the proposal.", d.Self.Name())
		result := "Proposal accepted. The agreement document is being prepared for both parties to sign."
		if kind == MessageAgentReject {
			action = entity.RoundReject
			body = fmt.Sprintf("%s's agent rejected the proposal.", d.Self.Name())
			result = "Negotiation ended without agreement."
		}
		if err := d.forward(action, negotiation, nil, in.Reason, body); err != nil {
			return "", err
		}
		return result, nil
	}
}

func (d NegotiationToolDeps) sendMessage(ctx context.Context, input json.RawMessage) (string, error) {
	var in agentMessageInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", errors.BadRequest("input is not valid JSON: "+err.Error(), err)
	}
	if strings.TrimSpace(in.Message) == "" {
		return "", errors.BadRequest("message is empty", nil)
	}
	if d.Peer == nil {
		return "", errors.Unavailable("the other agent is not connected", nil)
	}
	if err := d.Peer.Send(peer.KindText, in.Message, nil); err != nil {
		return "", errors.Unavailable("the other agent is not connected", err)
	}
	return "Message delivered.", nil
}

func (d NegotiationToolDeps) checkBalance(ctx context.Context, input json.RawMessage) (string, error) {
	balance, err := d.Balances.GetBalance(ctx, d.Self.UserID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Available balance: %s", formatAmount(balance.Available, balance.Currency)), nil
}

func (d NegotiationToolDeps) applyDefaults(p *entity.AgentProposal) {
	if p.Currency == "" {
		p.Currency = d.Currency
	}
	p.Currency = strings.ToLower(p.Currency)
	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = time.Now().Add(proposalValidity)
	}
}

func (d NegotiationToolDeps) forward(action entity.RoundAction, n *entity.Negotiation, proposal *entity.AgentProposal, reason, body string) error {
	if d.Peer == nil {
		return nil
	}
	payload, err := json.Marshal(peerNegotiationPayload{
		Action:        action,
		NegotiationID: n.ID,
		Status:        string(n.Status),
		Proposal:      proposal,
		Reason:        reason,
	})
	if err != nil {
		return errors.Internal("failed to encode negotiation message", err)
	}
	if err := d.Peer.Send(peer.KindNegotiation, body, payload); err != nil {
		return errors.Unavailable("the other agent is not connected", err)
	}
	return nil
}

// ignoredAsError turns a silently dropped protocol message into something the model can read.
func ignoredAsError(err error) error {
	if err == ErrNegotiationIgnored {
		return errors.InvalidState("that negotiation is no longer open")
	}
	return err
}

func formatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, strings.ToUpper(currency))
}

func stringProperty(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func decisionSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"negotiation_id": stringProperty("Id of the open negotiation"),
		"reason":         stringProperty("Short explanation for the other party"),
	}, "negotiation_id")
}

func proposalSchema() map[string]interface{} {
	integer := func(description string) map[string]interface{} {
		return map[string]interface{}{"type": "integer", "description": description}
	}
	stringList := func(description string) map[string]interface{} {
		return map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": description}
	}

	lineItem := objectSchema(map[string]interface{}{
		"description": stringProperty("What the money is for"),
		"amount":      integer("Amount in minor units"),
		"type": map[string]interface{}{
			"type": "string",
			"enum": []string{string(entity.LineItemImmediate), string(entity.LineItemEscrow), string(entity.LineItemConditional)},
		},
		"condition":  stringProperty("Release condition for conditional items"),
		"min_amount": integer("Lowest final amount for range-priced items"),
		"max_amount": integer("Highest final amount for range-priced items"),
		"price_factors": map[string]interface{}{
			"type": "array",
			"items": objectSchema(map[string]interface{}{
				"name":   stringProperty("Factor name"),
				"impact": integer("Effect on price in minor units"),
				"note":   stringProperty("Detail"),
			}, "name", "impact"),
		},
	}, "description", "amount", "type")

	milestone := objectSchema(map[string]interface{}{
		"line_item_index":     integer("Index of the held line item this milestone releases"),
		"title":               stringProperty("Milestone title"),
		"deliverables":        stringList("What will be delivered"),
		"verification_method": stringProperty("How completion is checked"),
		"completion_criteria": stringList("Conditions for completion"),
		"timeline":            stringProperty("Expected timing"),
	}, "line_item_index", "title")

	return objectSchema(map[string]interface{}{
		"summary":        stringProperty("One-line description of the deal"),
		"currency":       stringProperty("ISO currency code"),
		"line_items":     map[string]interface{}{"type": "array", "items": lineItem},
		"conditions":     stringList("General terms"),
		"factor_summary": stringProperty("How the price was reached"),
		"milestones":     map[string]interface{}{"type": "array", "items": milestone},
	}, "summary", "line_items")
}
