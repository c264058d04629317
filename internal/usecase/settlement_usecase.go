package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pactroom/internal/domain/entity"
	"pactroom/internal/domain/service"
	"pactroom/pkg/errors"
	"pactroom/pkg/logger"
)

const (
	StepProcessing = "processing"
	StepSucceeded  = "succeeded"
	StepFailed     = "failed"

	ReceiptCharge  = "charge"
	ReceiptHold    = "escrow_hold"
	ReceiptCapture = "escrow_capture"
	ReceiptRelease = "escrow_release"
)

type ExecutionStep struct {
	DocumentID    string              `json:"document_id"`
	LineItemIndex int                 `json:"line_item_index"`
	Description   string              `json:"description"`
	Type          entity.LineItemType `json:"type"`
	Amount        int64               `json:"amount"`
	Status        string              `json:"status"`
	Reference     string              `json:"reference,omitempty"`
	Error         string              `json:"error,omitempty"`
}

type PaymentReceipt struct {
	DocumentID    string    `json:"document_id"`
	LineItemIndex int       `json:"line_item_index"`
	Kind          string    `json:"kind"`
	Description   string    `json:"description"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	PayerID       string    `json:"payer_id"`
	RecipientID   string    `json:"recipient_id"`
	Reference     string    `json:"reference"`
	Timestamp     time.Time `json:"timestamp"`
}

type ExecutionSummary struct {
	DocumentID      string          `json:"document_id"`
	Succeeded       int             `json:"succeeded"`
	Failed          int             `json:"failed"`
	Steps           []ExecutionStep `json:"steps"`
	AlreadyExecuted bool            `json:"already_executed,omitempty"`
}

func (s *ExecutionSummary) PartialFailure() bool {
	return s.Failed > 0 && s.Succeeded > 0
}

type MilestoneUpdate struct {
	DocumentID string            `json:"document_id"`
	Milestone  *entity.Milestone `json:"milestone"`
}

// SettlementUseCase moves money for one signed agreement: immediate charges,
// escrow holds and the per-milestone capture or release that follows.
type SettlementUseCase struct {
	roomID     string
	payments   service.PaymentProcessor
	documents  service.DocumentStore
	notifier   service.Notifier
	onComplete func(*entity.Document)
	log        *logger.Scoped
	now        func() time.Time

	mu        sync.Mutex
	document  *entity.Document
	executed  bool
	completed bool
	busy      map[string]bool
}

func NewSettlementUseCase(roomID string, payments service.PaymentProcessor, documents service.DocumentStore, notifier service.Notifier) *SettlementUseCase {
	return &SettlementUseCase{
		roomID:     roomID,
		payments:   payments,
		documents:  documents,
		notifier:   notifier,
		onComplete: func(*entity.Document) {},
		log:        logger.For("settlement", roomID),
		now:        time.Now,
		busy:       make(map[string]bool),
	}
}

// OnComplete registers a callback run once every milestone has been captured or released.
func (uc *SettlementUseCase) OnComplete(fn func(*entity.Document)) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if fn != nil {
		uc.onComplete = fn
	}
}

// Attach binds the agreement this settlement operates on. A new document resets the payment state.
func (uc *SettlementUseCase) Attach(doc *entity.Document) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.document == nil || uc.document.ID != doc.ID {
		uc.executed = false
		uc.completed = false
		uc.busy = make(map[string]bool)
	}
	uc.document = doc.Clone()
}

func (uc *SettlementUseCase) Document() *entity.Document {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.document.Clone()
}

// Refresh adopts signatures and status from a newer copy without touching milestone state.
func (uc *SettlementUseCase) Refresh(doc *entity.Document) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.document == nil || uc.document.ID != doc.ID {
		return
	}
	uc.document.Signatures = doc.Clone().Signatures
	uc.document.Status = doc.Status
	uc.document.UpdatedAt = doc.UpdatedAt
}

func (uc *SettlementUseCase) PaymentsExecuted() bool {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.executed
}

// ExecutePayments charges immediate items and places holds for escrow and conditional
// items. It runs at most once per document; later calls return AlreadyExecuted.
func (uc *SettlementUseCase) ExecutePayments(ctx context.Context) (*ExecutionSummary, error) {
	uc.mu.Lock()
	doc := uc.document
	if doc == nil {
		uc.mu.Unlock()
		return nil, errors.InvalidState("there is no agreement to settle")
	}
	if uc.executed {
		uc.mu.Unlock()
		return &ExecutionSummary{DocumentID: doc.ID, AlreadyExecuted: true}, nil
	}
	if !doc.FullySigned() {
		uc.mu.Unlock()
		return nil, errors.InvalidState("both parties must sign before payments run")
	}
	uc.executed = true
	docID := doc.ID
	parties := doc.Parties
	proposal := doc.Proposal.Clone()
	uc.mu.Unlock()

	uc.log.Info("executing %d line items for document %s", len(proposal.LineItems), docID)
	summary := &ExecutionSummary{DocumentID: docID}

	for i, item := range proposal.LineItems {
		step := ExecutionStep{
			DocumentID:    docID,
			LineItemIndex: i,
			Description:   item.Description,
			Type:          item.Type,
			Amount:        item.Amount,
			Status:        StepProcessing,
		}
		uc.broadcast(service.NotifyExecutionStep, step)

		req := service.PaymentRequest{
			Amount:      item.Amount,
			Currency:    proposal.Currency,
			Description: item.Description,
			RecipientID: parties.ProviderID,
			PayerID:     parties.ClientID,
		}

		var receipt *PaymentReceipt
		if item.Held() {
			if item.IsRangePriced() {
				req.Amount = *item.MaxAmount
			}
			hold, err := uc.payments.CreateEscrowHold(ctx, req)
			if err != nil {
				step.Status = StepFailed
				step.Error = err.Error()
			} else {
				step.Status = StepSucceeded
				step.Reference = hold.HoldID
				uc.linkHold(i, hold.HoldID)
				receipt = uc.receipt(docID, i, ReceiptHold, item.Description, req, hold.HoldID)
			}
		} else {
			result, err := uc.payments.ExecutePayment(ctx, req)
			switch {
			case err != nil:
				step.Status = StepFailed
				step.Error = err.Error()
			case !result.Success:
				step.Status = StepFailed
				step.Error = result.Error
			default:
				step.Status = StepSucceeded
				step.Reference = result.PaymentIntentID
				receipt = uc.receipt(docID, i, ReceiptCharge, item.Description, req, result.PaymentIntentID)
			}
		}

		if step.Status == StepSucceeded {
			summary.Succeeded++
		} else {
			summary.Failed++
			uc.log.Warn("line item %d (%s) failed: %s", i, item.Description, step.Error)
		}
		summary.Steps = append(summary.Steps, step)
		uc.broadcast(service.NotifyExecutionStep, step)
		if receipt != nil {
			uc.broadcast(service.NotifyPaymentReceipt, receipt)
		}
	}

	uc.persist(ctx, "")
	uc.log.Info("payments for %s finished: %d succeeded, %d failed", docID, summary.Succeeded, summary.Failed)
	return summary, nil
}

// ConfirmMilestone records one side's confirmation. Once both sides confirm, a
// fixed-price milestone is captured and a range-priced one waits for an amount.
func (uc *SettlementUseCase) ConfirmMilestone(ctx context.Context, userID, milestoneID string) (*entity.Milestone, error) {
	uc.mu.Lock()
	m, role, err := uc.lookupLocked(userID, milestoneID)
	if err != nil {
		uc.mu.Unlock()
		return nil, err
	}
	if m.Status.IsFinal() || m.Status == entity.MilestonePendingAmount {
		uc.mu.Unlock()
		return nil, errors.InvalidState(fmt.Sprintf("milestone is already %s", m.Status))
	}

	if role == partyProvider {
		if m.ProviderConfirmed {
			uc.mu.Unlock()
			return nil, errors.BadRequest("you have already confirmed this milestone", nil)
		}
		m.ProviderConfirmed = true
		m.Status = entity.MilestoneProviderConfirmed
	} else {
		if m.ClientConfirmed {
			uc.mu.Unlock()
			return nil, errors.BadRequest("you have already confirmed this milestone", nil)
		}
		m.ClientConfirmed = true
		m.Status = entity.MilestoneClientConfirmed
	}
	m.UpdatedAt = uc.now()

	if !(m.ProviderConfirmed && m.ClientConfirmed) {
		snapshot := m.Clone()
		uc.mu.Unlock()
		uc.persist(ctx, milestoneID)
		return snapshot, nil
	}

	if m.IsRangePriced() {
		m.Status = entity.MilestonePendingAmount
		snapshot := m.Clone()
		uc.mu.Unlock()
		uc.log.Info("milestone %s confirmed by both sides, waiting for the final amount", milestoneID)
		uc.persist(ctx, milestoneID)
		return snapshot, nil
	}

	amount := m.Amount
	uc.mu.Unlock()

	snapshot, err := uc.capture(ctx, userID, milestoneID, amount, func(m *entity.Milestone) {
		// let the same side confirm again to retry the capture
		if role == partyProvider {
			m.ProviderConfirmed = false
			m.Status = entity.MilestoneClientConfirmed
		} else {
			m.ClientConfirmed = false
			m.Status = entity.MilestoneProviderConfirmed
		}
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// ProposeMilestoneAmount lets the provider name the final figure of a range-priced milestone.
func (uc *SettlementUseCase) ProposeMilestoneAmount(ctx context.Context, userID, milestoneID string, amount int64) (*entity.Milestone, error) {
	uc.mu.Lock()
	m, role, err := uc.lookupLocked(userID, milestoneID)
	if err != nil {
		uc.mu.Unlock()
		return nil, err
	}
	if role != partyProvider {
		uc.mu.Unlock()
		return nil, errors.Forbidden("only the provider can propose the final amount", nil)
	}
	if m.Status != entity.MilestonePendingAmount {
		uc.mu.Unlock()
		return nil, errors.InvalidState("the milestone is not waiting for a final amount")
	}
	if !m.InRange(amount) {
		uc.mu.Unlock()
		return nil, errors.BadRequest(fmt.Sprintf("amount must be between %d and %d", *m.MinAmount, *m.MaxAmount), nil)
	}
	m.ProposedAmount = &amount
	m.ApprovedAmount = nil
	m.UpdatedAt = uc.now()
	snapshot := m.Clone()
	uc.mu.Unlock()

	uc.log.Info("provider proposed %d for milestone %s", amount, milestoneID)
	uc.persist(ctx, milestoneID)
	return snapshot, nil
}

// ApproveMilestoneAmount lets the client accept the proposed figure, which is then captured.
func (uc *SettlementUseCase) ApproveMilestoneAmount(ctx context.Context, userID, milestoneID string) (*entity.Milestone, error) {
	uc.mu.Lock()
	m, role, err := uc.lookupLocked(userID, milestoneID)
	if err != nil {
		uc.mu.Unlock()
		return nil, err
	}
	if role != partyClient {
		uc.mu.Unlock()
		return nil, errors.Forbidden("only the client can approve the final amount", nil)
	}
	if m.Status != entity.MilestonePendingAmount {
		uc.mu.Unlock()
		return nil, errors.InvalidState("the milestone is not waiting for a final amount")
	}
	if m.ProposedAmount == nil {
		uc.mu.Unlock()
		return nil, errors.InvalidState("the provider has not proposed an amount yet")
	}
	amount := *m.ProposedAmount
	uc.mu.Unlock()

	return uc.capture(ctx, userID, milestoneID, amount, func(m *entity.Milestone) {
		m.Status = entity.MilestonePendingAmount
	}, func(m *entity.Milestone) {
		approved := amount
		m.ApprovedAmount = &approved
	})
}

// ReleaseEscrow returns a held milestone to the client. Only the provider may give up funds.
func (uc *SettlementUseCase) ReleaseEscrow(ctx context.Context, userID, milestoneID string) (*entity.Milestone, error) {
	uc.mu.Lock()
	m, role, err := uc.lookupLocked(userID, milestoneID)
	if err != nil {
		uc.mu.Unlock()
		return nil, err
	}
	if role != partyProvider {
		uc.mu.Unlock()
		return nil, errors.Forbidden("only the provider can release escrow", nil)
	}
	if m.Status.IsFinal() {
		uc.mu.Unlock()
		return nil, errors.InvalidState(fmt.Sprintf("milestone is already %s", m.Status))
	}
	if uc.busy[milestoneID] {
		uc.mu.Unlock()
		return nil, errors.Conflict("the milestone is being settled")
	}
	if m.EscrowHoldID == "" {
		uc.mu.Unlock()
		return nil, errors.InvalidState("no escrow hold exists for this milestone")
	}
	holdID := m.EscrowHoldID
	uc.busy[milestoneID] = true
	uc.mu.Unlock()

	err = uc.payments.ReleaseEscrow(ctx, holdID)

	uc.mu.Lock()
	delete(uc.busy, milestoneID)
	if err != nil {
		uc.mu.Unlock()
		uc.log.Error("release of hold %s failed: %v", holdID, err)
		return nil, errors.Unavailable("failed to release escrow", err)
	}
	now := uc.now()
	m.Status = entity.MilestoneReleased
	m.CompletedAt = &now
	m.CompletedBy = userID
	m.UpdatedAt = now
	snapshot := m.Clone()
	released := m.Amount
	if m.IsRangePriced() {
		released = *m.MaxAmount
	}
	receipt := uc.milestoneReceiptLocked(m, ReceiptRelease, released, holdID)
	uc.mu.Unlock()

	uc.log.Info("milestone %s released back to the client", milestoneID)
	uc.broadcast(service.NotifyPaymentReceipt, receipt)
	uc.persist(ctx, milestoneID)
	return snapshot, nil
}

// capture takes amount from the milestone's hold and completes it. On failure
// revert puts the milestone back so the last step can be retried.
func (uc *SettlementUseCase) capture(ctx context.Context, userID, milestoneID string, amount int64, revert func(*entity.Milestone), onSuccess ...func(*entity.Milestone)) (*entity.Milestone, error) {
	uc.mu.Lock()
	m, _, err := uc.lookupLocked(userID, milestoneID)
	if err != nil {
		uc.mu.Unlock()
		return nil, err
	}
	if m.Status.IsFinal() {
		uc.mu.Unlock()
		return nil, errors.InvalidState(fmt.Sprintf("milestone is already %s", m.Status))
	}
	if uc.busy[milestoneID] {
		revert(m)
		uc.mu.Unlock()
		return nil, errors.Conflict("the milestone is being settled")
	}
	holdID := m.EscrowHoldID
	uc.busy[milestoneID] = true
	uc.mu.Unlock()

	var captureErr error
	if holdID != "" {
		captureErr = uc.payments.CaptureEscrow(ctx, holdID, &amount)
	} else {
		uc.log.Warn("milestone %s has no escrow hold; completing without capture", milestoneID)
	}

	uc.mu.Lock()
	delete(uc.busy, milestoneID)
	if captureErr != nil {
		revert(m)
		m.UpdatedAt = uc.now()
		uc.mu.Unlock()
		uc.log.Error("capture of %d from hold %s failed: %v", amount, holdID, captureErr)
		uc.persist(ctx, milestoneID)
		return nil, errors.Unavailable("failed to capture escrow", captureErr)
	}
	now := uc.now()
	m.Status = entity.MilestoneCompleted
	if holdID != "" {
		m.CapturedAmount = amount
	}
	m.CompletedAt = &now
	m.CompletedBy = userID
	m.UpdatedAt = now
	for _, fn := range onSuccess {
		fn(m)
	}
	snapshot := m.Clone()
	var receipt *PaymentReceipt
	if holdID != "" {
		receipt = uc.milestoneReceiptLocked(m, ReceiptCapture, amount, holdID)
	}
	uc.mu.Unlock()

	uc.log.Info("milestone %s completed, captured %d", milestoneID, amount)
	if receipt != nil {
		uc.broadcast(service.NotifyPaymentReceipt, receipt)
	}
	uc.persist(ctx, milestoneID)
	return snapshot, nil
}

type partyRole int

const (
	partyProvider partyRole = iota + 1
	partyClient
)

func (uc *SettlementUseCase) lookupLocked(userID, milestoneID string) (*entity.Milestone, partyRole, error) {
	if uc.document == nil {
		return nil, 0, errors.InvalidState("there is no agreement to settle")
	}
	if !uc.executed {
		return nil, 0, errors.InvalidState("the agreement has not been signed and funded yet")
	}
	var role partyRole
	switch userID {
	case uc.document.Parties.ProviderID:
		role = partyProvider
	case uc.document.Parties.ClientID:
		role = partyClient
	default:
		return nil, 0, errors.NotAParty("you are not a party to this agreement")
	}
	for _, m := range uc.document.Milestones {
		if m.ID == milestoneID {
			return m, role, nil
		}
	}
	return nil, 0, errors.NotFound("Milestone", nil)
}

func (uc *SettlementUseCase) linkHold(lineItemIndex int, holdID string) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	for _, m := range uc.document.Milestones {
		if m.LineItemIndex == lineItemIndex {
			m.EscrowHoldID = holdID
			m.UpdatedAt = uc.now()
			return
		}
	}
	uc.log.Warn("hold %s has no milestone for line item %d", holdID, lineItemIndex)
}

func (uc *SettlementUseCase) receipt(docID string, index int, kind, description string, req service.PaymentRequest, reference string) *PaymentReceipt {
	return &PaymentReceipt{
		DocumentID:    docID,
		LineItemIndex: index,
		Kind:          kind,
		Description:   description,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PayerID:       req.PayerID,
		RecipientID:   req.RecipientID,
		Reference:     reference,
		Timestamp:     uc.now(),
	}
}

func (uc *SettlementUseCase) milestoneReceiptLocked(m *entity.Milestone, kind string, amount int64, holdID string) *PaymentReceipt {
	req := service.PaymentRequest{
		Amount:      amount,
		Currency:    m.Currency,
		RecipientID: uc.document.Parties.ProviderID,
		PayerID:     uc.document.Parties.ClientID,
	}
	if kind == ReceiptRelease {
		req.RecipientID = uc.document.Parties.ClientID
		req.PayerID = ""
	}
	return uc.receipt(uc.document.ID, m.LineItemIndex, kind, m.Title, req, holdID)
}

// persist stores the milestones, broadcasts what changed and fires completion once.
// An empty milestoneID broadcasts every milestone.
func (uc *SettlementUseCase) persist(ctx context.Context, milestoneID string) {
	uc.mu.Lock()
	docID := uc.document.ID
	milestones := make([]*entity.Milestone, len(uc.document.Milestones))
	for i, m := range uc.document.Milestones {
		milestones[i] = m.Clone()
	}
	uc.mu.Unlock()

	for _, m := range milestones {
		if milestoneID == "" || m.ID == milestoneID {
			uc.broadcast(service.NotifyMilestone, MilestoneUpdate{DocumentID: docID, Milestone: m})
		}
	}

	stored, err := uc.documents.UpdateMilestones(ctx, docID, milestones)
	if err != nil {
		uc.log.Error("failed to store milestones of %s: %v", docID, err)
		uc.broadcast(service.NotifyDocument, uc.Document())
		return
	}

	uc.mu.Lock()
	uc.document.Status = stored.Status
	uc.document.UpdatedAt = stored.UpdatedAt
	fire := stored.Status == entity.DocumentCompleted && !uc.completed
	if fire {
		uc.completed = true
	}
	onComplete := uc.onComplete
	snapshot := uc.document.Clone()
	uc.mu.Unlock()

	uc.broadcast(service.NotifyDocument, snapshot)
	if fire {
		uc.log.Info("every milestone of %s is settled", docID)
		if onComplete != nil {
			onComplete(snapshot)
		}
	}
}

func (uc *SettlementUseCase) broadcast(kind string, data interface{}) {
	if uc.notifier == nil {
		return
	}
	uc.notifier.Broadcast(uc.roomID, service.Notification{Type: kind, Data: data})
}
