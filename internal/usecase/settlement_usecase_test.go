package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pactroom/internal/adapter/repository"
	"pactroom/internal/domain/entity"
	"pactroom/internal/domain/service"
	"pactroom/pkg/errors"
)

type recordingPayments struct {
	*service.SimplifiedPaymentService
	mu          sync.Mutex
	captures    []int64
	failCapture bool
}

func (r *recordingPayments) CaptureEscrow(ctx context.Context, holdID string, amount *int64) error {
	r.mu.Lock()
	fail := r.failCapture
	if !fail {
		r.captures = append(r.captures, *amount)
	}
	r.mu.Unlock()
	if fail {
		return fmt.Errorf("processor unavailable")
	}
	return r.SimplifiedPaymentService.CaptureEscrow(ctx, holdID, amount)
}

func (r *recordingPayments) captured() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.captures...)
}

type settlementHarness struct {
	settlement *SettlementUseCase
	payments   *recordingPayments
	notifier   *fakeNotifier
	doc        *entity.Document
	completed  chan *entity.Document
}

func newSettlementHarness(t *testing.T, proposal *entity.AgentProposal, startingBalance int64) *settlementHarness {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, proposal.Validate())

	documents := NewDocumentUseCase(repository.NewMemoryDocumentRepository(), nil)
	doc, err := documents.GenerateDocument(ctx, nil, proposal, repairParties(), service.DocumentContext{RoomID: "room-1"})
	require.NoError(t, err)
	_, err = documents.SignDocument(ctx, doc.ID, "alice")
	require.NoError(t, err)
	doc, err = documents.SignDocument(ctx, doc.ID, "bob")
	require.NoError(t, err)

	h := &settlementHarness{
		payments:  &recordingPayments{SimplifiedPaymentService: service.NewSimplifiedPaymentService(startingBalance, "gbp")},
		notifier:  &fakeNotifier{},
		doc:       doc,
		completed: make(chan *entity.Document, 2),
	}
	h.settlement = NewSettlementUseCase("room-1", h.payments, documents, h.notifier)
	h.settlement.OnComplete(func(d *entity.Document) { h.completed <- d })
	h.settlement.Attach(doc)
	return h
}

func (h *settlementHarness) milestoneID() string {
	return h.doc.Milestones[0].ID
}

func (h *settlementHarness) balance(t *testing.T, userID string) int64 {
	b, err := h.payments.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b.Available
}

func fixedEscrowProposal() *entity.AgentProposal {
	return &entity.AgentProposal{
		Summary:  "Garden clearance",
		Currency: "gbp",
		LineItems: []entity.LineItem{
			{Description: "Deposit", Amount: 2000, Type: entity.LineItemImmediate},
			{Description: "Clearance", Amount: 8000, Type: entity.LineItemEscrow},
		},
	}
}

func TestExecutePaymentsChargesAndHolds(t *testing.T) {
	ctx := context.Background()
	h := newSettlementHarness(t, repairProposal(), 100000)

	summary, err := h.settlement.ExecutePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.False(t, summary.PartialFailure())

	// call-out charged, repair held at the top of its range
	assert.Equal(t, int64(100000-5000-20000), h.balance(t, "bob"))
	assert.Equal(t, int64(100000+5000), h.balance(t, "alice"))

	doc := h.settlement.Document()
	assert.NotEmpty(t, doc.Milestones[0].EscrowHoldID)
	assert.Equal(t, 2, h.notifier.count(service.NotifyPaymentReceipt))
	assert.Equal(t, 4, h.notifier.count(service.NotifyExecutionStep))

	again, err := h.settlement.ExecutePayments(ctx)
	require.NoError(t, err)
	assert.True(t, again.AlreadyExecuted)
	assert.Equal(t, int64(75000), h.balance(t, "bob"))
	assert.True(t, h.settlement.PaymentsExecuted())
}

func TestExecutePaymentsReportsPartialFailure(t *testing.T) {
	h := newSettlementHarness(t, repairProposal(), 6000)

	summary, err := h.settlement.ExecutePayments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.True(t, summary.PartialFailure())
	assert.Equal(t, StepFailed, summary.Steps[1].Status)
	assert.Empty(t, h.settlement.Document().Milestones[0].EscrowHoldID)
}

func TestExecutePaymentsRequiresSignatures(t *testing.T) {
	ctx := context.Background()
	documents := NewDocumentUseCase(repository.NewMemoryDocumentRepository(), nil)
	proposal := repairProposal()
	require.NoError(t, proposal.Validate())
	doc, err := documents.GenerateDocument(ctx, nil, proposal, repairParties(), service.DocumentContext{RoomID: "room-1"})
	require.NoError(t, err)

	settlement := NewSettlementUseCase("room-1", service.NewSimplifiedPaymentService(100000, "gbp"), documents, &fakeNotifier{})
	_, err = settlement.ExecutePayments(ctx)
	assert.True(t, errors.Is(err, errors.CodeInvalidState))

	settlement.Attach(doc)
	_, err = settlement.ExecutePayments(ctx)
	assert.True(t, errors.Is(err, errors.CodeInvalidState))
	assert.False(t, settlement.PaymentsExecuted())
}

func TestMilestoneRequiresPaymentsFirst(t *testing.T) {
	h := newSettlementHarness(t, repairProposal(), 100000)
	_, err := h.settlement.ConfirmMilestone(context.Background(), "alice", h.milestoneID())
	assert.True(t, errors.Is(err, errors.CodeInvalidState))
}

func TestRangeMilestoneFlow(t *testing.T) {
	ctx := context.Background()
	h := newSettlementHarness(t, repairProposal(), 100000)
	_, err := h.settlement.ExecutePayments(ctx)
	require.NoError(t, err)
	id := h.milestoneID()

	_, err = h.settlement.ConfirmMilestone(ctx, "mallory", id)
	assert.True(t, errors.Is(err, errors.CodeNotAParty))

	m, err := h.settlement.ConfirmMilestone(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, entity.MilestoneProviderConfirmed, m.Status)

	_, err = h.settlement.ConfirmMilestone(ctx, "alice", id)
	assert.True(t, errors.Is(err, errors.CodeBadRequest))

	m, err = h.settlement.ConfirmMilestone(ctx, "bob", id)
	require.NoError(t, err)
	assert.Equal(t, entity.MilestonePendingAmount, m.Status)
	assert.Empty(t, h.payments.captured())

	_, err = h.settlement.ApproveMilestoneAmount(ctx, "bob", id)
	assert.True(t, errors.Is(err, errors.CodeInvalidState), "nothing proposed yet")

	_, err = h.settlement.ProposeMilestoneAmount(ctx, "bob", id, 15000)
	assert.True(t, errors.Is(err, errors.CodeForbidden))

	_, err = h.settlement.ProposeMilestoneAmount(ctx, "alice", id, 25000)
	assert.True(t, errors.Is(err, errors.CodeBadRequest))

	m, err = h.settlement.ProposeMilestoneAmount(ctx, "alice", id, 15000)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), *m.ProposedAmount)

	_, err = h.settlement.ApproveMilestoneAmount(ctx, "alice", id)
	assert.True(t, errors.Is(err, errors.CodeForbidden))

	m, err = h.settlement.ApproveMilestoneAmount(ctx, "bob", id)
	require.NoError(t, err)
	assert.Equal(t, entity.MilestoneCompleted, m.Status)
	assert.Equal(t, int64(15000), m.CapturedAmount)
	assert.Equal(t, int64(15000), *m.ApprovedAmount)
	assert.Equal(t, []int64{15000}, h.payments.captured())

	// £150 captured for the provider, the unused £50 of the hold refunded
	assert.Equal(t, int64(100000+5000+15000), h.balance(t, "alice"))
	assert.Equal(t, int64(100000-5000-15000), h.balance(t, "bob"))

	completed := <-h.completed
	assert.Equal(t, entity.DocumentCompleted, completed.Status)
	assert.Equal(t, entity.DocumentCompleted, h.settlement.Document().Status)

	_, err = h.settlement.ReleaseEscrow(ctx, "alice", id)
	assert.True(t, errors.Is(err, errors.CodeInvalidState))
}

func TestFixedMilestoneCapturesOnceOnBothConfirmations(t *testing.T) {
	ctx := context.Background()
	h := newSettlementHarness(t, fixedEscrowProposal(), 100000)
	_, err := h.settlement.ExecutePayments(ctx)
	require.NoError(t, err)
	id := h.milestoneID()

	m, err := h.settlement.ConfirmMilestone(ctx, "bob", id)
	require.NoError(t, err)
	assert.Equal(t, entity.MilestoneClientConfirmed, m.Status)
	assert.Empty(t, h.payments.captured())

	m, err = h.settlement.ConfirmMilestone(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, entity.MilestoneCompleted, m.Status)
	assert.Equal(t, "alice", m.CompletedBy)
	assert.Equal(t, []int64{8000}, h.payments.captured())

	_, err = h.settlement.ConfirmMilestone(ctx, "bob", id)
	assert.True(t, errors.Is(err, errors.CodeInvalidState))
	assert.Len(t, h.payments.captured(), 1)
	assert.Len(t, h.completed, 1)
}

func TestCaptureFailureAllowsRetry(t *testing.T) {
	ctx := context.Background()
	h := newSettlementHarness(t, fixedEscrowProposal(), 100000)
	_, err := h.settlement.ExecutePayments(ctx)
	require.NoError(t, err)
	id := h.milestoneID()

	_, err = h.settlement.ConfirmMilestone(ctx, "bob", id)
	require.NoError(t, err)

	h.payments.failCapture = true
	_, err = h.settlement.ConfirmMilestone(ctx, "alice", id)
	assert.True(t, errors.Is(err, errors.CodeUnavailable))
	m := h.settlement.Document().Milestones[0]
	assert.Equal(t, entity.MilestoneClientConfirmed, m.Status)
	assert.False(t, m.ProviderConfirmed)

	h.payments.failCapture = false
	m, err = h.settlement.ConfirmMilestone(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, entity.MilestoneCompleted, m.Status)
}

func TestReleaseEscrowIsProviderOnly(t *testing.T) {
	ctx := context.Background()
	h := newSettlementHarness(t, fixedEscrowProposal(), 100000)
	_, err := h.settlement.ExecutePayments(ctx)
	require.NoError(t, err)
	id := h.milestoneID()

	_, err = h.settlement.ReleaseEscrow(ctx, "bob", id)
	assert.True(t, errors.Is(err, errors.CodeForbidden))

	m, err := h.settlement.ReleaseEscrow(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, entity.MilestoneReleased, m.Status)
	assert.Equal(t, int64(100000-2000), h.balance(t, "bob"))

	_, err = h.settlement.ConfirmMilestone(ctx, "bob", id)
	assert.True(t, errors.Is(err, errors.CodeInvalidState))
	_, err = h.settlement.ReleaseEscrow(ctx, "alice", id)
	assert.True(t, errors.Is(err, errors.CodeInvalidState))

	doc := <-h.completed
	assert.Equal(t, entity.DocumentCompleted, doc.Status)
}
