package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pactroom/internal/adapter/repository"
	"pactroom/internal/domain/entity"
	"pactroom/internal/domain/service"
	"pactroom/pkg/errors"
)

type fakeArchive struct {
	uploads map[string][]byte
	err     error
}

func (f *fakeArchive) UploadDocument(ctx context.Context, roomID, documentID string, content []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.uploads == nil {
		f.uploads = make(map[string][]byte)
	}
	f.uploads[documentID] = content
	return "gs://bucket/" + documentID, nil
}

func int64Ptr(v int64) *int64 { return &v }

// repairProposal is a £50 call-out charged now and a £100-£200 repair held in escrow.
func repairProposal() *entity.AgentProposal {
	return &entity.AgentProposal{
		Summary:  "Fix leaking boiler",
		Currency: "gbp",
		LineItems: []entity.LineItem{
			{Description: "Call-out fee", Amount: 5000, Type: entity.LineItemImmediate},
			{
				Description: "Boiler repair",
				Amount:      15000,
				Type:        entity.LineItemEscrow,
				MinAmount:   int64Ptr(10000),
				MaxAmount:   int64Ptr(20000),
			},
		},
		Conditions:    []string{"Parts billed at cost"},
		FactorSummary: "Depends on whether the heat exchanger needs replacing",
		Milestones: []entity.MilestoneSpec{{
			LineItemIndex:      1,
			Title:              "Boiler repaired",
			Deliverables:       []string{"Working boiler", "Safety certificate"},
			VerificationMethod: "Client checks hot water",
		}},
	}
}

func repairParties() entity.Parties {
	return entity.Parties{ProviderID: "alice", ProviderName: "Alice", ClientID: "bob", ClientName: "Bob"}
}

func TestGenerateDocument(t *testing.T) {
	archive := &fakeArchive{}
	uc := NewDocumentUseCase(repository.NewMemoryDocumentRepository(), archive)
	proposal := repairProposal()
	require.NoError(t, proposal.Validate())

	negotiation := &entity.Negotiation{ID: "neg-1", Rounds: []entity.Round{{Action: entity.RoundPropose}, {Action: entity.RoundAccept}}}
	doc, err := uc.GenerateDocument(context.Background(), negotiation, proposal, repairParties(), service.DocumentContext{
		RoomID:     "room-1",
		Transcript: []string{"Alice: it's the heat exchanger", "Bob: fine, let's agree"},
	})
	require.NoError(t, err)

	assert.Equal(t, entity.DocumentPendingSignatures, doc.Status)
	assert.Equal(t, "neg-1", doc.NegotiationID)
	assert.Equal(t, "room-1", doc.RoomID)
	assert.Equal(t, "gs://bucket/"+doc.ID, doc.StorageURL)

	require.Len(t, doc.Milestones, 1)
	m := doc.Milestones[0]
	assert.Equal(t, "Boiler repaired", m.Title)
	assert.Equal(t, 1, m.LineItemIndex)
	assert.Equal(t, int64(15000), m.Amount)
	assert.True(t, m.IsRangePriced())
	assert.Equal(t, []string{"Working boiler", "Safety certificate"}, m.Deliverables)
	assert.Equal(t, entity.MilestonePending, m.Status)

	assert.Contains(t, doc.Content, "# Agreement: Fix leaking boiler")
	assert.Contains(t, doc.Content, "**Provider:** Alice (alice)")
	assert.Contains(t, doc.Content, "150.00 GBP (range 100.00 GBP to 200.00 GBP)")
	assert.Contains(t, doc.Content, "**Total:** 200.00 GBP")
	assert.Contains(t, doc.Content, "Negotiated in 2 round(s)")
	assert.Contains(t, doc.Content, "> Bob: fine, let's agree")
	assert.Equal(t, doc.Content, string(archive.uploads[doc.ID]))
}

func TestGenerateDocumentRequiresParties(t *testing.T) {
	uc := NewDocumentUseCase(repository.NewMemoryDocumentRepository(), nil)
	_, err := uc.GenerateDocument(context.Background(), nil, repairProposal(), entity.Parties{ProviderID: "alice"}, service.DocumentContext{})
	assert.True(t, errors.Is(err, errors.CodeBadRequest))
}

func TestSignDocument(t *testing.T) {
	ctx := context.Background()
	uc := NewDocumentUseCase(repository.NewMemoryDocumentRepository(), nil)
	doc, err := uc.GenerateDocument(ctx, nil, repairProposal(), repairParties(), service.DocumentContext{RoomID: "room-1"})
	require.NoError(t, err)

	_, err = uc.SignDocument(ctx, doc.ID, "mallory")
	assert.True(t, errors.Is(err, errors.CodeNotAParty))

	signed, err := uc.SignDocument(ctx, doc.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentPendingSignatures, signed.Status)
	first := signed.Signatures["alice"]

	signed, err = uc.SignDocument(ctx, doc.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, first, signed.Signatures["alice"])

	signed, err = uc.SignDocument(ctx, doc.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentSigned, signed.Status)
	assert.True(t, signed.FullySigned())

	_, err = uc.SignDocument(ctx, "missing", "bob")
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestUpdateMilestonesCompletesSignedDocument(t *testing.T) {
	ctx := context.Background()
	uc := NewDocumentUseCase(repository.NewMemoryDocumentRepository(), nil)
	doc, err := uc.GenerateDocument(ctx, nil, repairProposal(), repairParties(), service.DocumentContext{RoomID: "room-1"})
	require.NoError(t, err)

	done := doc.Milestones[0].Clone()
	done.Status = entity.MilestoneCompleted

	// unsigned documents never complete
	updated, err := uc.UpdateMilestones(ctx, doc.ID, []*entity.Milestone{done})
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentPendingSignatures, updated.Status)

	_, err = uc.SignDocument(ctx, doc.ID, "alice")
	require.NoError(t, err)
	_, err = uc.SignDocument(ctx, doc.ID, "bob")
	require.NoError(t, err)

	updated, err = uc.UpdateMilestones(ctx, doc.ID, []*entity.Milestone{done})
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentCompleted, updated.Status)
	assert.Equal(t, entity.MilestoneCompleted, updated.Milestones[0].Status)
}
