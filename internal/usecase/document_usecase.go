package usecase

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"pactroom/internal/domain/entity"
	"pactroom/internal/domain/repository"
	"pactroom/internal/domain/service"
	"pactroom/pkg/errors"
	"pactroom/pkg/logger"
)

// DocumentUseCase creates agreement documents from accepted proposals and tracks
// their signatures and milestones.
type DocumentUseCase struct {
	repo    repository.DocumentRepository
	archive service.DocumentArchive
	now     func() time.Time
}

func NewDocumentUseCase(repo repository.DocumentRepository, archive service.DocumentArchive) *DocumentUseCase {
	return &DocumentUseCase{
		repo:    repo,
		archive: archive,
		now:     time.Now,
	}
}

func (uc *DocumentUseCase) GenerateDocument(ctx context.Context, negotiation *entity.Negotiation, proposal *entity.AgentProposal, parties entity.Parties, docCtx service.DocumentContext) (*entity.Document, error) {
	if proposal == nil {
		return nil, errors.BadRequest("an agreement needs a proposal", nil)
	}
	if parties.ProviderID == "" || parties.ClientID == "" {
		return nil, errors.BadRequest("an agreement needs both parties", nil)
	}

	now := uc.now()
	doc := &entity.Document{
		ID:         uuid.New().String(),
		RoomID:     docCtx.RoomID,
		Title:      documentTitle(proposal),
		Parties:    parties,
		Proposal:   proposal.Clone(),
		Signatures: make(map[string]time.Time),
		Status:     entity.DocumentPendingSignatures,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if negotiation != nil {
		doc.NegotiationID = negotiation.ID
	}
	doc.Milestones = buildMilestones(doc.ID, proposal, now)

	content, err := renderAgreement(doc, negotiation, docCtx)
	if err != nil {
		return nil, errors.Internal("Failed to render agreement", err)
	}
	doc.Content = content

	if uc.archive != nil {
		url, err := uc.archive.UploadDocument(ctx, doc.RoomID, doc.ID, []byte(content))
		if err != nil {
			logger.Warn("Failed to archive agreement %s: %v", doc.ID, err)
		} else {
			doc.StorageURL = url
		}
	}

	if err := uc.repo.Create(ctx, doc); err != nil {
		return nil, err
	}

	logger.Info("Generated agreement %s for room %s with %d milestones", doc.ID, doc.RoomID, len(doc.Milestones))
	return doc.Clone(), nil
}

// SignDocument records a party's signature. Signing twice keeps the first timestamp.
func (uc *DocumentUseCase) SignDocument(ctx context.Context, id, userID string) (*entity.Document, error) {
	doc, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !doc.Parties.Includes(userID) {
		return nil, errors.NotAParty("only the parties to the agreement can sign it")
	}

	if _, signed := doc.Signatures[userID]; signed {
		return doc, nil
	}
	if doc.Status != entity.DocumentPendingSignatures {
		return nil, errors.InvalidState(fmt.Sprintf("document is already %s", doc.Status))
	}

	if doc.Signatures == nil {
		doc.Signatures = make(map[string]time.Time)
	}
	now := uc.now()
	doc.Signatures[userID] = now
	if doc.FullySigned() {
		doc.Status = entity.DocumentSigned
	}
	doc.UpdatedAt = now

	if err := uc.repo.Update(ctx, doc); err != nil {
		return nil, err
	}

	logger.Info("User %s signed agreement %s (status %s)", userID, id, doc.Status)
	return doc, nil
}

// UpdateMilestones stores the milestone set. A signed document whose milestones
// are all completed or released becomes completed.
func (uc *DocumentUseCase) UpdateMilestones(ctx context.Context, id string, milestones []*entity.Milestone) (*entity.Document, error) {
	doc, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	doc.Milestones = make([]*entity.Milestone, len(milestones))
	for i, m := range milestones {
		doc.Milestones[i] = m.Clone()
	}

	if doc.Status == entity.DocumentSigned && allMilestonesFinal(doc.Milestones) {
		doc.Status = entity.DocumentCompleted
		logger.Info("Agreement %s completed", id)
	}
	doc.UpdatedAt = uc.now()

	if err := uc.repo.Update(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (uc *DocumentUseCase) GetDocument(ctx context.Context, id string) (*entity.Document, error) {
	return uc.repo.GetByID(ctx, id)
}

func (uc *DocumentUseCase) ListRoomDocuments(ctx context.Context, roomID string) ([]*entity.Document, error) {
	return uc.repo.ListByRoom(ctx, roomID)
}

func allMilestonesFinal(milestones []*entity.Milestone) bool {
	for _, m := range milestones {
		if !m.Status.IsFinal() {
			return false
		}
	}
	return true
}

// buildMilestones creates one milestone per held line item, copying the
// proposal's milestone spec for that item when there is one.
func buildMilestones(documentID string, proposal *entity.AgentProposal, now time.Time) []*entity.Milestone {
	var milestones []*entity.Milestone
	for i, item := range proposal.LineItems {
		if !item.Held() {
			continue
		}
		m := &entity.Milestone{
			ID:            uuid.New().String(),
			DocumentID:    documentID,
			LineItemIndex: i,
			Title:         item.Description,
			Description:   item.Description,
			Amount:        item.Amount,
			Currency:      proposal.Currency,
			Condition:     item.Condition,
			MinAmount:     item.MinAmount,
			MaxAmount:     item.MaxAmount,
			Status:        entity.MilestonePending,
			UpdatedAt:     now,
		}
		if spec := proposal.MilestoneSpecFor(i); spec != nil {
			if spec.Title != "" {
				m.Title = spec.Title
			}
			m.Deliverables = append([]string(nil), spec.Deliverables...)
			m.VerificationMethod = spec.VerificationMethod
			m.CompletionCriteria = append([]string(nil), spec.CompletionCriteria...)
			m.Timeline = spec.Timeline
		}
		milestones = append(milestones, m)
	}
	return milestones
}

func documentTitle(p *entity.AgentProposal) string {
	if p.Summary == "" {
		return "Service Agreement"
	}
	return "Agreement: " + p.Summary
}

var agreementTemplate = template.Must(template.New("agreement").Funcs(template.FuncMap{
	"money": formatAmount,
	"date":  func(t time.Time) string { return t.Format("2 January 2006 15:04 MST") },
	"join":  strings.Join,
	"inc":   func(i int) int { return i + 1 },
	"deref": func(v *int64) int64 {
		if v == nil {
			return 0
		}
		return *v
	},
}).Parse(`# {{.Doc.Title}}

Agreement reference: {{.Doc.ID}}
Date: {{date .Doc.CreatedAt}}
{{- if .Negotiation}}
Negotiated in {{len .Negotiation.Rounds}} round(s), negotiation {{.Negotiation.ID}}
{{- end}}

## Parties

- **Provider:** {{.Doc.Parties.ProviderName}} ({{.Doc.Parties.ProviderID}})
- **Client:** {{.Doc.Parties.ClientName}} ({{.Doc.Parties.ClientID}})

## Summary

{{.Proposal.Summary}}

## Payment Schedule

| # | Description | Type | Amount |
|---|---|---|---|
{{- range $i, $item := .Proposal.LineItems}}
| {{inc $i}} | {{$item.Description}} | {{$item.Type}} | {{money $item.Amount $.Proposal.Currency}}{{if $item.IsRangePriced}} (range {{money (deref $item.MinAmount) $.Proposal.Currency}} to {{money (deref $item.MaxAmount) $.Proposal.Currency}}){{end}} |
{{- end}}

**Total:** {{money .Proposal.TotalAmount .Proposal.Currency}}
{{- if .Proposal.FactorSummary}}

Pricing basis: {{.Proposal.FactorSummary}}
{{- end}}
{{- if .Proposal.Conditions}}

## Conditions
{{range .Proposal.Conditions}}
- {{.}}
{{- end}}
{{- end}}
{{- if .Doc.Milestones}}

## Milestones
{{range .Doc.Milestones}}
### {{.Title}}

Amount: {{money .Amount .Currency}}{{if .Condition}}, released when: {{.Condition}}{{end}}
{{- if .Deliverables}}
Deliverables: {{join .Deliverables "; "}}
{{- end}}
{{- if .VerificationMethod}}
Verification: {{.VerificationMethod}}
{{- end}}
{{- if .CompletionCriteria}}
Completion criteria: {{join .CompletionCriteria "; "}}
{{- end}}
{{- if .Timeline}}
Timeline: {{.Timeline}}
{{- end}}
{{end}}
{{- end}}
{{- if .Transcript}}

## Conversation Excerpt
{{range .Transcript}}
> {{.}}
{{- end}}
{{- end}}

## Signatures

Both parties sign electronically. Immediate items are charged on signing; held items stay in escrow until both parties confirm the milestone.
`))

const transcriptExcerptLines = 12

func renderAgreement(doc *entity.Document, negotiation *entity.Negotiation, docCtx service.DocumentContext) (string, error) {
	transcript := docCtx.Transcript
	if len(transcript) > transcriptExcerptLines {
		transcript = transcript[len(transcript)-transcriptExcerptLines:]
	}

	var buf bytes.Buffer
	err := agreementTemplate.Execute(&buf, struct {
		Doc         *entity.Document
		Proposal    *entity.AgentProposal
		Negotiation *entity.Negotiation
		Transcript  []string
	}{
		Doc:         doc,
		Proposal:    doc.Proposal,
		Negotiation: negotiation,
		Transcript:  transcript,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
