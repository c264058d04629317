package service

import (
	"context"

	"pactroom/internal/domain/entity"
)

// DocumentContext carries room facts the agreement text mentions.
type DocumentContext struct {
	RoomID     string
	Transcript []string
}

type DocumentStore interface {
	GenerateDocument(ctx context.Context, negotiation *entity.Negotiation, proposal *entity.AgentProposal, parties entity.Parties, docCtx DocumentContext) (*entity.Document, error)
	SignDocument(ctx context.Context, id, userID string) (*entity.Document, error)
	UpdateMilestones(ctx context.Context, id string, milestones []*entity.Milestone) (*entity.Document, error)
	GetDocument(ctx context.Context, id string) (*entity.Document, error)
}

// DocumentArchive keeps a durable copy of the rendered agreement text.
type DocumentArchive interface {
	UploadDocument(ctx context.Context, roomID, documentID string, content []byte) (string, error)
}
