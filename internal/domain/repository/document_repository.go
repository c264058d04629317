package repository

import (
	"context"

	"pactroom/internal/domain/entity"
)

type DocumentRepository interface {
	Create(ctx context.Context, doc *entity.Document) error
	GetByID(ctx context.Context, id string) (*entity.Document, error)
	Update(ctx context.Context, doc *entity.Document) error
	ListByRoom(ctx context.Context, roomID string) ([]*entity.Document, error)
}
