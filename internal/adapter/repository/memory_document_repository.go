package repository

import (
	"context"
	"sort"
	"sync"

	"pactroom/internal/domain/entity"
	"pactroom/internal/domain/repository"
	"pactroom/pkg/errors"
)

// memoryDocumentRepository is used when no Firestore project is configured.
type memoryDocumentRepository struct {
	mu   sync.RWMutex
	docs map[string]*entity.Document
}

func NewMemoryDocumentRepository() repository.DocumentRepository {
	return &memoryDocumentRepository{docs: make(map[string]*entity.Document)}
}

func (r *memoryDocumentRepository) Create(ctx context.Context, doc *entity.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.docs[doc.ID]; exists {
		return errors.Conflict("document " + doc.ID + " already exists")
	}
	r.docs[doc.ID] = doc.Clone()
	return nil
}

func (r *memoryDocumentRepository) GetByID(ctx context.Context, id string) (*entity.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, errors.NotFound("Document", nil)
	}
	return doc.Clone(), nil
}

func (r *memoryDocumentRepository) Update(ctx context.Context, doc *entity.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[doc.ID]; !ok {
		return errors.NotFound("Document", nil)
	}
	r.docs[doc.ID] = doc.Clone()
	return nil
}

func (r *memoryDocumentRepository) ListByRoom(ctx context.Context, roomID string) ([]*entity.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var docs []*entity.Document
	for _, doc := range r.docs {
		if doc.RoomID == roomID {
			docs = append(docs, doc.Clone())
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.Before(docs[j].CreatedAt) })
	return docs, nil
}
