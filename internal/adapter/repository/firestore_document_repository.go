package repository

import (
	"context"
	"sort"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pactroom/internal/domain/entity"
	"pactroom/internal/domain/repository"
	"pactroom/pkg/errors"
	"pactroom/pkg/logger"
)

const documentsCollection = "agreements"

type firestoreDocumentRepository struct {
	client *firestore.Client
}

func NewFirestoreDocumentRepository(client *firestore.Client) repository.DocumentRepository {
	return &firestoreDocumentRepository{client: client}
}

func (r *firestoreDocumentRepository) Create(ctx context.Context, doc *entity.Document) error {
	_, err := r.client.Collection(documentsCollection).Doc(doc.ID).Create(ctx, doc)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return errors.Conflict("document " + doc.ID + " already exists")
		}
		return errors.Internal("Failed to create document", err)
	}

	logger.Info("Stored agreement %s for room %s", doc.ID, doc.RoomID)
	return nil
}

func (r *firestoreDocumentRepository) GetByID(ctx context.Context, id string) (*entity.Document, error) {
	snap, err := r.client.Collection(documentsCollection).Doc(id).Get(ctx)
	if err != nil {
		if IsNotFound(err) {
			return nil, errors.NotFound("Document", err)
		}
		return nil, errors.Internal("Failed to get document", err)
	}

	var doc entity.Document
	if err := snap.DataTo(&doc); err != nil {
		return nil, errors.Internal("Failed to parse document data", err)
	}
	return &doc, nil
}

func (r *firestoreDocumentRepository) Update(ctx context.Context, doc *entity.Document) error {
	ref := r.client.Collection(documentsCollection).Doc(doc.ID)
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); err != nil {
			return err
		}
		return tx.Set(ref, doc)
	})
	if err != nil {
		if IsNotFound(err) {
			return errors.NotFound("Document", err)
		}
		return errors.Internal("Failed to update document", err)
	}
	return nil
}

func (r *firestoreDocumentRepository) ListByRoom(ctx context.Context, roomID string) ([]*entity.Document, error) {
	iter := r.client.Collection(documentsCollection).Where("roomId", "==", roomID).Documents(ctx)
	defer iter.Stop()

	var docs []*entity.Document
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Internal("Failed to list documents", err)
		}
		var doc entity.Document
		if err := snap.DataTo(&doc); err != nil {
			return nil, errors.Internal("Failed to parse document data", err)
		}
		docs = append(docs, &doc)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.Before(docs[j].CreatedAt) })
	return docs, nil
}

// IsNotFound reports whether a Firestore call failed because the document does not exist.
func IsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}
