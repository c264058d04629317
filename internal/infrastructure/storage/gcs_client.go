package storage

import (
	"context"
	"fmt"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"pactroom/pkg/logger"
)

const agreementsFolder = "agreements"

// CloudStorageClient archives rendered agreement documents in a bucket.
type CloudStorageClient struct {
	client     *storage.Client
	bucketName string
}

func NewCloudStorageClient(ctx context.Context, bucketName string, credentialsPath string) (*CloudStorageClient, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &CloudStorageClient{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// ObjectName is where the document of a room is stored.
func ObjectName(roomID, documentID string) string {
	return path.Join(agreementsFolder, roomID, documentID+".md")
}

// UploadDocument writes the markdown body and returns its gs:// location.
func (c *CloudStorageClient) UploadDocument(ctx context.Context, roomID, documentID string, content []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	objectName := ObjectName(roomID, documentID)
	writer := c.client.Bucket(c.bucketName).Object(objectName).NewWriter(ctx)
	writer.ContentType = "text/markdown; charset=utf-8"
	writer.Metadata = map[string]string{
		"room_id":     roomID,
		"document_id": documentID,
	}

	if _, err := writer.Write(content); err != nil {
		writer.Close()
		return "", fmt.Errorf("failed to write document: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize document upload: %w", err)
	}

	logger.Info("Uploaded agreement %s to bucket %s", objectName, c.bucketName)
	return fmt.Sprintf("gs://%s/%s", c.bucketName, objectName), nil
}

func (c *CloudStorageClient) Close() error {
	return c.client.Close()
}
