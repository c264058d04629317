package firebase

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	fbapp "firebase.google.com/go/v4"
	"google.golang.org/api/option"

	"pactroom/pkg/logger"
)

// ClientOptions picks credentials from FIREBASE_SERVICE_ACCOUNT_JSON, then the
// service account file, then application default credentials.
func ClientOptions(credentialsPath string) []option.ClientOption {
	if serviceAccountJSON := os.Getenv("FIREBASE_SERVICE_ACCOUNT_JSON"); serviceAccountJSON != "" {
		logger.Info("Using Firebase service account from environment variable")
		return []option.ClientOption{option.WithCredentialsJSON([]byte(serviceAccountJSON))}
	}
	if credentialsPath != "" {
		logger.Info("Using Firebase service account from file: %s", credentialsPath)
		return []option.ClientOption{option.WithCredentialsFile(credentialsPath)}
	}
	return nil
}

// NewFirestoreClient initializes the Firebase app for the project and returns its Firestore client.
func NewFirestoreClient(ctx context.Context, projectID, credentialsPath string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("firebase project id is required")
	}

	app, err := fbapp.NewApp(ctx, &fbapp.Config{ProjectID: projectID}, ClientOptions(credentialsPath)...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return client, nil
}
