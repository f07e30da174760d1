package gcp

import (
	"context"
	"errors"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

var scopes = []string{
	"https://www.googleapis.com/auth/firebase.messaging",
	"https://www.googleapis.com/auth/datastore",
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
}

// Credentials is the service account shared by the Firebase and Firestore
// clients.
type Credentials struct {
	ProjectID string
	creds     *google.Credentials
}

// Load reads a service account file. With an empty path it falls back to
// Application Default Credentials. An explicit projectID wins over the one in
// the credentials.
func Load(ctx context.Context, credentialsFile, projectID string) (*Credentials, error) {
	var creds *google.Credentials
	var err error

	if credentialsFile != "" {
		data, readErr := os.ReadFile(credentialsFile)
		if readErr != nil {
			return nil, fmt.Errorf("could not read credentials file: %w", readErr)
		}
		creds, err = google.CredentialsFromJSON(ctx, data, scopes...)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, scopes...)
	}
	if err != nil {
		return nil, fmt.Errorf("could not load google credentials: %w", err)
	}

	if projectID == "" {
		projectID = creds.ProjectID
	}
	if projectID == "" {
		return nil, errors.New("no project id in credentials; set FIREBASE_PROJECT_ID")
	}
	return &Credentials{ProjectID: projectID, creds: creds}, nil
}

func (c *Credentials) ClientOptions() []option.ClientOption {
	return []option.ClientOption{option.WithCredentials(c.creds)}
}

func (c *Credentials) FirebaseApp(ctx context.Context) (*firebase.App, error) {
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: c.ProjectID}, c.ClientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	return app, nil
}
