// Package firebase opens the Firebase Admin app and the Google API clients
// shared by the server and the admin tooling.
package firebase

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	fb "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// Config selects the project and, optionally, a service account key file.
// Without a key file Application Default Credentials are used.
type Config struct {
	ProjectID       string
	CredentialsFile string
}

// ClientOptions returns the Google API options for cfg.
func (c Config) ClientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if c.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	}
	return opts
}

// NewApp initializes the Firebase Admin app.
func NewApp(ctx context.Context, cfg Config) (*fb.App, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("firebase project id is required")
	}
	app, err := fb.NewApp(ctx, &fb.Config{ProjectID: cfg.ProjectID}, cfg.ClientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	return app, nil
}

// NewFirestore initializes the app and returns its Firestore client.
// Callers must Close the client.
func NewFirestore(ctx context.Context, cfg Config) (*firestore.Client, error) {
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open firestore client: %w", err)
	}
	return client, nil
}

// PingCheck returns a health check that reads a sentinel document. A missing
// document still proves the database is reachable.
func PingCheck(client *firestore.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		iter := client.Collection("_health").Limit(1).Documents(ctx)
		defer iter.Stop()
		if _, err := iter.GetAll(); err != nil {
			return fmt.Errorf("firestore ping: %w", err)
		}
		return nil
	}
}
