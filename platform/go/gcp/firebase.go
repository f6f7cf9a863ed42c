package gcp

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// NewApp creates a Firebase App. Without a credentials file the application default
// credentials are used.
func NewApp(ctx context.Context, credentialsFile string) (*firebase.App, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	return firebase.NewApp(ctx, nil, opts...)
}

// NewAuthClient returns the Firebase Auth client used to verify bearer tokens.
func NewAuthClient(ctx context.Context, credentialsFile string) (*firebaseauth.Client, error) {
	app, err := NewApp(ctx, credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase auth: %w", err)
	}
	return client, nil
}
