package notify

import (
	"context"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/swapden/handover/internal/repository"
)

// FCMSender pushes notifications to the per-user topic each client app
// subscribes to after sign-in.
type FCMSender struct {
	client *messaging.Client
}

func NewFCMSender(ctx context.Context) (*FCMSender, error) {
	var opts []option.ClientOption
	if path := os.Getenv("FIREBASE_CREDENTIALS_PATH"); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to init messaging client: %w", err)
	}
	return &FCMSender{client: client}, nil
}

func (s *FCMSender) Send(ctx context.Context, p repository.NotificationPayload) error {
	msg := &messaging.Message{
		Topic: "user-" + p.UserID,
		Notification: &messaging.Notification{
			Title: p.Title,
			Body:  p.Body,
		},
	}
	if p.ActionRef != "" {
		msg.Data = map[string]string{"action_ref": p.ActionRef}
	}

	if _, err := s.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to push notification to user %s: %w", p.UserID, err)
	}
	return nil
}
