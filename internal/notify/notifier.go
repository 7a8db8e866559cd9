// Package notify delivers user notifications. The write side records them as
// outbox tasks; the consumer binary pushes them to devices.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/swapden/handover/internal/repository"
)

const Topic = "handover_notifications"

type OutboxTaskCreator interface {
	Create(ctx context.Context, task *repository.OutboxTask) error
}

// OutboxNotifier stages notifications in the transactional outbox so a
// settlement never blocks on, or fails because of, the push pipeline.
type OutboxNotifier struct {
	tasks OutboxTaskCreator
	now   func() time.Time
}

func NewOutboxNotifier(tasks OutboxTaskCreator) *OutboxNotifier {
	return &OutboxNotifier{
		tasks: tasks,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (n *OutboxNotifier) Notify(ctx context.Context, userID, title, body, actionRef string) error {
	payload, err := json.Marshal(repository.NotificationPayload{
		UserID:    userID,
		Title:     title,
		Body:      body,
		ActionRef: actionRef,
		SentAt:    n.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	task := &repository.OutboxTask{
		Topic:   Topic,
		Payload: payload,
	}
	if err := n.tasks.Create(ctx, task); err != nil {
		return fmt.Errorf("failed to stage notification: %w", err)
	}
	return nil
}
