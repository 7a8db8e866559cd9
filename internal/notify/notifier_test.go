package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapden/handover/internal/repository"
)

type fakeTaskCreator struct {
	tasks []*repository.OutboxTask
	err   error
}

func (f *fakeTaskCreator) Create(_ context.Context, task *repository.OutboxTask) error {
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func TestOutboxNotifier(t *testing.T) {
	t.Run("stages the payload on the notification topic", func(t *testing.T) {
		tasks := &fakeTaskCreator{}
		n := NewOutboxNotifier(tasks)
		sentAt := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
		n.now = func() time.Time { return sentAt }

		require.NoError(t, n.Notify(context.Background(), "alice", "Exchange completed", "Your trade settled.", "ex-1"))

		require.Len(t, tasks.tasks, 1)
		assert.Equal(t, Topic, tasks.tasks[0].Topic)

		var payload repository.NotificationPayload
		require.NoError(t, json.Unmarshal(tasks.tasks[0].Payload, &payload))
		assert.Equal(t, "alice", payload.UserID)
		assert.Equal(t, "Exchange completed", payload.Title)
		assert.Equal(t, "ex-1", payload.ActionRef)
		assert.Equal(t, sentAt, payload.SentAt)
	})

	t.Run("store failure surfaces", func(t *testing.T) {
		n := NewOutboxNotifier(&fakeTaskCreator{err: errors.New("db down")})
		err := n.Notify(context.Background(), "alice", "t", "b", "")
		assert.Error(t, err)
	})
}
