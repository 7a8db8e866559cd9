package postgresql

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swapden/handover/internal/db"
	"github.com/swapden/handover/internal/repository"
)

type OutboxTaskRepo struct {
	db db.DB
}

func NewOutboxTaskRepo(db db.DB) *OutboxTaskRepo {
	return &OutboxTaskRepo{db: db}
}

func (r *OutboxTaskRepo) Create(ctx context.Context, task *repository.OutboxTask) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	now := time.Now().UTC()
	_, err := r.db.Exec(ctx, `
        INSERT INTO outbox_tasks (id, status, payload, topic, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, task.ID, repository.TaskStatusCreated, task.Payload, task.Topic, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox task: %w", err)
	}
	return nil
}

func (r *OutboxTaskRepo) GetProcessableTasks(ctx context.Context, tx db.Tx, limit, maxAttempts int) ([]*repository.OutboxTask, error) {
	var tasks []*repository.OutboxTask
	err := tx.Select(ctx, &tasks, `
        SELECT id, status, payload, topic, attempts, last_error, created_at, updated_at, completed_at
        FROM outbox_tasks
        WHERE status = $1 OR (status = $2 AND attempts < $3)
        ORDER BY updated_at ASC
        LIMIT $4
        FOR UPDATE SKIP LOCKED
    `, repository.TaskStatusCreated, repository.TaskStatusFailed, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get processable outbox tasks: %w", err)
	}
	return tasks, nil
}

func (r *OutboxTaskRepo) UpdateTaskStatusTx(ctx context.Context, tx db.Tx, id uuid.UUID, status repository.TaskStatus, attempts int, lastError *string, completedAt *time.Time) error {
	tag, err := tx.Exec(ctx, updateTaskStatusQuery, id, status, attempts, lastError, completedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update outbox task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrObjectNotFound
	}
	return nil
}

func (r *OutboxTaskRepo) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status repository.TaskStatus, attempts int, lastError *string, completedAt *time.Time) error {
	tag, err := r.db.Exec(ctx, updateTaskStatusQuery, id, status, attempts, lastError, completedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update outbox task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrObjectNotFound
	}
	return nil
}

const updateTaskStatusQuery = `
        UPDATE outbox_tasks
        SET
            status = $2,
            attempts = $3,
            last_error = $4,
            completed_at = $5,
            updated_at = $6
        WHERE id = $1
    `
