package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swapden/handover/internal/db"
	"github.com/swapden/handover/internal/repository"
)

type OutboxTaskRepo interface {
	GetProcessableTasks(ctx context.Context, tx db.Tx, limit, maxAttempts int) ([]*repository.OutboxTask, error)
	UpdateTaskStatusTx(ctx context.Context, tx db.Tx, id uuid.UUID, status repository.TaskStatus, attempts int, lastError *string, completedAt *time.Time) error
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, status repository.TaskStatus, attempts int, lastError *string, completedAt *time.Time) error
}

type PublisherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

// Publisher drains the transactional outbox into Kafka. Rows are claimed
// with FOR UPDATE SKIP LOCKED inside a single transaction so several
// publisher instances can run side by side without double-sending.
type Publisher struct {
	db             db.DB
	repo           OutboxTaskRepo
	producer       Producer
	config         PublisherConfig
	logger         *zap.Logger
	wg             sync.WaitGroup
	shutdownSignal chan struct{}
	stopOnce       sync.Once
}

func NewPublisher(db db.DB, repo OutboxTaskRepo, producer Producer, config PublisherConfig, logger *zap.Logger) *Publisher {
	return &Publisher{
		db:             db,
		repo:           repo,
		producer:       producer,
		config:         config,
		logger:         logger,
		shutdownSignal: make(chan struct{}),
	}
}

func (p *Publisher) Run(ctx context.Context) {
	p.logger.Info("outbox publisher started",
		zap.Duration("poll_interval", p.config.PollInterval),
		zap.Int("batch_size", p.config.BatchSize))
	p.wg.Add(1)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.processBatch(ctx); err != nil {
				p.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-p.shutdownSignal:
			p.wg.Done()
			return
		case <-ctx.Done():
			// The loop must be finished before Shutdown waits on the group,
			// so mark it done first.
			p.wg.Done()
			p.Shutdown()
			return
		}
	}
}

func (p *Publisher) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.shutdownSignal)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			p.logger.Info("outbox publisher stopped")
		case <-shutdownCtx.Done():
			p.logger.Warn("outbox publisher shutdown timed out")
		}

		if err := p.producer.Close(); err != nil {
			p.logger.Error("failed to close producer", zap.Error(err))
		}
	})
}

func (p *Publisher) processBatch(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(context.Background())
	}()

	tasks, err := p.repo.GetProcessableTasks(ctx, tx, p.config.BatchSize, p.config.MaxAttempts)
	if err != nil {
		return fmt.Errorf("failed to claim outbox tasks: %w", err)
	}

	if len(tasks) == 0 {
		return tx.Commit(ctx)
	}

	for _, task := range tasks {
		err := p.repo.UpdateTaskStatusTx(ctx, tx, task.ID, repository.TaskStatusProcessing, task.Attempts, nil, nil)
		if err != nil {
			return fmt.Errorf("failed to mark task %s as processing: %w", task.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit claim transaction: %w", err)
	}

	for _, task := range tasks {
		select {
		case <-p.shutdownSignal:
			return errors.New("publisher shutdown during batch")
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := p.processSingleTask(ctx, task); err != nil {
			p.logger.Error("failed to process outbox task",
				zap.String("task_id", task.ID.String()), zap.Error(err))
		}
	}

	return nil
}

func (p *Publisher) processSingleTask(ctx context.Context, task *repository.OutboxTask) error {
	key := []byte(task.ID.String())

	if err := p.producer.SendMessage(ctx, task.Topic, key, task.Payload); err != nil {
		newAttempts := task.Attempts + 1
		errMsg := err.Error()
		if newAttempts >= p.config.MaxAttempts {
			p.logger.Warn("outbox task reached max attempts",
				zap.String("task_id", task.ID.String()),
				zap.Int("attempts", newAttempts))
		}
		updateErr := p.repo.UpdateTaskStatus(ctx, task.ID, repository.TaskStatusFailed, newAttempts, &errMsg, nil)
		if updateErr != nil {
			return fmt.Errorf("failed to record send failure for task %s: %w", task.ID, updateErr)
		}
		return err
	}

	now := time.Now().UTC()
	if err := p.repo.UpdateTaskStatus(ctx, task.ID, repository.TaskStatusDone, task.Attempts, nil, &now); err != nil {
		return fmt.Errorf("failed to mark task %s done: %w", task.ID, err)
	}
	return nil
}
