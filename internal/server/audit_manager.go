package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swapden/handover/internal/repository"
)

const AuditTopic = "handover_audit_logs"

type OutboxTaskCreator interface {
	Create(ctx context.Context, task *repository.OutboxTask) error
}

// AuditManager batches request audit entries and stages each batch as one
// outbox task on the audit topic. Entries are collected off the request path
// so a slow store never adds latency to a handler.
type AuditManager struct {
	workerCount int
	batchSize   int
	timeout     time.Duration

	tasks  OutboxTaskCreator
	logger *zap.Logger

	inputChan  chan repository.AuditLogPayload
	batchChan  chan []repository.AuditLogPayload
	shutdownCh chan struct{}
	once       sync.Once
	wg         sync.WaitGroup
}

func NewAuditManager(workerCount, batchSize int, timeout time.Duration, tasks OutboxTaskCreator, logger *zap.Logger) *AuditManager {
	return &AuditManager{
		workerCount: workerCount,
		batchSize:   batchSize,
		timeout:     timeout,
		tasks:       tasks,
		logger:      logger,
		inputChan:   make(chan repository.AuditLogPayload, workerCount*batchSize*2),
		batchChan:   make(chan []repository.AuditLogPayload, workerCount*2),
		shutdownCh:  make(chan struct{}),
	}
}

func (m *AuditManager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.runAggregator(ctx)

	for i := 0; i < m.workerCount; i++ {
		m.wg.Add(1)
		go m.runWorker(ctx, i)
	}

	go m.monitorShutdown(ctx)
}

func (m *AuditManager) Shutdown(ctx context.Context) {
	m.once.Do(func() {
		close(m.shutdownCh)

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			m.logger.Info("audit manager stopped")
		case <-ctx.Done():
			m.logger.Warn("audit manager shutdown interrupted")
		}
	})
}

func (m *AuditManager) monitorShutdown(ctx context.Context) {
	<-ctx.Done()
	m.Shutdown(context.Background())
}

func (m *AuditManager) LogEntry(ctx context.Context, entry repository.AuditLogPayload) {
	select {
	case m.inputChan <- entry:
	case <-ctx.Done():
		m.logger.Warn("audit entry dropped, request context cancelled",
			zap.String("path", entry.Path))
	}
}

func (m *AuditManager) runAggregator(ctx context.Context) {
	defer m.wg.Done()

	var (
		batch    []repository.AuditLogPayload
		timer    *time.Timer
		timeoutC <-chan time.Time
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
		if len(batch) > 0 {
			m.dispatchBatch(batch)
		}
		close(m.batchChan)
	}()

	for {
		select {
		case entry, ok := <-m.inputChan:
			if !ok {
				return
			}

			batch = append(batch, entry)
			if len(batch) >= m.batchSize {
				m.dispatchBatch(batch)
				batch = nil
				timeoutC = nil
			} else if len(batch) == 1 {
				timer = time.NewTimer(m.timeout)
				timeoutC = timer.C
			}

		case <-timeoutC:
			m.dispatchBatch(batch)
			batch = nil
			timeoutC = nil

		case <-ctx.Done():
			return

		case <-m.shutdownCh:
			return
		}
	}
}

func (m *AuditManager) dispatchBatch(batch []repository.AuditLogPayload) {
	batchCopy := make([]repository.AuditLogPayload, len(batch))
	copy(batchCopy, batch)

	select {
	case m.batchChan <- batchCopy:
	default:
		// All workers busy: persist inline rather than drop.
		m.storeBatch(batchCopy)
	}
}

func (m *AuditManager) runWorker(ctx context.Context, id int) {
	defer m.wg.Done()

	for {
		select {
		case batch, ok := <-m.batchChan:
			if !ok {
				return
			}
			m.storeBatch(batch)
		case <-ctx.Done():
			for {
				select {
				case batch, ok := <-m.batchChan:
					if !ok {
						return
					}
					m.storeBatch(batch)
				default:
					return
				}
			}
		}
	}
}

func (m *AuditManager) storeBatch(batch []repository.AuditLogPayload) {
	payload, err := json.Marshal(batch)
	if err != nil {
		m.logger.Error("failed to marshal audit batch", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task := &repository.OutboxTask{
		Topic:   AuditTopic,
		Payload: payload,
	}
	if err := m.tasks.Create(ctx, task); err != nil {
		m.logger.Error("failed to stage audit batch",
			zap.Int("entries", len(batch)), zap.Error(err))
	}
}
