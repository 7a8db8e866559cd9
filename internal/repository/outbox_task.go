package repository

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "CREATED"
	TaskStatusProcessing TaskStatus = "PROCESSING"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusDone       TaskStatus = "DONE"
)

type OutboxTask struct {
	ID          uuid.UUID       `db:"id"`
	Status      TaskStatus      `db:"status"`
	Payload     json.RawMessage `db:"payload"`
	Topic       string          `db:"topic"`
	Attempts    int             `db:"attempts"`
	LastError   *string         `db:"last_error"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
	CompletedAt *time.Time      `db:"completed_at"`
}

// NotificationPayload is the message body pushed through the notification
// topic and delivered to the parties of an exchange.
type NotificationPayload struct {
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	ActionRef string    `json:"action_ref,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

type AuditLogPayload struct {
	Timestamp  time.Time `json:"timestamp"`
	UserID     string    `json:"user_id,omitempty"`
	TokenID    string    `json:"token_id,omitempty"`
	ExchangeID string    `json:"exchange_id,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Handler    string    `json:"handler"`
	StatusCode int       `json:"status_code"`
	Request    string    `json:"request,omitempty"`
	Response   string    `json:"response,omitempty"`
}
