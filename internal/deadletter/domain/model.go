// Package domain holds the dead-letter queue for payment events whose
// reconciliation failed after the delivery was already acknowledged. Rows are
// retried on a backoff schedule until they succeed or run out of attempts.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DeadLetter struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;index"`
	Operation       string         `json:"operation" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	LastError       string         `json:"last_error" gorm:"type:text"`
	Attempts        int            `json:"attempts" gorm:"not null;default:0"`
	NextAttemptAt   time.Time      `json:"next_attempt_at" gorm:"not null;index"`
	ResolvedAt      *time.Time     `json:"resolved_at"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"not null"`
}

func (DeadLetter) TableName() string { return "dead_letters" }

// Store enqueues failed reconciliations. The payment dispatcher writes here
// after logging and acknowledging the delivery.
type Store interface {
	Enqueue(ctx context.Context, providerEventID, operation string, payload []byte, cause error) error
}

// Handler replays one dead letter; the payment dispatcher implements it.
type Handler interface {
	Replay(ctx context.Context, dl *DeadLetter) error
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, dl *DeadLetter) error
	DueBatch(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts, limit int) ([]DeadLetter, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, nextAttemptAt time.Time) error
	Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
}
