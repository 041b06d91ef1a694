// Package domain defines the webhook event ledger and the reconciliation
// contract. Every inbound delivery lands here exactly once; redeliveries hit
// the unique (provider, provider_event_id) index and short-circuit.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EventStatus string

const (
	EventStatusReceived  EventStatus = "received"
	EventStatusProcessed EventStatus = "processed"
	EventStatusFailed    EventStatus = "failed"
)

type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:idx_webhook_events_provider_event,priority:1"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:idx_webhook_events_provider_event,priority:2"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	Status          EventStatus    `json:"status" gorm:"type:text;not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"not null"`
}

func (EventRecord) TableName() string { return "webhook_events" }

var (
	// ErrMalformedPayload rejects a body that cannot be interpreted as an
	// event envelope. It is the only dispatch error surfaced to the client.
	ErrMalformedPayload = errors.New("payment_malformed_payload")
)

type Service interface {
	// HandleEvent verifies, deduplicates, and dispatches one raw delivery.
	// A signature or parse failure is returned; every other outcome is
	// swallowed into logs, the dead-letter queue, and metrics so the vendor
	// sees an acknowledgement.
	HandleEvent(ctx context.Context, rawBody []byte, signatureHeader string) error
}

type Repository interface {
	// InsertEvent reports false when the (provider, provider_event_id) pair
	// already exists.
	InsertEvent(ctx context.Context, db *gorm.DB, record *EventRecord) (bool, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status EventStatus, processedAt *time.Time) error
	FindByProviderEventID(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
}
