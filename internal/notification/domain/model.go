package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityUrgent  Severity = "urgent"
)

// Notification is a row consumed by the Minato presentation surface.
type Notification struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID    uuid.UUID    `json:"user_id" gorm:"type:uuid;not null;index"`
	Title     string       `json:"title" gorm:"type:text;not null"`
	Message   string       `json:"message" gorm:"type:text;not null"`
	Severity  Severity     `json:"severity" gorm:"type:text;not null"`
	Link      string       `json:"link" gorm:"type:text"`
	ReadAt    *time.Time   `json:"read_at"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
}

func (Notification) TableName() string { return "notifications" }

var (
	ErrNotFound       = errors.New("notification_not_found")
	ErrInvalidRequest = errors.New("notification_invalid_request")
)

type Service interface {
	Notify(ctx context.Context, userID uuid.UUID, title, message string, severity Severity, link string) error
	List(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, id snowflake.ID) error
}
