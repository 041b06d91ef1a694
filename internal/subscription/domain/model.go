package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Subscription is the local mirror of a user's recurring-billing
// relationship with Stripe. A user holds at most one active row.
type Subscription struct {
	ID                   snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID               uuid.UUID    `json:"user_id" gorm:"type:uuid;not null;index"`
	StripeSubscriptionID string       `json:"stripe_subscription_id" gorm:"type:text;not null;uniqueIndex"`
	Status               Status       `json:"status" gorm:"type:text;not null"`
	CurrentPeriodEnd     time.Time    `json:"current_period_end" gorm:"not null"`
	CreatedAt            time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt            time.Time    `json:"updated_at" gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

var (
	ErrAlreadyActive = errors.New("subscription_already_active")
	ErrNotFound      = errors.New("subscription_not_found")
	ErrUserMissing   = errors.New("subscription_user_missing")
	ErrPriceMissing  = errors.New("subscription_price_missing")
)

type Service interface {
	// Upgrade provisions a Pro subscription for a user after a qualifying
	// checkout completion.
	Upgrade(ctx context.Context, userID uuid.UUID) error
	// Expire downgrades the user owning the given Stripe subscription.
	Expire(ctx context.Context, stripeSubscriptionID string) error
}

type Repository interface {
	FindActiveByUser(ctx context.Context, db *gorm.DB, userID uuid.UUID) (*Subscription, error)
	FindByStripeID(ctx context.Context, db *gorm.DB, stripeSubscriptionID string) (*Subscription, error)
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, periodEnd time.Time) error
}
