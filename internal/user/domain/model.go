// Package domain contains the persistence model for Minato user rows as seen
// by the payments service: plan tier, Stripe identifiers, onboarding state.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PlanType string

const (
	PlanFree    PlanType = "free"
	PlanPro     PlanType = "pro"
	PlanExpired PlanType = "expired"
)

type User struct {
	ID                       uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	Email                    string     `json:"email" gorm:"type:text;not null"`
	PlanType                 PlanType   `json:"plan_type" gorm:"type:text;not null"`
	SubscriptionEndDate      *time.Time `json:"subscription_end_date"`
	StripeCustomerID         string     `json:"stripe_customer_id" gorm:"type:text"`
	StripeAccountID          string     `json:"stripe_account_id" gorm:"type:text;index"`
	StripeOnboardingComplete bool       `json:"stripe_onboarding_complete" gorm:"not null;default:false"`
	CreatedAt                time.Time  `json:"created_at" gorm:"not null"`
	UpdatedAt                time.Time  `json:"updated_at" gorm:"not null"`
}

func (User) TableName() string { return "users" }

var ErrNotFound = errors.New("user_not_found")

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id uuid.UUID) (*User, error)
	FindByStripeAccountID(ctx context.Context, db *gorm.DB, accountID string) (*User, error)
	SetStripeCustomerID(ctx context.Context, db *gorm.DB, id uuid.UUID, customerID string) error
	UpdatePlan(ctx context.Context, db *gorm.DB, id uuid.UUID, plan PlanType, periodEnd *time.Time) error
	SetOnboardingComplete(ctx context.Context, db *gorm.DB, id uuid.UUID, complete bool) error
}
