package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Category names a bucket of one-time credits a user can spend.
type Category string

const (
	CategoryLeads      Category = "leads"
	CategoryRecordings Category = "recordings"
	CategoryImages     Category = "images"
	CategoryVideos     Category = "videos"
)

func ValidCategory(c Category) bool {
	switch c {
	case CategoryLeads, CategoryRecordings, CategoryImages, CategoryVideos:
		return true
	default:
		return false
	}
}

// Balance is one (user, category) bucket. The amount column is only ever
// mutated by a server-side arithmetic upsert so concurrent grants cannot
// lose updates.
type Balance struct {
	UserID    uuid.UUID `json:"user_id" gorm:"type:uuid;primaryKey"`
	Category  Category  `json:"category" gorm:"type:text;primaryKey"`
	Amount    int64     `json:"amount" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (Balance) TableName() string { return "credit_balances" }

// Purchase is the ledger row guarding against double-crediting a checkout
// session, independent of the webhook event ledger.
type Purchase struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID    uuid.UUID    `json:"user_id" gorm:"type:uuid;not null;index"`
	SessionID string       `json:"session_id" gorm:"type:text;not null;uniqueIndex"`
	PackID    string       `json:"pack_id" gorm:"type:text;not null"`
	Category  Category     `json:"category" gorm:"type:text;not null"`
	Quantity  int64        `json:"quantity" gorm:"not null"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
}

func (Purchase) TableName() string { return "credit_purchases" }

var (
	ErrInvalidRequest   = errors.New("credit_invalid_request")
	ErrInvalidCategory  = errors.New("credit_invalid_category")
	ErrInvalidQuantity  = errors.New("credit_invalid_quantity")
	ErrDuplicateSession = errors.New("credit_duplicate_session")
)

// GrantRequest describes a reconciled credit-purchase event.
type GrantRequest struct {
	UserID    uuid.UUID
	SessionID string
	PackID    string
	Category  Category
	Quantity  int64
}

type Service interface {
	GrantPurchase(ctx context.Context, req GrantRequest) error
	Balances(ctx context.Context, userID uuid.UUID) (map[Category]int64, error)
}

type Repository interface {
	AddCredits(ctx context.Context, db *gorm.DB, userID uuid.UUID, category Category, quantity int64) error
	Balances(ctx context.Context, db *gorm.DB, userID uuid.UUID) ([]Balance, error)
	InsertPurchase(ctx context.Context, db *gorm.DB, purchase *Purchase) (bool, error)
}
