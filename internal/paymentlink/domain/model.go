package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// PaymentLink mirrors the vendor's payment-link object for links owned by
// Minato sellers. Stripe is authoritative; rows here track the active flag
// for local reads.
type PaymentLink struct {
	ID                  snowflake.ID  `json:"id" gorm:"primaryKey"`
	SellerID            uuid.UUID     `json:"seller_id" gorm:"type:uuid;not null;index"`
	ProductID           *snowflake.ID `json:"product_id"`
	StripePaymentLinkID string        `json:"stripe_payment_link_id" gorm:"type:text;not null;uniqueIndex"`
	Active              bool          `json:"active" gorm:"not null;default:true"`
	CreatedAt           time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt           time.Time     `json:"updated_at" gorm:"not null"`
}

func (PaymentLink) TableName() string { return "payment_links" }

var ErrNotFound = errors.New("payment_link_not_found")

// MirrorUpdate is a payment_link.updated delivery reduced to what the local
// mirror needs.
type MirrorUpdate struct {
	StripePaymentLinkID string
	Active              bool
	// SessionLimitReached is set when Stripe deactivated the link because its
	// configured completed-sessions limit was hit.
	SessionLimitReached bool
}

type Service interface {
	Mirror(ctx context.Context, update MirrorUpdate) error
	SetActiveByStripeID(ctx context.Context, stripeLinkID string, active bool) error
	FindByStripeID(ctx context.Context, stripeLinkID string) (*PaymentLink, error)
}
