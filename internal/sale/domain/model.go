// Package domain contains persistence models for marketplace sales and the
// finite-inventory products they draw down.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SaleStatus string

const (
	SaleStatusCompleted     SaleStatus = "completed"
	SaleStatusInvoiced      SaleStatus = "invoiced"
	SaleStatusInvoiceFailed SaleStatus = "invoice_failed"
	SaleStatusDisputed      SaleStatus = "disputed"
)

// Sale is one row per completed checkout session. SessionID is unique so a
// redelivered completion notification can never credit a seller twice.
type Sale struct {
	ID              snowflake.ID  `json:"id" gorm:"primaryKey"`
	SellerID        uuid.UUID     `json:"seller_id" gorm:"type:uuid;not null;index"`
	SessionID       string        `json:"session_id" gorm:"type:text;not null;uniqueIndex"`
	PaymentIntentID string        `json:"payment_intent_id" gorm:"type:text;index"`
	ProductID       *snowflake.ID `json:"product_id"`
	Quantity        int64         `json:"quantity" gorm:"not null"`
	AmountTotal     int64         `json:"amount_total" gorm:"not null"`
	PlatformFee     int64         `json:"platform_fee" gorm:"not null"`
	StripeFee       int64         `json:"stripe_fee" gorm:"not null"`
	NetAmount       int64         `json:"net_amount" gorm:"not null"`
	Currency        string        `json:"currency" gorm:"type:text;not null"`
	Status          SaleStatus    `json:"status" gorm:"type:text;not null"`
	BuyerEmail      string        `json:"buyer_email" gorm:"type:text"`
	CreatedAt       time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time     `json:"updated_at" gorm:"not null"`
}

func (Sale) TableName() string { return "sales" }

// Product is a seller listing with optional finite inventory. A nil
// InventoryQuantity means unlimited stock.
type Product struct {
	ID                  snowflake.ID `json:"id" gorm:"primaryKey"`
	SellerID            uuid.UUID    `json:"seller_id" gorm:"type:uuid;not null;index"`
	Name                string       `json:"name" gorm:"type:text;not null"`
	StripeProductID     string       `json:"stripe_product_id" gorm:"type:text"`
	StripePaymentLinkID string       `json:"stripe_payment_link_id" gorm:"type:text"`
	InventoryQuantity   *int64       `json:"inventory_quantity"`
	Active              bool         `json:"active" gorm:"not null;default:true"`
	CreatedAt           time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt           time.Time    `json:"updated_at" gorm:"not null"`
}

func (Product) TableName() string { return "products" }

var (
	ErrInvalidRequest   = errors.New("sale_invalid_request")
	ErrDuplicateSession = errors.New("sale_duplicate_session")
	ErrNotFound         = errors.New("sale_not_found")
)

// RecordSaleRequest is a reconciled marketplace checkout completion.
type RecordSaleRequest struct {
	SessionID       string
	PaymentIntentID string
	SellerID        uuid.UUID
	ProductID       *snowflake.ID
	Quantity        int64
	AmountTotal     int64
	Currency        string
	BuyerEmail      string
}

type Service interface {
	RecordSale(ctx context.Context, req RecordSaleRequest) error
	SetInvoiceStatus(ctx context.Context, sessionID string, status SaleStatus) error
	MarkDisputedByIntent(ctx context.Context, intentID string) (*Sale, error)
	ListBySeller(ctx context.Context, sellerID uuid.UUID, limit int) ([]Sale, error)
}

type Repository interface {
	InsertSale(ctx context.Context, db *gorm.DB, sale *Sale) (bool, error)
	FindBySession(ctx context.Context, db *gorm.DB, sessionID string) (*Sale, error)
	FindByPaymentIntent(ctx context.Context, db *gorm.DB, intentID string) (*Sale, error)
	UpdateStatusBySession(ctx context.Context, db *gorm.DB, sessionID string, status SaleStatus) (bool, error)
	UpdateStatusByID(ctx context.Context, db *gorm.DB, id snowflake.ID, status SaleStatus) error
	ListBySeller(ctx context.Context, db *gorm.DB, sellerID uuid.UUID, limit int) ([]Sale, error)

	FindProduct(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Product, error)
	DecrementInventory(ctx context.Context, db *gorm.DB, id snowflake.ID, quantity int64) (*int64, error)
	DeactivateProduct(ctx context.Context, db *gorm.DB, id snowflake.ID) error
}
