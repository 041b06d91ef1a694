package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/ngandimoun/minato-payments/internal/sale/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const saleColumns = `id, seller_id, session_id, payment_intent_id, product_id, quantity,
	amount_total, platform_fee, stripe_fee, net_amount, currency, status, buyer_email,
	created_at, updated_at`

func (r *repo) InsertSale(ctx context.Context, db *gorm.DB, sale *domain.Sale) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO sales (
			id, seller_id, session_id, payment_intent_id, product_id, quantity,
			amount_total, platform_fee, stripe_fee, net_amount, currency, status,
			buyer_email, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING`,
		sale.ID,
		sale.SellerID,
		sale.SessionID,
		sale.PaymentIntentID,
		sale.ProductID,
		sale.Quantity,
		sale.AmountTotal,
		sale.PlatformFee,
		sale.StripeFee,
		sale.NetAmount,
		sale.Currency,
		sale.Status,
		sale.BuyerEmail,
		sale.CreatedAt,
		sale.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindBySession(ctx context.Context, db *gorm.DB, sessionID string) (*domain.Sale, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, nil
	}
	var item domain.Sale
	err := db.WithContext(ctx).Raw(
		`SELECT `+saleColumns+`
		 FROM sales
		 WHERE session_id = ?
		 LIMIT 1`,
		sessionID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByPaymentIntent(ctx context.Context, db *gorm.DB, intentID string) (*domain.Sale, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return nil, nil
	}
	var item domain.Sale
	err := db.WithContext(ctx).Raw(
		`SELECT `+saleColumns+`
		 FROM sales
		 WHERE payment_intent_id = ?
		 LIMIT 1`,
		intentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateStatusBySession(ctx context.Context, db *gorm.DB, sessionID string, status domain.SaleStatus) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE sales
		 SET status = ?, updated_at = ?
		 WHERE session_id = ?`,
		status,
		time.Now().UTC(),
		strings.TrimSpace(sessionID),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdateStatusByID(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.SaleStatus) error {
	return db.WithContext(ctx).Exec(
		`UPDATE sales
		 SET status = ?, updated_at = ?
		 WHERE id = ?`,
		status,
		time.Now().UTC(),
		id,
	).Error
}

func (r *repo) ListBySeller(ctx context.Context, db *gorm.DB, sellerID uuid.UUID, limit int) ([]domain.Sale, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var items []domain.Sale
	err := db.WithContext(ctx).Raw(
		`SELECT `+saleColumns+`
		 FROM sales
		 WHERE seller_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		sellerID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindProduct(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Product, error) {
	var item domain.Product
	err := db.WithContext(ctx).Raw(
		`SELECT id, seller_id, name, stripe_product_id, stripe_payment_link_id,
			inventory_quantity, active, created_at, updated_at
		 FROM products
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// DecrementInventory subtracts quantity server-side and returns the remaining
// count, or nil when the product tracks unlimited stock.
func (r *repo) DecrementInventory(ctx context.Context, db *gorm.DB, id snowflake.ID, quantity int64) (*int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE products
		 SET inventory_quantity = inventory_quantity - ?, updated_at = ?
		 WHERE id = ? AND inventory_quantity IS NOT NULL`,
		quantity,
		time.Now().UTC(),
		id,
	)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	var remaining int64
	err := db.WithContext(ctx).Raw(
		`SELECT inventory_quantity FROM products WHERE id = ?`,
		id,
	).Scan(&remaining).Error
	if err != nil {
		return nil, err
	}
	return &remaining, nil
}

func (r *repo) DeactivateProduct(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE products
		 SET active = ?, updated_at = ?
		 WHERE id = ?`,
		false,
		time.Now().UTC(),
		id,
	).Error
}
