package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ngandimoun/minato-payments/internal/credit/domain"
	dbpkg "github.com/ngandimoun/minato-payments/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// AddCredits merges quantity into one (user, category) bucket with a single
// server-side arithmetic upsert. Concurrent grants for the same user contend
// on the row, not on an application-level read-modify-write.
func (r *repo) AddCredits(ctx context.Context, db *gorm.DB, userID uuid.UUID, category domain.Category, quantity int64) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_balances (user_id, category, amount, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, category)
		 DO UPDATE SET amount = credit_balances.amount + ?, updated_at = ?`,
		userID,
		category,
		quantity,
		now,
		quantity,
		now,
	).Error
}

func (r *repo) Balances(ctx context.Context, db *gorm.DB, userID uuid.UUID) ([]domain.Balance, error) {
	var items []domain.Balance
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, category, amount, updated_at
		 FROM credit_balances
		 WHERE user_id = ?`,
		userID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertPurchase(ctx context.Context, db *gorm.DB, purchase *domain.Purchase) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO credit_purchases (id, user_id, session_id, pack_id, category, quantity, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO NOTHING`,
		purchase.ID,
		purchase.UserID,
		purchase.SessionID,
		purchase.PackID,
		purchase.Category,
		purchase.Quantity,
		purchase.CreatedAt,
	)
	if res.Error != nil {
		if dbpkg.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
