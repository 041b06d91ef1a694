package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ngandimoun/minato-payments/internal/user/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id uuid.UUID) (*domain.User, error) {
	var item domain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, plan_type, subscription_end_date, stripe_customer_id,
			stripe_account_id, stripe_onboarding_complete, created_at, updated_at
		 FROM users
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == uuid.Nil {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByStripeAccountID(ctx context.Context, db *gorm.DB, accountID string) (*domain.User, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, nil
	}
	var item domain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, plan_type, subscription_end_date, stripe_customer_id,
			stripe_account_id, stripe_onboarding_complete, created_at, updated_at
		 FROM users
		 WHERE stripe_account_id = ?
		 LIMIT 1`,
		accountID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == uuid.Nil {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) SetStripeCustomerID(ctx context.Context, db *gorm.DB, id uuid.UUID, customerID string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE users
		 SET stripe_customer_id = ?, updated_at = ?
		 WHERE id = ?`,
		strings.TrimSpace(customerID),
		time.Now().UTC(),
		id,
	).Error
}

func (r *repo) UpdatePlan(ctx context.Context, db *gorm.DB, id uuid.UUID, plan domain.PlanType, periodEnd *time.Time) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE users
		 SET plan_type = ?, subscription_end_date = ?, updated_at = ?
		 WHERE id = ?`,
		plan,
		periodEnd,
		time.Now().UTC(),
		id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *repo) SetOnboardingComplete(ctx context.Context, db *gorm.DB, id uuid.UUID, complete bool) error {
	return db.WithContext(ctx).Exec(
		`UPDATE users
		 SET stripe_onboarding_complete = ?, updated_at = ?
		 WHERE id = ?`,
		complete,
		time.Now().UTC(),
		id,
	).Error
}
