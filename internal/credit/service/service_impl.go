package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/ngandimoun/minato-payments/internal/credit/domain"
	"github.com/ngandimoun/minato-payments/internal/lock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const grantLockTTL = 15 * time.Second

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Repo   domain.Repository
	Locker *lock.Locker `optional:"true"`
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	repo   domain.Repository
	locker *lock.Locker
}

func NewService(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("credit.service"),
		genID:  p.GenID,
		repo:   p.Repo,
		locker: p.Locker,
	}
}

// GrantPurchase applies one reconciled credit-purchase checkout. The purchase
// ledger insert and the balance merge-add commit in one transaction, so a
// session is credited at most once no matter how often it is redelivered.
func (s *Service) GrantPurchase(ctx context.Context, req domain.GrantRequest) error {
	if !domain.ValidCategory(req.Category) {
		return domain.ErrInvalidCategory
	}
	if req.Quantity <= 0 {
		return domain.ErrInvalidQuantity
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.UserID == uuid.Nil || req.SessionID == "" {
		return domain.ErrInvalidRequest
	}

	if s.locker != nil {
		key := "credit_grant:" + req.UserID.String()
		token, ok, err := s.locker.TryLock(ctx, key, grantLockTTL)
		if err != nil {
			s.log.Warn("credit grant lock unavailable", zap.Error(err))
		} else if ok {
			defer func() {
				_ = s.locker.Release(ctx, key, token)
			}()
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertPurchase(ctx, tx, &domain.Purchase{
			ID:        s.genID.Generate(),
			UserID:    req.UserID,
			SessionID: req.SessionID,
			PackID:    strings.TrimSpace(req.PackID),
			Category:  req.Category,
			Quantity:  req.Quantity,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if !inserted {
			return domain.ErrDuplicateSession
		}

		return s.repo.AddCredits(ctx, tx, req.UserID, req.Category, req.Quantity)
	})
}

func (s *Service) Balances(ctx context.Context, userID uuid.UUID) (map[domain.Category]int64, error) {
	rows, err := s.repo.Balances(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}

	// Absent rows read as zero; categories never purchased stay at zero.
	out := map[domain.Category]int64{
		domain.CategoryLeads:      0,
		domain.CategoryRecordings: 0,
		domain.CategoryImages:     0,
		domain.CategoryVideos:     0,
	}
	for _, row := range rows {
		out[row.Category] = row.Amount
	}
	return out, nil
}
