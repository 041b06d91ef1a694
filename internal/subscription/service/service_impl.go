package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/ngandimoun/minato-payments/internal/config"
	notificationdomain "github.com/ngandimoun/minato-payments/internal/notification/domain"
	"github.com/ngandimoun/minato-payments/internal/stripe"
	"github.com/ngandimoun/minato-payments/internal/subscription/domain"
	userdomain "github.com/ngandimoun/minato-payments/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Config        config.Config
	GenID         *snowflake.Node
	Repo          domain.Repository
	Users         userdomain.Repository
	Gateway       stripe.Gateway
	Notifications notificationdomain.Service
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	cfg           config.Config
	genID         *snowflake.Node
	repo          domain.Repository
	users         userdomain.Repository
	gateway       stripe.Gateway
	notifications notificationdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("subscription.service"),
		cfg:           p.Config,
		genID:         p.GenID,
		repo:          p.Repo,
		users:         p.Users,
		gateway:       p.Gateway,
		notifications: p.Notifications,
	}
}

// Upgrade provisions a Pro subscription after a reconciled upgrade checkout.
// The active-row guard makes redelivered or double-submitted checkouts a
// no-op instead of a second billing relationship.
func (s *Service) Upgrade(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return domain.ErrUserMissing
	}
	priceID := strings.TrimSpace(s.cfg.StripeProPriceID)
	if priceID == "" {
		return domain.ErrPriceMissing
	}

	user, err := s.users.FindByID(ctx, s.db, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return domain.ErrUserMissing
	}

	existing, err := s.repo.FindActiveByUser(ctx, s.db, userID)
	if err != nil {
		return err
	}
	if existing != nil {
		s.log.Info("upgrade skipped, subscription already active",
			zap.String("user_id", userID.String()),
			zap.String("stripe_subscription_id", existing.StripeSubscriptionID),
		)
		return nil
	}

	customerID := strings.TrimSpace(user.StripeCustomerID)
	if customerID == "" {
		customer, err := s.gateway.CreateCustomer(ctx, user.Email, user.ID.String())
		if err != nil {
			return err
		}
		if err := s.users.SetStripeCustomerID(ctx, s.db, user.ID, customer.ID); err != nil {
			return err
		}
		customerID = customer.ID
	}

	sub, err := s.gateway.CreateSubscription(ctx, customerID, priceID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &domain.Subscription{
			ID:                   s.genID.Generate(),
			UserID:               user.ID,
			StripeSubscriptionID: sub.ID,
			Status:               domain.StatusActive,
			CurrentPeriodEnd:     sub.CurrentPeriodEnd,
			CreatedAt:            now,
			UpdatedAt:            now,
		}); err != nil {
			return err
		}
		periodEnd := sub.CurrentPeriodEnd
		return s.users.UpdatePlan(ctx, tx, user.ID, userdomain.PlanPro, &periodEnd)
	}); err != nil {
		return err
	}

	if err := s.notifications.Notify(ctx, user.ID,
		"Minato Pro activated",
		"Your subscription is active. Pro features are now unlocked.",
		notificationdomain.SeveritySuccess, "/settings/billing",
	); err != nil {
		s.log.Warn("upgrade notification failed", zap.Error(err))
	}

	s.log.Info("user upgraded to pro",
		zap.String("user_id", user.ID.String()),
		zap.String("stripe_subscription_id", sub.ID),
	)
	return nil
}

// Expire marks the local row expired and downgrades the owner. Unknown
// subscription IDs are acknowledged silently so late deletions for rows we
// never tracked do not dead-letter forever.
func (s *Service) Expire(ctx context.Context, stripeSubscriptionID string) error {
	sub, err := s.repo.FindByStripeID(ctx, s.db, stripeSubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		s.log.Warn("deletion for untracked subscription",
			zap.String("stripe_subscription_id", stripeSubscriptionID))
		return nil
	}
	if sub.Status == domain.StatusExpired {
		return nil
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpdateStatus(ctx, tx, sub.ID, domain.StatusExpired, now); err != nil {
			return err
		}
		return s.users.UpdatePlan(ctx, tx, sub.UserID, userdomain.PlanExpired, &now)
	}); err != nil {
		return err
	}

	if err := s.notifications.Notify(ctx, sub.UserID,
		"Subscription ended",
		"Your Minato Pro subscription has ended. Renew any time to restore Pro features.",
		notificationdomain.SeverityWarning, "/settings/billing",
	); err != nil {
		s.log.Warn("expiry notification failed", zap.Error(err))
	}
	return nil
}
