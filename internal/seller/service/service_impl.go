package service

import (
	"context"
	"strings"

	notificationdomain "github.com/ngandimoun/minato-payments/internal/notification/domain"
	"github.com/ngandimoun/minato-payments/internal/seller/domain"
	"github.com/ngandimoun/minato-payments/internal/stripe"
	userdomain "github.com/ngandimoun/minato-payments/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Users         userdomain.Repository
	Gateway       stripe.Gateway
	Notifications notificationdomain.Service
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	users         userdomain.Repository
	gateway       stripe.Gateway
	notifications notificationdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("seller.service"),
		users:         p.Users,
		gateway:       p.Gateway,
		notifications: p.Notifications,
	}
}

// ReconcileAccount re-fetches the connected account rather than trusting the
// event payload, which may be stale by the time it is delivered. The stored
// onboarding flag is the dedupe: a seller is nudged only when the account
// transitions from ready to not-ready.
func (s *Service) ReconcileAccount(ctx context.Context, stripeAccountID string) error {
	stripeAccountID = strings.TrimSpace(stripeAccountID)
	if stripeAccountID == "" {
		return nil
	}

	user, err := s.users.FindByStripeAccountID(ctx, s.db, stripeAccountID)
	if err != nil {
		return err
	}
	if user == nil {
		// Accounts connected outside Minato show up here too.
		s.log.Warn("account.updated for unknown connected account",
			zap.String("stripe_account_id", stripeAccountID))
		return nil
	}

	account, err := s.gateway.RetrieveAccount(ctx, stripeAccountID)
	if err != nil {
		return err
	}

	ready := account.Ready()
	if ready == user.StripeOnboardingComplete {
		return nil
	}

	if err := s.users.SetOnboardingComplete(ctx, s.db, user.ID, ready); err != nil {
		return err
	}

	if ready {
		if err := s.notifications.Notify(ctx, user.ID,
			"Payouts enabled",
			"Your Stripe account is fully verified. You can now receive marketplace payouts.",
			notificationdomain.SeveritySuccess, "/settings/payouts",
		); err != nil {
			s.log.Warn("onboarding notification failed", zap.Error(err))
		}
	} else {
		if err := s.notifications.Notify(ctx, user.ID,
			"Action required on your Stripe account",
			"Stripe needs more information before payouts can continue. Review the outstanding requirements.",
			notificationdomain.SeverityUrgent, "/settings/payouts",
		); err != nil {
			s.log.Warn("onboarding notification failed", zap.Error(err))
		}
	}

	s.log.Info("connected account reconciled",
		zap.String("user_id", user.ID.String()),
		zap.String("stripe_account_id", stripeAccountID),
		zap.Bool("ready", ready),
	)
	return nil
}
