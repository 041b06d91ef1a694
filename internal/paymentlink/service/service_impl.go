package service

import (
	"context"
	"strings"
	"time"

	notificationdomain "github.com/ngandimoun/minato-payments/internal/notification/domain"
	"github.com/ngandimoun/minato-payments/internal/paymentlink/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	NotificationSvc notificationdomain.Service
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	notificationSvc notificationdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("paymentlink.service"),
		notificationSvc: p.NotificationSvc,
	}
}

// Mirror applies a payment_link.updated delivery to the local row. Links not
// tracked locally are ignored; sellers can create links outside Minato.
func (s *Service) Mirror(ctx context.Context, update domain.MirrorUpdate) error {
	link, err := s.FindByStripeID(ctx, update.StripePaymentLinkID)
	if err != nil {
		return err
	}
	if link == nil {
		s.log.Debug("payment link not tracked locally",
			zap.String("stripe_payment_link_id", update.StripePaymentLinkID))
		return nil
	}

	wasActive := link.Active
	if err := s.SetActiveByStripeID(ctx, update.StripePaymentLinkID, update.Active); err != nil {
		return err
	}

	if wasActive && !update.Active && update.SessionLimitReached {
		if err := s.notificationSvc.Notify(ctx,
			link.SellerID,
			"Payment link deactivated",
			"Your payment link reached its configured sales limit and has been turned off.",
			notificationdomain.SeverityInfo,
			"/dashboard/links",
		); err != nil {
			s.log.Warn("payment link notification failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) SetActiveByStripeID(ctx context.Context, stripeLinkID string, active bool) error {
	stripeLinkID = strings.TrimSpace(stripeLinkID)
	if stripeLinkID == "" {
		return domain.ErrNotFound
	}
	res := s.db.WithContext(ctx).Exec(
		`UPDATE payment_links
		 SET active = ?, updated_at = ?
		 WHERE stripe_payment_link_id = ?`,
		active,
		time.Now().UTC(),
		stripeLinkID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Service) FindByStripeID(ctx context.Context, stripeLinkID string) (*domain.PaymentLink, error) {
	stripeLinkID = strings.TrimSpace(stripeLinkID)
	if stripeLinkID == "" {
		return nil, nil
	}
	var item domain.PaymentLink
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, seller_id, product_id, stripe_payment_link_id, active, created_at, updated_at
		 FROM payment_links
		 WHERE stripe_payment_link_id = ?
		 LIMIT 1`,
		stripeLinkID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
