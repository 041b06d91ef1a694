package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/ngandimoun/minato-payments/internal/config"
	notificationdomain "github.com/ngandimoun/minato-payments/internal/notification/domain"
	paymentlinkdomain "github.com/ngandimoun/minato-payments/internal/paymentlink/domain"
	"github.com/ngandimoun/minato-payments/internal/sale/domain"
	"github.com/ngandimoun/minato-payments/internal/stripe"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Cfg             config.Config
	Repo            domain.Repository
	Gateway         stripe.Gateway
	PaymentLinkSvc  paymentlinkdomain.Service
	NotificationSvc notificationdomain.Service
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	feePercent      float64
	repo            domain.Repository
	gateway         stripe.Gateway
	paymentLinkSvc  paymentlinkdomain.Service
	notificationSvc notificationdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("sale.service"),
		genID:           p.GenID,
		feePercent:      p.Cfg.PlatformFeePercent,
		repo:            p.Repo,
		gateway:         p.Gateway,
		paymentLinkSvc:  p.PaymentLinkSvc,
		notificationSvc: p.NotificationSvc,
	}
}

// PlatformFee computes the Minato share of a gross amount in minor units.
func PlatformFee(gross int64, percent float64) int64 {
	if gross <= 0 || percent <= 0 {
		return 0
	}
	return int64(math.Round(float64(gross) * percent / 100))
}

func (s *Service) RecordSale(ctx context.Context, req domain.RecordSaleRequest) error {
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" || req.SellerID == uuid.Nil {
		return domain.ErrInvalidRequest
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	existing, err := s.repo.FindBySession(ctx, s.db, req.SessionID)
	if err != nil {
		return err
	}
	if existing != nil {
		return domain.ErrDuplicateSession
	}

	platformFee := PlatformFee(req.AmountTotal, s.feePercent)

	// Processor fee is best-effort: a failed lookup leaves it at zero rather
	// than losing the sale.
	var stripeFee int64
	if req.PaymentIntentID != "" {
		detail, err := s.gateway.RetrievePaymentIntent(ctx, req.PaymentIntentID)
		if err != nil {
			s.log.Warn("payment intent fee lookup failed",
				zap.String("payment_intent", req.PaymentIntentID),
				zap.Error(err),
			)
		} else {
			stripeFee = detail.StripeFee
		}
	}

	now := time.Now().UTC()
	sale := &domain.Sale{
		ID:              s.genID.Generate(),
		SellerID:        req.SellerID,
		SessionID:       req.SessionID,
		PaymentIntentID: req.PaymentIntentID,
		ProductID:       req.ProductID,
		Quantity:        req.Quantity,
		AmountTotal:     req.AmountTotal,
		PlatformFee:     platformFee,
		StripeFee:       stripeFee,
		NetAmount:       req.AmountTotal - platformFee - stripeFee,
		Currency:        strings.ToUpper(strings.TrimSpace(req.Currency)),
		Status:          domain.SaleStatusCompleted,
		BuyerEmail:      strings.TrimSpace(req.BuyerEmail),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	inserted, err := s.repo.InsertSale(ctx, s.db, sale)
	if err != nil {
		return err
	}
	if !inserted {
		// Lost the insert race to a concurrent delivery of the same session.
		return domain.ErrDuplicateSession
	}

	if req.ProductID != nil {
		s.drawDownInventory(ctx, *req.ProductID, req.Quantity, req.SellerID)
	}

	if err := s.notificationSvc.Notify(ctx,
		req.SellerID,
		"New sale",
		fmt.Sprintf("You sold %d item(s) for %s %d.", sale.Quantity, sale.Currency, sale.AmountTotal),
		notificationdomain.SeveritySuccess,
		"/dashboard/sales",
	); err != nil {
		s.log.Warn("new sale notification failed", zap.Error(err))
	}

	return nil
}

func (s *Service) drawDownInventory(ctx context.Context, productID snowflake.ID, quantity int64, sellerID uuid.UUID) {
	remaining, err := s.repo.DecrementInventory(ctx, s.db, productID, quantity)
	if err != nil {
		s.log.Warn("inventory decrement failed",
			zap.Int64("product_id", int64(productID)),
			zap.Error(err),
		)
		return
	}
	if remaining == nil || *remaining > 0 {
		return
	}

	product, err := s.repo.FindProduct(ctx, s.db, productID)
	if err != nil || product == nil {
		s.log.Warn("sold out product lookup failed", zap.Int64("product_id", int64(productID)))
		return
	}

	if product.StripePaymentLinkID != "" {
		if err := s.gateway.UpdatePaymentLinkActive(ctx, product.StripePaymentLinkID, false); err != nil {
			s.log.Warn("payment link deactivation failed at stripe",
				zap.String("stripe_payment_link_id", product.StripePaymentLinkID),
				zap.Error(err),
			)
		}
		if err := s.paymentLinkSvc.SetActiveByStripeID(ctx, product.StripePaymentLinkID, false); err != nil &&
			err != paymentlinkdomain.ErrNotFound {
			s.log.Warn("payment link local deactivation failed", zap.Error(err))
		}
	}

	if err := s.repo.DeactivateProduct(ctx, s.db, productID); err != nil {
		s.log.Warn("product deactivation failed", zap.Error(err))
	}

	if err := s.notificationSvc.Notify(ctx,
		sellerID,
		"Product sold out",
		fmt.Sprintf("%s is out of stock and its payment link has been deactivated.", product.Name),
		notificationdomain.SeverityWarning,
		"/dashboard/products",
	); err != nil {
		s.log.Warn("sold out notification failed", zap.Error(err))
	}
}

func (s *Service) SetInvoiceStatus(ctx context.Context, sessionID string, status domain.SaleStatus) error {
	if status != domain.SaleStatusInvoiced && status != domain.SaleStatusInvoiceFailed {
		return domain.ErrInvalidRequest
	}

	sale, err := s.repo.FindBySession(ctx, s.db, sessionID)
	if err != nil {
		return err
	}
	if sale == nil {
		return domain.ErrNotFound
	}

	updated, err := s.repo.UpdateStatusBySession(ctx, s.db, sessionID, status)
	if err != nil {
		return err
	}
	if !updated {
		return domain.ErrNotFound
	}

	if status == domain.SaleStatusInvoiceFailed {
		if err := s.notificationSvc.Notify(ctx,
			sale.SellerID,
			"Invoice payment failed",
			fmt.Sprintf("An invoice payment for sale %s failed.", sale.SessionID),
			notificationdomain.SeverityError,
			"/dashboard/sales",
		); err != nil {
			s.log.Warn("invoice failure notification failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) MarkDisputedByIntent(ctx context.Context, intentID string) (*domain.Sale, error) {
	sale, err := s.repo.FindByPaymentIntent(ctx, s.db, intentID)
	if err != nil {
		return nil, err
	}
	if sale == nil {
		return nil, domain.ErrNotFound
	}

	if err := s.repo.UpdateStatusByID(ctx, s.db, sale.ID, domain.SaleStatusDisputed); err != nil {
		return nil, err
	}
	sale.Status = domain.SaleStatusDisputed
	return sale, nil
}

func (s *Service) ListBySeller(ctx context.Context, sellerID uuid.UUID, limit int) ([]domain.Sale, error) {
	if sellerID == uuid.Nil {
		return nil, domain.ErrInvalidRequest
	}
	return s.repo.ListBySeller(ctx, s.db, sellerID, limit)
}
