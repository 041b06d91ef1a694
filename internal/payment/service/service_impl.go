package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/ngandimoun/minato-payments/internal/config"
	creditdomain "github.com/ngandimoun/minato-payments/internal/credit/domain"
	deadletterdomain "github.com/ngandimoun/minato-payments/internal/deadletter/domain"
	notificationdomain "github.com/ngandimoun/minato-payments/internal/notification/domain"
	obsmetrics "github.com/ngandimoun/minato-payments/internal/observability/metrics"
	"github.com/ngandimoun/minato-payments/internal/payment/domain"
	paymentlinkdomain "github.com/ngandimoun/minato-payments/internal/paymentlink/domain"
	saledomain "github.com/ngandimoun/minato-payments/internal/sale/domain"
	sellerdomain "github.com/ngandimoun/minato-payments/internal/seller/domain"
	"github.com/ngandimoun/minato-payments/internal/stripe"
	subscriptiondomain "github.com/ngandimoun/minato-payments/internal/subscription/domain"
	userdomain "github.com/ngandimoun/minato-payments/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Checkout metadata keys written by the Minato frontend when it creates a
// session. The "type" key routes the completion; its absence means a
// marketplace sale.
const (
	metaType     = "type"
	metaUserID   = "minatoUserId"
	metaSellerID = "sellerId"
	metaPack     = "packId"
	metaCategory = "creditCategory"
	metaQuantity = "quantity"
	metaProduct  = "productId"

	checkoutTypeSubscription = "subscription_upgrade"
	checkoutTypeCredits      = "credit_purchase"

	providerStripe = "stripe"
)

// resumeAfter separates an abandoned ledger row (crash between insert and
// apply) from one a concurrent delivery is still working on. The loser of
// the unique-constraint race must acknowledge without dispatching.
const resumeAfter = 5 * time.Minute

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Config        config.Config
	GenID         *snowflake.Node
	Repo          domain.Repository
	Users         userdomain.Repository
	Subscriptions subscriptiondomain.Service
	Credits       creditdomain.Service
	Sales         saledomain.Service
	Sellers       sellerdomain.Service
	PaymentLinks  paymentlinkdomain.Service
	Notifications notificationdomain.Service
	DeadLetters   deadletterdomain.Store
	Metrics       *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	cfg           config.Config
	genID         *snowflake.Node
	repo          domain.Repository
	users         userdomain.Repository
	subscriptions subscriptiondomain.Service
	credits       creditdomain.Service
	sales         saledomain.Service
	sellers       sellerdomain.Service
	paymentLinks  paymentlinkdomain.Service
	notifications notificationdomain.Service
	deadLetters   deadletterdomain.Store
	metrics       *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payment.service"),
		cfg:           p.Config,
		genID:         p.GenID,
		repo:          p.Repo,
		users:         p.Users,
		subscriptions: p.Subscriptions,
		credits:       p.Credits,
		sales:         p.Sales,
		sellers:       p.Sellers,
		paymentLinks:  p.PaymentLinks,
		notifications: p.Notifications,
		deadLetters:   p.DeadLetters,
		metrics:       p.Metrics,
	}
}

func AsService(s *Service) domain.Service { return s }

func AsDeadLetterHandler(s *Service) deadletterdomain.Handler { return s }

// HandleEvent is the single entry point for inbound Stripe deliveries.
// Only signature and parse failures propagate to the caller; every other
// outcome acknowledges the delivery so Stripe stops redelivering.
func (s *Service) HandleEvent(ctx context.Context, rawBody []byte, signatureHeader string) error {
	if err := s.verify(rawBody, signatureHeader); err != nil {
		s.metrics.RecordWebhookEvent(ctx, "unknown", "rejected")
		return err
	}

	var evt stripe.Event
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		s.metrics.RecordWebhookEvent(ctx, "unknown", "malformed")
		return domain.ErrMalformedPayload
	}
	if strings.TrimSpace(evt.ID) == "" || strings.TrimSpace(evt.Type) == "" {
		s.metrics.RecordWebhookEvent(ctx, evt.Type, "malformed")
		return domain.ErrMalformedPayload
	}

	now := time.Now().UTC()
	record := &domain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        providerStripe,
		ProviderEventID: evt.ID,
		EventType:       evt.Type,
		Payload:         datatypes.JSON(rawBody),
		Status:          domain.EventStatusReceived,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	fresh, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		// The ledger itself is down. Without a dedupe record we cannot
		// safely apply side effects; park the delivery for replay.
		s.log.Error("event ledger insert failed", zap.String("event_id", evt.ID), zap.Error(err))
		s.deadLetter(ctx, evt.ID, evt.Type, rawBody, err)
		return nil
	}
	if !fresh {
		existing, err := s.repo.FindByProviderEventID(ctx, s.db, providerStripe, evt.ID)
		if err != nil || existing == nil || existing.Status == domain.EventStatusProcessed {
			s.log.Info("duplicate delivery ignored",
				zap.String("event_id", evt.ID),
				zap.String("event_type", evt.Type),
			)
			s.metrics.RecordWebhookEvent(ctx, evt.Type, "duplicate")
			return nil
		}
		if now.Sub(existing.UpdatedAt) < resumeAfter {
			s.log.Info("event already in flight, acknowledging",
				zap.String("event_id", evt.ID),
				zap.String("event_type", evt.Type),
			)
			s.metrics.RecordWebhookEvent(ctx, evt.Type, "duplicate")
			return nil
		}
		// The earlier delivery inserted its ledger row but never finished
		// applying it. Resume against the existing row.
		s.log.Warn("resuming unfinished delivery",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type),
		)
		record = existing
	}

	if err := s.dispatch(ctx, &evt); err != nil {
		s.markStatus(ctx, record.ID, domain.EventStatusFailed)
		if retryable(err) {
			s.metrics.RecordWebhookEvent(ctx, evt.Type, "dead_lettered")
			s.deadLetter(ctx, evt.ID, evt.Type, rawBody, err)
		} else {
			s.metrics.RecordWebhookEvent(ctx, evt.Type, "aborted")
			s.log.Warn("event branch aborted",
				zap.String("event_id", evt.ID),
				zap.String("event_type", evt.Type),
				zap.Error(err),
			)
		}
		return nil
	}

	s.markStatus(ctx, record.ID, domain.EventStatusProcessed)
	s.metrics.RecordWebhookEvent(ctx, evt.Type, "processed")
	return nil
}

// Replay re-runs the dispatch for a dead-lettered delivery. The per-entity
// duplicate guards inside each branch make a replay of a partially applied
// event safe.
func (s *Service) Replay(ctx context.Context, dl *deadletterdomain.DeadLetter) error {
	var evt stripe.Event
	if err := json.Unmarshal(dl.Payload, &evt); err != nil {
		return err
	}
	if err := s.dispatch(ctx, &evt); err != nil {
		return err
	}
	if record, err := s.repo.FindByProviderEventID(ctx, s.db, dl.Provider, dl.ProviderEventID); err == nil && record != nil {
		s.markStatus(ctx, record.ID, domain.EventStatusProcessed)
	}
	return nil
}

func (s *Service) verify(rawBody []byte, signatureHeader string) error {
	secret := strings.TrimSpace(s.cfg.StripeWebhookSecret)
	if secret == "" {
		if s.cfg.IsProduction() {
			s.log.Error("webhook secret not configured in production, rejecting delivery")
			return stripe.ErrInvalidSignature
		}
		s.log.Warn("webhook secret not configured, accepting unverified payload")
		return nil
	}
	return stripe.VerifySignature(secret, rawBody, signatureHeader)
}

func (s *Service) dispatch(ctx context.Context, evt *stripe.Event) error {
	switch evt.Type {
	case stripe.EventCheckoutSessionCompleted:
		return s.handleCheckoutCompleted(ctx, evt)
	case stripe.EventAccountUpdated:
		return s.handleAccountUpdated(ctx, evt)
	case stripe.EventSubscriptionCreated, stripe.EventSubscriptionUpdated:
		// Tier changes ride on the checkout event; these are informational.
		s.log.Info("subscription lifecycle event observed",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type),
		)
		return nil
	case stripe.EventSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, evt)
	case stripe.EventPaymentLinkUpdated:
		return s.handlePaymentLinkUpdated(ctx, evt)
	case stripe.EventInvoicePaid:
		return s.handleInvoice(ctx, evt, saledomain.SaleStatusInvoiced)
	case stripe.EventInvoicePaymentFailed:
		return s.handleInvoice(ctx, evt, saledomain.SaleStatusInvoiceFailed)
	case stripe.EventChargeDisputeCreated:
		return s.handleDisputeCreated(ctx, evt)
	default:
		s.log.Info("unrecognized event type acknowledged",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type),
		)
		return nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, evt *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Object, &session); err != nil {
		return errBranch("decode checkout session", err)
	}
	if session.PaymentStatus != "paid" {
		s.log.Info("checkout completed without captured payment, skipping",
			zap.String("session_id", session.ID),
			zap.String("payment_status", session.PaymentStatus),
		)
		return nil
	}

	switch session.Metadata[metaType] {
	case checkoutTypeSubscription:
		userID, err := uuid.Parse(session.Metadata[metaUserID])
		if err != nil {
			return errBranch("subscription upgrade missing user metadata", errMissingMetadata)
		}
		return s.subscriptions.Upgrade(ctx, userID)

	case checkoutTypeCredits:
		userID, err := uuid.Parse(session.Metadata[metaUserID])
		if err != nil {
			return errBranch("credit purchase missing user metadata", errMissingMetadata)
		}
		quantity, err := strconv.ParseInt(session.Metadata[metaQuantity], 10, 64)
		if err != nil {
			return errBranch("credit purchase missing quantity metadata", errMissingMetadata)
		}
		grantErr := s.credits.GrantPurchase(ctx, creditdomain.GrantRequest{
			UserID:    userID,
			SessionID: session.ID,
			PackID:    session.Metadata[metaPack],
			Category:  creditdomain.Category(session.Metadata[metaCategory]),
			Quantity:  quantity,
		})
		if errors.Is(grantErr, creditdomain.ErrDuplicateSession) {
			s.log.Info("credit purchase already granted", zap.String("session_id", session.ID))
			return nil
		}
		return grantErr

	default:
		return s.recordMarketplaceSale(ctx, &session)
	}
}

func (s *Service) recordMarketplaceSale(ctx context.Context, session *stripe.CheckoutSession) error {
	sellerID, err := uuid.Parse(session.Metadata[metaSellerID])
	if err != nil {
		return errBranch("marketplace sale missing seller metadata", errMissingMetadata)
	}

	quantity := int64(1)
	if raw := session.Metadata[metaQuantity]; raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return errBranch("marketplace sale has invalid quantity metadata", errMissingMetadata)
		}
		quantity = parsed
	}

	var productID *snowflake.ID
	if raw := session.Metadata[metaProduct]; raw != "" {
		parsed, err := snowflake.ParseString(raw)
		if err != nil {
			return errBranch("marketplace sale has invalid product metadata", errMissingMetadata)
		}
		productID = &parsed
	}

	buyerEmail := session.CustomerDetails.Email
	if buyerEmail == "" {
		buyerEmail = session.CustomerEmail
	}

	saleErr := s.sales.RecordSale(ctx, saledomain.RecordSaleRequest{
		SessionID:       session.ID,
		PaymentIntentID: session.PaymentIntent,
		SellerID:        sellerID,
		ProductID:       productID,
		Quantity:        quantity,
		AmountTotal:     session.AmountTotal,
		Currency:        session.Currency,
		BuyerEmail:      buyerEmail,
	})
	if errors.Is(saleErr, saledomain.ErrDuplicateSession) {
		s.log.Info("sale already recorded", zap.String("session_id", session.ID))
		return nil
	}
	return saleErr
}

func (s *Service) handleAccountUpdated(ctx context.Context, evt *stripe.Event) error {
	var account stripe.AccountObject
	if err := json.Unmarshal(evt.Data.Object, &account); err != nil {
		return errBranch("decode account", err)
	}
	accountID := account.ID
	if accountID == "" {
		accountID = evt.Account
	}
	if accountID == "" {
		return errBranch("account.updated without account id", errMissingMetadata)
	}
	return s.sellers.ReconcileAccount(ctx, accountID)
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, evt *stripe.Event) error {
	var sub stripe.SubscriptionObject
	if err := json.Unmarshal(evt.Data.Object, &sub); err != nil {
		return errBranch("decode subscription", err)
	}
	if sub.ID == "" {
		return errBranch("subscription deletion without id", errMissingMetadata)
	}
	return s.subscriptions.Expire(ctx, sub.ID)
}

func (s *Service) handlePaymentLinkUpdated(ctx context.Context, evt *stripe.Event) error {
	var link stripe.PaymentLinkObject
	if err := json.Unmarshal(evt.Data.Object, &link); err != nil {
		return errBranch("decode payment link", err)
	}
	if link.ID == "" {
		return errBranch("payment_link.updated without id", errMissingMetadata)
	}

	limit := link.Restrictions.CompletedSessions.Limit
	count := link.Restrictions.CompletedSessions.Count
	return s.paymentLinks.Mirror(ctx, paymentlinkdomain.MirrorUpdate{
		StripePaymentLinkID: link.ID,
		Active:              link.Active,
		SessionLimitReached: !link.Active && limit > 0 && count >= limit,
	})
}

func (s *Service) handleInvoice(ctx context.Context, evt *stripe.Event, status saledomain.SaleStatus) error {
	var invoice stripe.InvoiceObject
	if err := json.Unmarshal(evt.Data.Object, &invoice); err != nil {
		return errBranch("decode invoice", err)
	}
	sessionID := invoice.CheckoutSession
	if sessionID == "" {
		sessionID = invoice.Metadata["checkoutSessionId"]
	}
	if sessionID == "" {
		return errBranch("invoice event without checkout session reference", errMissingMetadata)
	}

	err := s.sales.SetInvoiceStatus(ctx, sessionID, status)
	if errors.Is(err, saledomain.ErrNotFound) {
		s.log.Warn("invoice event for unknown sale", zap.String("session_id", sessionID))
		return nil
	}
	return err
}

func (s *Service) handleDisputeCreated(ctx context.Context, evt *stripe.Event) error {
	var dispute stripe.DisputeObject
	if err := json.Unmarshal(evt.Data.Object, &dispute); err != nil {
		return errBranch("decode dispute", err)
	}
	if dispute.PaymentIntent == "" {
		return errBranch("dispute without payment intent", errMissingMetadata)
	}

	sale, err := s.sales.MarkDisputedByIntent(ctx, dispute.PaymentIntent)
	if errors.Is(err, saledomain.ErrNotFound) {
		s.log.Warn("dispute for unknown sale",
			zap.String("payment_intent_id", dispute.PaymentIntent),
			zap.String("connected_account", evt.Account),
		)
		return nil
	}
	if err != nil {
		return err
	}

	// The sale row already names the seller; the connected-account lookup is
	// a cross-check for Connect deliveries.
	ownerID := sale.SellerID
	if evt.Account != "" {
		if user, err := s.users.FindByStripeAccountID(ctx, s.db, evt.Account); err == nil && user != nil {
			ownerID = user.ID
		}
	}

	amount := float64(dispute.Amount) / 100
	if err := s.notifications.Notify(ctx, ownerID,
		"Payment disputed",
		"A buyer disputed a payment of "+strconv.FormatFloat(amount, 'f', 2, 64)+" "+strings.ToUpper(dispute.Currency)+". Respond in your Stripe dashboard.",
		notificationdomain.SeverityUrgent, "/sales",
	); err != nil {
		s.log.Warn("dispute notification failed", zap.Error(err))
	}
	return nil
}

func (s *Service) deadLetter(ctx context.Context, eventID, operation string, payload []byte, cause error) {
	if err := s.deadLetters.Enqueue(ctx, eventID, operation, payload, cause); err != nil {
		s.log.Error("dead-letter enqueue failed",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
	}
}

func (s *Service) markStatus(ctx context.Context, id snowflake.ID, status domain.EventStatus) {
	var processedAt *time.Time
	if status == domain.EventStatusProcessed {
		now := time.Now().UTC()
		processedAt = &now
	}
	if err := s.repo.UpdateStatus(ctx, s.db, id, status, processedAt); err != nil {
		s.log.Warn("event status update failed", zap.Error(err))
	}
}

var errMissingMetadata = errors.New("required metadata missing")

type branchError struct {
	op    string
	cause error
}

func (e *branchError) Error() string { return e.op + ": " + e.cause.Error() }
func (e *branchError) Unwrap() error { return e.cause }

func errBranch(op string, cause error) error {
	return &branchError{op: op, cause: cause}
}

// retryable separates conditions a later replay could fix (vendor or
// database failures) from ones it never will (bad or missing metadata,
// malformed nested objects).
func retryable(err error) bool {
	switch {
	case errors.Is(err, errMissingMetadata),
		errors.Is(err, creditdomain.ErrInvalidCategory),
		errors.Is(err, creditdomain.ErrInvalidQuantity),
		errors.Is(err, creditdomain.ErrInvalidRequest),
		errors.Is(err, saledomain.ErrInvalidRequest),
		errors.Is(err, subscriptiondomain.ErrUserMissing),
		errors.Is(err, subscriptiondomain.ErrPriceMissing):
		return false
	}
	// Decode failures do not improve with retries.
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false
	}
	return true
}
