package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/ngandimoun/minato-payments/internal/clock"
	creditdomain "github.com/ngandimoun/minato-payments/internal/credit/domain"
	creditrepository "github.com/ngandimoun/minato-payments/internal/credit/repository"
	creditservice "github.com/ngandimoun/minato-payments/internal/credit/service"
	"github.com/ngandimoun/minato-payments/internal/config"
	deadletterdomain "github.com/ngandimoun/minato-payments/internal/deadletter/domain"
	deadletterrepository "github.com/ngandimoun/minato-payments/internal/deadletter/repository"
	deadletterservice "github.com/ngandimoun/minato-payments/internal/deadletter/service"
	notificationdomain "github.com/ngandimoun/minato-payments/internal/notification/domain"
	notificationservice "github.com/ngandimoun/minato-payments/internal/notification/service"
	"github.com/ngandimoun/minato-payments/internal/payment/domain"
	paymentrepository "github.com/ngandimoun/minato-payments/internal/payment/repository"
	paymentlinkdomain "github.com/ngandimoun/minato-payments/internal/paymentlink/domain"
	paymentlinkservice "github.com/ngandimoun/minato-payments/internal/paymentlink/service"
	saledomain "github.com/ngandimoun/minato-payments/internal/sale/domain"
	salerepository "github.com/ngandimoun/minato-payments/internal/sale/repository"
	saleservice "github.com/ngandimoun/minato-payments/internal/sale/service"
	sellerservice "github.com/ngandimoun/minato-payments/internal/seller/service"
	"github.com/ngandimoun/minato-payments/internal/stripe"
	subscriptiondomain "github.com/ngandimoun/minato-payments/internal/subscription/domain"
	subscriptionrepository "github.com/ngandimoun/minato-payments/internal/subscription/repository"
	subscriptionservice "github.com/ngandimoun/minato-payments/internal/subscription/service"
	userdomain "github.com/ngandimoun/minato-payments/internal/user/domain"
	userrepository "github.com/ngandimoun/minato-payments/internal/user/repository"
	dbpkg "github.com/ngandimoun/minato-payments/pkg/db"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const testWebhookSecret = "whsec_test_secret"

type fakeGateway struct {
	createdCustomers    int
	createdSubs         int
	createSubErr        error
	intentFee           int64
	intentErr           error
	account             *stripe.Account
	accountErr          error
	deactivatedLinkIDs  []string
	updateLinkErr       error
	nextSubscriptionEnd time.Time

	// When set, CreateSubscription announces itself on subEntered and then
	// blocks until subGate closes, so a test can hold a delivery mid-call.
	subEntered chan struct{}
	subGate    chan struct{}
}

func (g *fakeGateway) CreateCustomer(ctx context.Context, email, userID string) (*stripe.Customer, error) {
	g.createdCustomers++
	return &stripe.Customer{ID: fmt.Sprintf("cus_fake_%d", g.createdCustomers), Email: email}, nil
}

func (g *fakeGateway) CreateSubscription(ctx context.Context, customerID, priceID string) (*stripe.SubscriptionInfo, error) {
	if g.subEntered != nil {
		g.subEntered <- struct{}{}
	}
	if g.subGate != nil {
		<-g.subGate
	}
	if g.createSubErr != nil {
		return nil, g.createSubErr
	}
	g.createdSubs++
	end := g.nextSubscriptionEnd
	if end.IsZero() {
		end = time.Now().UTC().Add(30 * 24 * time.Hour)
	}
	return &stripe.SubscriptionInfo{
		ID:               fmt.Sprintf("sub_fake_%d", g.createdSubs),
		Status:           "active",
		CurrentPeriodEnd: end,
	}, nil
}

func (g *fakeGateway) RetrievePaymentIntent(ctx context.Context, intentID string) (*stripe.PaymentIntentDetail, error) {
	if g.intentErr != nil {
		return nil, g.intentErr
	}
	return &stripe.PaymentIntentDetail{ID: intentID, StripeFee: g.intentFee}, nil
}

func (g *fakeGateway) UpdatePaymentLinkActive(ctx context.Context, linkID string, active bool) error {
	if g.updateLinkErr != nil {
		return g.updateLinkErr
	}
	if !active {
		g.deactivatedLinkIDs = append(g.deactivatedLinkIDs, linkID)
	}
	return nil
}

func (g *fakeGateway) RetrieveAccount(ctx context.Context, accountID string) (*stripe.Account, error) {
	if g.accountErr != nil {
		return nil, g.accountErr
	}
	if g.account != nil {
		return g.account, nil
	}
	return &stripe.Account{
		ID:               accountID,
		DetailsSubmitted: true,
		ChargesEnabled:   true,
		PayoutsEnabled:   true,
	}, nil
}

type testEnv struct {
	svc     *Service
	db      *gorm.DB
	gateway *fakeGateway
	users   userdomain.Repository
	dlRepo  deadletterdomain.Repository
	clock   *clock.FakeClock
	cfg     config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := dbpkg.NewTest()
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	if err := db.AutoMigrate(
		&userdomain.User{},
		&domain.EventRecord{},
		&subscriptiondomain.Subscription{},
		&creditdomain.Balance{},
		&creditdomain.Purchase{},
		&saledomain.Sale{},
		&saledomain.Product{},
		&paymentlinkdomain.PaymentLink{},
		&notificationdomain.Notification{},
		&deadletterdomain.DeadLetter{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create id generator: %v", err)
	}

	log := zap.NewNop()
	cfg := config.Config{
		Environment:           "test",
		StripeWebhookSecret:   testWebhookSecret,
		StripeProPriceID:      "price_pro_monthly",
		PlatformFeePercent:    1.0,
		DeadLetterMaxAttempts: 8,
	}
	gw := &fakeGateway{}
	fakeClock := clock.NewFakeClock(time.Now().UTC())

	usersRepo := userrepository.Provide()

	notificationSvc := notificationservice.NewService(notificationservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
	})

	creditSvc := creditservice.NewService(creditservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  creditrepository.Provide(),
	})

	paymentLinkSvc := paymentlinkservice.NewService(paymentlinkservice.Params{
		DB:              db,
		Log:             log,
		NotificationSvc: notificationSvc,
	})

	saleSvc := saleservice.NewService(saleservice.Params{
		DB:              db,
		Log:             log,
		GenID:           node,
		Cfg:             cfg,
		Repo:            salerepository.Provide(),
		Gateway:         gw,
		PaymentLinkSvc:  paymentLinkSvc,
		NotificationSvc: notificationSvc,
	})

	subscriptionSvc := subscriptionservice.NewService(subscriptionservice.Params{
		DB:            db,
		Log:           log,
		Config:        cfg,
		GenID:         node,
		Repo:          subscriptionrepository.Provide(),
		Users:         usersRepo,
		Gateway:       gw,
		Notifications: notificationSvc,
	})

	sellerSvc := sellerservice.NewService(sellerservice.Params{
		DB:            db,
		Log:           log,
		Users:         usersRepo,
		Gateway:       gw,
		Notifications: notificationSvc,
	})

	dlRepo := deadletterrepository.Provide()
	deadLetterStore := deadletterservice.NewService(deadletterservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: fakeClock,
		Repo:  dlRepo,
	})

	svc := NewService(Params{
		DB:            db,
		Log:           log,
		Config:        cfg,
		GenID:         node,
		Repo:          paymentrepository.Provide(),
		Users:         usersRepo,
		Subscriptions: subscriptionSvc,
		Credits:       creditSvc,
		Sales:         saleSvc,
		Sellers:       sellerSvc,
		PaymentLinks:  paymentLinkSvc,
		Notifications: notificationSvc,
		DeadLetters:   deadLetterStore,
	})

	return &testEnv{
		svc:     svc,
		db:      db,
		gateway: gw,
		users:   usersRepo,
		dlRepo:  dlRepo,
		clock:   fakeClock,
		cfg:     cfg,
	}
}

func (e *testEnv) seedUser(t *testing.T) userdomain.User {
	t.Helper()
	user := userdomain.User{
		ID:        uuid.New(),
		Email:     "seller@example.com",
		PlanType:  userdomain.PlanFree,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := e.db.Create(&user).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return user
}

func buildStripeSignatureHeader(secret string, payload []byte) string {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	return fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func buildEvent(t *testing.T, eventID, eventType string, object map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return raw
}

func (e *testEnv) deliver(t *testing.T, payload []byte) error {
	t.Helper()
	return e.svc.HandleEvent(context.Background(), payload, buildStripeSignatureHeader(testWebhookSecret, payload))
}

func assertCount(t *testing.T, db *gorm.DB, model any, want int64) {
	t.Helper()
	var got int64
	if err := db.Model(model).Count(&got).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if got != want {
		t.Fatalf("expected %d rows for %T, got %d", want, model, got)
	}
}

func TestHandleEventRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	payload := buildEvent(t, "evt_sig", "checkout.session.completed", map[string]any{"id": "cs_1"})

	err := env.svc.HandleEvent(context.Background(), payload, "t=123,v1=deadbeef")
	if !errors.Is(err, stripe.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature error, got %v", err)
	}
	err = env.svc.HandleEvent(context.Background(), payload, "")
	if !errors.Is(err, stripe.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature error for missing header, got %v", err)
	}

	assertCount(t, env.db, &domain.EventRecord{}, 0)
}

func TestHandleEventRejectsMalformedPayload(t *testing.T) {
	env := newTestEnv(t)
	payload := []byte(`{"not":"an event"`)

	err := env.svc.HandleEvent(context.Background(), payload, buildStripeSignatureHeader(testWebhookSecret, payload))
	if !errors.Is(err, domain.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}

	// An envelope missing id/type is likewise rejected before the ledger.
	empty := []byte(`{}`)
	err = env.svc.HandleEvent(context.Background(), empty, buildStripeSignatureHeader(testWebhookSecret, empty))
	if !errors.Is(err, domain.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error for empty envelope, got %v", err)
	}

	assertCount(t, env.db, &domain.EventRecord{}, 0)
}

func TestHandleEventUnknownTypeAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	payload := buildEvent(t, "evt_unknown", "price.created", map[string]any{"id": "price_1"})

	if err := env.deliver(t, payload); err != nil {
		t.Fatalf("expected unknown type to be acknowledged, got %v", err)
	}

	assertCount(t, env.db, &domain.EventRecord{}, 1)
	assertCount(t, env.db, &saledomain.Sale{}, 0)
	assertCount(t, env.db, &notificationdomain.Notification{}, 0)

	var record domain.EventRecord
	if err := env.db.First(&record).Error; err != nil {
		t.Fatalf("failed to load event record: %v", err)
	}
	if record.Status != domain.EventStatusProcessed {
		t.Fatalf("expected processed status, got %s", record.Status)
	}
}

func TestHandleEventCreditPurchaseIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)

	payload := buildEvent(t, "evt_credit_1", "checkout.session.completed", map[string]any{
		"id":             "cs_credit_1",
		"payment_status": "paid",
		"amount_total":   4900,
		"currency":       "usd",
		"metadata": map[string]string{
			"type":           "credit_purchase",
			"minatoUserId":   user.ID.String(),
			"creditCategory": "leads",
			"quantity":       "100",
			"packId":         "pack_leads_100",
		},
	})

	for i := 0; i < 3; i++ {
		if err := env.deliver(t, payload); err != nil {
			t.Fatalf("delivery %d failed: %v", i+1, err)
		}
	}

	assertCount(t, env.db, &domain.EventRecord{}, 1)
	assertCount(t, env.db, &creditdomain.Purchase{}, 1)

	var balance creditdomain.Balance
	if err := env.db.Where("user_id = ? AND category = ?", user.ID, creditdomain.CategoryLeads).First(&balance).Error; err != nil {
		t.Fatalf("failed to load balance: %v", err)
	}
	if balance.Amount != 100 {
		t.Fatalf("expected 100 leads credits after replays, got %d", balance.Amount)
	}
}

func TestHandleEventCreditPurchaseDistinctSessionsAccumulate(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)

	for _, session := range []string{"cs_a", "cs_b"} {
		payload := buildEvent(t, "evt_"+session, "checkout.session.completed", map[string]any{
			"id":             session,
			"payment_status": "paid",
			"metadata": map[string]string{
				"type":           "credit_purchase",
				"minatoUserId":   user.ID.String(),
				"creditCategory": "images",
				"quantity":       "25",
				"packId":         "pack_images_25",
			},
		})
		if err := env.deliver(t, payload); err != nil {
			t.Fatalf("delivery for %s failed: %v", session, err)
		}
	}

	var balance creditdomain.Balance
	if err := env.db.Where("user_id = ? AND category = ?", user.ID, creditdomain.CategoryImages).First(&balance).Error; err != nil {
		t.Fatalf("failed to load balance: %v", err)
	}
	if balance.Amount != 50 {
		t.Fatalf("expected merged balance of 50, got %d", balance.Amount)
	}
}

func TestHandleEventSubscriptionUpgrade(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)

	payload := buildEvent(t, "evt_upgrade_1", "checkout.session.completed", map[string]any{
		"id":             "cs_upgrade_1",
		"payment_status": "paid",
		"metadata": map[string]string{
			"type":         "subscription_upgrade",
			"minatoUserId": user.ID.String(),
		},
	})

	if err := env.deliver(t, payload); err != nil {
		t.Fatalf("upgrade delivery failed: %v", err)
	}

	var updated userdomain.User
	if err := env.db.First(&updated, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	if updated.PlanType != userdomain.PlanPro {
		t.Fatalf("expected pro plan, got %s", updated.PlanType)
	}
	if updated.StripeCustomerID == "" {
		t.Fatalf("expected stripe customer id to be persisted")
	}
	assertCount(t, env.db, &subscriptiondomain.Subscription{}, 1)

	// A second checkout for the same user is blocked by the active-row guard
	// even though it is a distinct event.
	second := buildEvent(t, "evt_upgrade_2", "checkout.session.completed", map[string]any{
		"id":             "cs_upgrade_2",
		"payment_status": "paid",
		"metadata": map[string]string{
			"type":         "subscription_upgrade",
			"minatoUserId": user.ID.String(),
		},
	})
	if err := env.deliver(t, second); err != nil {
		t.Fatalf("second upgrade delivery failed: %v", err)
	}
	assertCount(t, env.db, &subscriptiondomain.Subscription{}, 1)
	if env.gateway.createdSubs != 1 {
		t.Fatalf("expected exactly one vendor subscription, got %d", env.gateway.createdSubs)
	}
}

func TestHandleEventSubscriptionUpgradeGatewayFailureDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)
	env.gateway.createSubErr = errors.New("stripe: rate limited")

	payload := buildEvent(t, "evt_upgrade_fail", "checkout.session.completed", map[string]any{
		"id":             "cs_upgrade_fail",
		"payment_status": "paid",
		"metadata": map[string]string{
			"type":         "subscription_upgrade",
			"minatoUserId": user.ID.String(),
		},
	})

	// The vendor still gets an acknowledgement; the failure is parked.
	if err := env.deliver(t, payload); err != nil {
		t.Fatalf("expected acknowledged delivery, got %v", err)
	}

	assertCount(t, env.db, &subscriptiondomain.Subscription{}, 0)
	assertCount(t, env.db, &deadletterdomain.DeadLetter{}, 1)

	var dl deadletterdomain.DeadLetter
	if err := env.db.First(&dl).Error; err != nil {
		t.Fatalf("failed to load dead letter: %v", err)
	}
	if dl.ProviderEventID != "evt_upgrade_fail" {
		t.Fatalf("expected dead letter for evt_upgrade_fail, got %s", dl.ProviderEventID)
	}

	// Once the gateway recovers, replaying the dead letter applies the upgrade.
	env.gateway.createSubErr = nil
	if err := env.svc.Replay(context.Background(), &dl); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	assertCount(t, env.db, &subscriptiondomain.Subscription{}, 1)
}

func TestHandleEventMissingMetadataAcknowledgedWithoutDeadLetter(t *testing.T) {
	env := newTestEnv(t)

	payload := buildEvent(t, "evt_no_meta", "checkout.session.completed", map[string]any{
		"id":             "cs_no_meta",
		"payment_status": "paid",
		"metadata":       map[string]string{"type": "subscription_upgrade"},
	})

	if err := env.deliver(t, payload); err != nil {
		t.Fatalf("expected acknowledged delivery, got %v", err)
	}

	// Bad metadata never improves on retry; no dead letter is written.
	assertCount(t, env.db, &deadletterdomain.DeadLetter{}, 0)

	var record domain.EventRecord
	if err := env.db.First(&record).Error; err != nil {
		t.Fatalf("failed to load event record: %v", err)
	}
	if record.Status != domain.EventStatusFailed {
		t.Fatalf("expected failed status, got %s", record.Status)
	}
}

func TestHandleEventMarketplaceSaleInventoryExhaustion(t *testing.T) {
	env := newTestEnv(t)
	seller := env.seedUser(t)
	env.gateway.intentFee = 218

	inventory := int64(1)
	node, _ := snowflake.NewNode(2)
	product := saledomain.Product{
		ID:                  node.Generate(),
		SellerID:            seller.ID,
		Name:                "Voice pack",
		StripePaymentLinkID: "plink_1",
		InventoryQuantity:   &inventory,
		Active:              true,
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}
	if err := env.db.Create(&product).Error; err != nil {
		t.Fatalf("failed to seed product: %v", err)
	}
	link := paymentlinkdomain.PaymentLink{
		ID:                  node.Generate(),
		SellerID:            seller.ID,
		StripePaymentLinkID: "plink_1",
		Active:              true,
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}
	if err := env.db.Create(&link).Error; err != nil {
		t.Fatalf("failed to seed payment link: %v", err)
	}

	payload := buildEvent(t, "evt_sale_1", "checkout.session.completed", map[string]any{
		"id":             "cs_sale_1",
		"payment_status": "paid",
		"payment_intent": "pi_1",
		"amount_total":   5000,
		"currency":       "usd",
		"customer_details": map[string]any{
			"email": "buyer@example.com",
		},
		"metadata": map[string]string{
			"sellerId":  seller.ID.String(),
			"productId": product.ID.String(),
			"quantity":  "1",
		},
	})

	if err := env.deliver(t, payload); err != nil {
		t.Fatalf("sale delivery failed: %v", err)
	}

	var sale saledomain.Sale
	if err := env.db.First(&sale).Error; err != nil {
		t.Fatalf("failed to load sale: %v", err)
	}
	if sale.PlatformFee != 50 {
		t.Fatalf("expected platform fee 50 on a 5000 gross at 1%%, got %d", sale.PlatformFee)
	}
	if sale.StripeFee != 218 {
		t.Fatalf("expected stripe fee 218, got %d", sale.StripeFee)
	}
	if sale.NetAmount != 5000-50-218 {
		t.Fatalf("expected net %d, got %d", 5000-50-218, sale.NetAmount)
	}
	if sale.BuyerEmail != "buyer@example.com" {
		t.Fatalf("expected buyer email, got %q", sale.BuyerEmail)
	}

	var reloaded saledomain.Product
	if err := env.db.First(&reloaded, "id = ?", product.ID).Error; err != nil {
		t.Fatalf("failed to reload product: %v", err)
	}
	if reloaded.Active {
		t.Fatalf("expected sold-out product to be deactivated")
	}
	if len(env.gateway.deactivatedLinkIDs) != 1 || env.gateway.deactivatedLinkIDs[0] != "plink_1" {
		t.Fatalf("expected payment link deactivated at stripe, got %v", env.gateway.deactivatedLinkIDs)
	}

	var localLink paymentlinkdomain.PaymentLink
	if err := env.db.First(&localLink, "stripe_payment_link_id = ?", "plink_1").Error; err != nil {
		t.Fatalf("failed to reload payment link: %v", err)
	}
	if localLink.Active {
		t.Fatalf("expected local payment link mirror to be deactivated")
	}

	// New-sale plus sold-out notifications.
	assertCount(t, env.db, &notificationdomain.Notification{}, 2)

	// Replaying the same session is a business-level no-op.
	replay := buildEvent(t, "evt_sale_replayed", "checkout.session.completed", map[string]any{
		"id":             "cs_sale_1",
		"payment_status": "paid",
		"metadata": map[string]string{
			"sellerId": seller.ID.String(),
		},
	})
	if err := env.deliver(t, replay); err != nil {
		t.Fatalf("replayed sale delivery failed: %v", err)
	}
	assertCount(t, env.db, &saledomain.Sale{}, 1)
}

func TestHandleEventProcessorFeeLookupFailureKeepsSale(t *testing.T) {
	env := newTestEnv(t)
	seller := env.seedUser(t)
	env.gateway.intentErr = errors.New("stripe: intent lookup failed")

	payload := buildEvent(t, "evt_sale_nofee", "checkout.session.completed", map[string]any{
		"id":             "cs_sale_nofee",
		"payment_status": "paid",
		"payment_intent": "pi_broken",
		"amount_total":   1000,
		"currency":       "usd",
		"metadata": map[string]string{
			"sellerId": seller.ID.String(),
		},
	})

	if err := env.deliver(t, payload); err != nil {
		t.Fatalf("sale delivery failed: %v", err)
	}

	var sale saledomain.Sale
	if err := env.db.First(&sale).Error; err != nil {
		t.Fatalf("failed to load sale: %v", err)
	}
	if sale.StripeFee != 0 {
		t.Fatalf("expected zero stripe fee on lookup failure, got %d", sale.StripeFee)
	}
	if sale.NetAmount != 1000-10 {
		t.Fatalf("expected net 990, got %d", sale.NetAmount)
	}
}

func TestHandleEventSubscriptionDeleted(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)

	upgrade := buildEvent(t, "evt_up", "checkout.session.completed", map[string]any{
		"id":             "cs_up",
		"payment_status": "paid",
		"metadata": map[string]string{
			"type":         "subscription_upgrade",
			"minatoUserId": user.ID.String(),
		},
	})
	if err := env.deliver(t, upgrade); err != nil {
		t.Fatalf("upgrade delivery failed: %v", err)
	}

	var sub subscriptiondomain.Subscription
	if err := env.db.First(&sub).Error; err != nil {
		t.Fatalf("failed to load subscription: %v", err)
	}

	deletion := buildEvent(t, "evt_del", "customer.subscription.deleted", map[string]any{
		"id":     sub.StripeSubscriptionID,
		"status": "canceled",
	})
	if err := env.deliver(t, deletion); err != nil {
		t.Fatalf("deletion delivery failed: %v", err)
	}

	var reloadedSub subscriptiondomain.Subscription
	if err := env.db.First(&reloadedSub, "id = ?", sub.ID).Error; err != nil {
		t.Fatalf("failed to reload subscription: %v", err)
	}
	if reloadedSub.Status != subscriptiondomain.StatusExpired {
		t.Fatalf("expected expired status, got %s", reloadedSub.Status)
	}

	var reloadedUser userdomain.User
	if err := env.db.First(&reloadedUser, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	if reloadedUser.PlanType != userdomain.PlanExpired {
		t.Fatalf("expected expired plan, got %s", reloadedUser.PlanType)
	}
}

func TestHandleEventAccountUpdatedTransitions(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)
	if err := env.db.Model(&userdomain.User{}).
		Where("id = ?", user.ID).
		Updates(map[string]any{"stripe_account_id": "acct_1", "stripe_onboarding_complete": true}).Error; err != nil {
		t.Fatalf("failed to seed connected account: %v", err)
	}

	env.gateway.account = &stripe.Account{
		ID:                       "acct_1",
		DetailsSubmitted:         true,
		ChargesEnabled:           false,
		PayoutsEnabled:           true,
		RequirementsCurrentlyDue: []string{"external_account"},
	}

	payload := buildEvent(t, "evt_acct_1", "account.updated", map[string]any{"id": "acct_1"})
	if err := env.deliver(t, payload); err != nil {
		t.Fatalf("account.updated delivery failed: %v", err)
	}

	var reloaded userdomain.User
	if err := env.db.First(&reloaded, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	if reloaded.StripeOnboardingComplete {
		t.Fatalf("expected onboarding flag to flip off")
	}
	assertCount(t, env.db, &notificationdomain.Notification{}, 1)

	// A redelivered account.updated with the same not-ready state does not
	// nag the seller again.
	again := buildEvent(t, "evt_acct_2", "account.updated", map[string]any{"id": "acct_1"})
	if err := env.deliver(t, again); err != nil {
		t.Fatalf("second account.updated delivery failed: %v", err)
	}
	assertCount(t, env.db, &notificationdomain.Notification{}, 1)
}

func TestHandleEventPaymentLinkUpdatedMirrorsAndNotifies(t *testing.T) {
	env := newTestEnv(t)
	seller := env.seedUser(t)

	node, _ := snowflake.NewNode(3)
	link := paymentlinkdomain.PaymentLink{
		ID:                  node.Generate(),
		SellerID:            seller.ID,
		StripePaymentLinkID: "plink_limit",
		Active:              true,
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}
	if err := env.db.Create(&link).Error; err != nil {
		t.Fatalf("failed to seed payment link: %v", err)
	}

	payload := buildEvent(t, "evt_plink", "payment_link.updated", map[string]any{
		"id":     "plink_limit",
		"active": false,
		"restrictions": map[string]any{
			"completed_sessions": map[string]any{"limit": 10, "count": 10},
		},
	})
	if err := env.deliver(t, payload); err != nil {
		t.Fatalf("payment_link.updated delivery failed: %v", err)
	}

	var reloaded paymentlinkdomain.PaymentLink
	if err := env.db.First(&reloaded, "stripe_payment_link_id = ?", "plink_limit").Error; err != nil {
		t.Fatalf("failed to reload payment link: %v", err)
	}
	if reloaded.Active {
		t.Fatalf("expected link mirror to be inactive")
	}
	assertCount(t, env.db, &notificationdomain.Notification{}, 1)
}

func TestHandleEventInvoiceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	seller := env.seedUser(t)

	sale := buildEvent(t, "evt_sale_inv", "checkout.session.completed", map[string]any{
		"id":             "cs_inv",
		"payment_status": "paid",
		"amount_total":   2000,
		"currency":       "usd",
		"metadata":       map[string]string{"sellerId": seller.ID.String()},
	})
	if err := env.deliver(t, sale); err != nil {
		t.Fatalf("sale delivery failed: %v", err)
	}

	paid := buildEvent(t, "evt_inv_paid", "invoice.paid", map[string]any{
		"id":               "in_1",
		"checkout_session": "cs_inv",
	})
	if err := env.deliver(t, paid); err != nil {
		t.Fatalf("invoice.paid delivery failed: %v", err)
	}

	var row saledomain.Sale
	if err := env.db.First(&row, "session_id = ?", "cs_inv").Error; err != nil {
		t.Fatalf("failed to reload sale: %v", err)
	}
	if row.Status != saledomain.SaleStatusInvoiced {
		t.Fatalf("expected invoiced status, got %s", row.Status)
	}

	failed := buildEvent(t, "evt_inv_failed", "invoice.payment_failed", map[string]any{
		"id":               "in_1",
		"checkout_session": "cs_inv",
	})
	if err := env.deliver(t, failed); err != nil {
		t.Fatalf("invoice.payment_failed delivery failed: %v", err)
	}
	if err := env.db.First(&row, "session_id = ?", "cs_inv").Error; err != nil {
		t.Fatalf("failed to reload sale: %v", err)
	}
	if row.Status != saledomain.SaleStatusInvoiceFailed {
		t.Fatalf("expected invoice_failed status, got %s", row.Status)
	}
}

func TestHandleEventChargeDisputeCreated(t *testing.T) {
	env := newTestEnv(t)
	seller := env.seedUser(t)

	sale := buildEvent(t, "evt_sale_disp", "checkout.session.completed", map[string]any{
		"id":             "cs_disp",
		"payment_status": "paid",
		"payment_intent": "pi_disp",
		"amount_total":   7500,
		"currency":       "usd",
		"metadata":       map[string]string{"sellerId": seller.ID.String()},
	})
	if err := env.deliver(t, sale); err != nil {
		t.Fatalf("sale delivery failed: %v", err)
	}
	notificationsBefore := countRows(t, env.db, &notificationdomain.Notification{})

	dispute := buildEvent(t, "evt_disp", "charge.dispute.created", map[string]any{
		"id":             "dp_1",
		"charge":         "ch_1",
		"payment_intent": "pi_disp",
		"amount":         7500,
		"currency":       "usd",
		"reason":         "fraudulent",
	})
	if err := env.deliver(t, dispute); err != nil {
		t.Fatalf("dispute delivery failed: %v", err)
	}

	var row saledomain.Sale
	if err := env.db.First(&row, "session_id = ?", "cs_disp").Error; err != nil {
		t.Fatalf("failed to reload sale: %v", err)
	}
	if row.Status != saledomain.SaleStatusDisputed {
		t.Fatalf("expected disputed status, got %s", row.Status)
	}

	if countRows(t, env.db, &notificationdomain.Notification{}) != notificationsBefore+1 {
		t.Fatalf("expected one dispute notification")
	}
}

func TestHandleEventResumesUnfinishedDelivery(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)

	payload := buildEvent(t, "evt_resume_1", "checkout.session.completed", map[string]any{
		"id":             "cs_resume_1",
		"payment_status": "paid",
		"amount_total":   4900,
		"currency":       "usd",
		"metadata": map[string]string{
			"type":           "credit_purchase",
			"minatoUserId":   user.ID.String(),
			"creditCategory": "leads",
			"quantity":       "100",
			"packId":         "pack_leads_100",
		},
	})

	// A ledger row stuck in "received" well past the resume threshold means
	// an earlier delivery crashed between the insert and the grant.
	seedEventRecord(t, env.db, "evt_resume_1", payload, domain.EventStatusReceived,
		time.Now().UTC().Add(-10*time.Minute))

	if err := env.deliver(t, payload); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	assertCount(t, env.db, &domain.EventRecord{}, 1)
	assertCount(t, env.db, &creditdomain.Purchase{}, 1)

	var record domain.EventRecord
	if err := env.db.First(&record, "provider_event_id = ?", "evt_resume_1").Error; err != nil {
		t.Fatalf("failed to reload event record: %v", err)
	}
	if record.Status != domain.EventStatusProcessed {
		t.Fatalf("expected processed status after resume, got %s", record.Status)
	}

	// A second redelivery now hits the processed row and stays a no-op.
	if err := env.deliver(t, payload); err != nil {
		t.Fatalf("post-resume redelivery failed: %v", err)
	}
	assertCount(t, env.db, &creditdomain.Purchase{}, 1)
}

func seedEventRecord(t *testing.T, db *gorm.DB, eventID string, payload []byte, status domain.EventStatus, at time.Time) {
	t.Helper()
	node, err := snowflake.NewNode(7)
	if err != nil {
		t.Fatalf("failed to build snowflake node: %v", err)
	}
	record := domain.EventRecord{
		ID:              node.Generate(),
		Provider:        "stripe",
		ProviderEventID: eventID,
		EventType:       "checkout.session.completed",
		Payload:         datatypes.JSON(payload),
		Status:          status,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed event record: %v", err)
	}
}

func TestHandleEventInFlightDuplicateAcknowledgedWithoutDispatch(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)

	payload := buildEvent(t, "evt_inflight_1", "checkout.session.completed", map[string]any{
		"id":             "cs_inflight_1",
		"payment_status": "paid",
		"amount_total":   4900,
		"currency":       "usd",
		"metadata": map[string]string{
			"type":           "credit_purchase",
			"minatoUserId":   user.ID.String(),
			"creditCategory": "leads",
			"quantity":       "100",
			"packId":         "pack_leads_100",
		},
	})

	// A fresh "received" row belongs to a delivery still being applied on
	// another goroutine; the redelivery must not dispatch a second time.
	seedEventRecord(t, env.db, "evt_inflight_1", payload, domain.EventStatusReceived, time.Now().UTC())

	if err := env.deliver(t, payload); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	assertCount(t, env.db, &creditdomain.Purchase{}, 0)

	var record domain.EventRecord
	if err := env.db.First(&record, "provider_event_id = ?", "evt_inflight_1").Error; err != nil {
		t.Fatalf("failed to reload event record: %v", err)
	}
	if record.Status != domain.EventStatusReceived {
		t.Fatalf("expected in-flight row untouched, got status %s", record.Status)
	}
}

func TestHandleEventConcurrentDuplicateDispatchesOnce(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t)
	env.gateway.subEntered = make(chan struct{})
	env.gateway.subGate = make(chan struct{})

	payload := buildEvent(t, "evt_race_1", "checkout.session.completed", map[string]any{
		"id":             "cs_race_1",
		"payment_status": "paid",
		"metadata": map[string]string{
			"type":         "subscription_upgrade",
			"minatoUserId": user.ID.String(),
		},
	})

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- env.svc.HandleEvent(context.Background(), payload,
			buildStripeSignatureHeader(testWebhookSecret, payload))
	}()

	// First delivery inserted its ledger row and is parked inside the vendor
	// call; the concurrent redelivery loses the constraint race and must
	// acknowledge without creating a second subscription.
	<-env.gateway.subEntered
	if err := env.deliver(t, payload); err != nil {
		t.Fatalf("concurrent redelivery failed: %v", err)
	}

	close(env.gateway.subGate)
	if err := <-firstDone; err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}

	if env.gateway.createdSubs != 1 {
		t.Fatalf("expected exactly one vendor subscription, got %d", env.gateway.createdSubs)
	}
	assertCount(t, env.db, &subscriptiondomain.Subscription{}, 1)
	assertCount(t, env.db, &domain.EventRecord{}, 1)
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var got int64
	if err := db.Model(model).Count(&got).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return got
}
