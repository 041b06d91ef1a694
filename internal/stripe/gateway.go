package stripe

import (
	"context"
	"time"
)

// Customer is the subset of a Stripe customer the service persists.
type Customer struct {
	ID    string
	Email string
}

// SubscriptionInfo is returned after creating a subscription object.
type SubscriptionInfo struct {
	ID               string
	Status           string
	CurrentPeriodEnd time.Time
}

// PaymentIntentDetail carries the processor fee resolved through the
// intent's latest charge and balance transaction.
type PaymentIntentDetail struct {
	ID        string
	Amount    int64
	StripeFee int64
}

// Account is the freshest view of a connected account, re-fetched on every
// account.updated delivery.
type Account struct {
	ID                       string
	DetailsSubmitted         bool
	ChargesEnabled           bool
	PayoutsEnabled           bool
	RequirementsCurrentlyDue []string
}

// Ready reports whether a connected seller account is fully onboarded.
func (a Account) Ready() bool {
	return a.DetailsSubmitted && a.ChargesEnabled && a.PayoutsEnabled && len(a.RequirementsCurrentlyDue) == 0
}

// Gateway is the outbound Stripe surface. The production implementation is
// the REST Client; tests substitute a fake.
type Gateway interface {
	CreateCustomer(ctx context.Context, email string, userID string) (*Customer, error)
	CreateSubscription(ctx context.Context, customerID string, priceID string) (*SubscriptionInfo, error)
	RetrievePaymentIntent(ctx context.Context, intentID string) (*PaymentIntentDetail, error)
	UpdatePaymentLinkActive(ctx context.Context, linkID string, active bool) error
	RetrieveAccount(ctx context.Context, accountID string) (*Account, error)
}
