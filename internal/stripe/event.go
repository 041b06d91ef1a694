package stripe

import (
	"encoding/json"
	"time"
)

// Event types the reconciliation handler recognizes. Anything else is
// acknowledged as a no-op for forward compatibility.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventAccountUpdated           = "account.updated"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventPaymentLinkUpdated       = "payment_link.updated"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventChargeDisputeCreated     = "charge.dispute.created"
)

// Event is the webhook envelope.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created int64     `json:"created"`
	Account string    `json:"account"`
	Data    EventData `json:"data"`
}

type EventData struct {
	Object json.RawMessage `json:"object"`
}

func (e Event) OccurredAt() time.Time {
	if e.Created == 0 {
		return time.Now().UTC()
	}
	return time.Unix(e.Created, 0).UTC()
}

// CheckoutSession is the slice of a checkout.session.completed object the
// handler consumes.
type CheckoutSession struct {
	ID              string            `json:"id"`
	PaymentStatus   string            `json:"payment_status"`
	PaymentIntent   string            `json:"payment_intent"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	CustomerEmail   string            `json:"customer_email"`
	Metadata        map[string]string `json:"metadata"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

type SubscriptionObject struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
}

type AccountObject struct {
	ID string `json:"id"`
}

type PaymentLinkObject struct {
	ID           string `json:"id"`
	Active       bool   `json:"active"`
	Restrictions struct {
		CompletedSessions struct {
			Limit int64 `json:"limit"`
			Count int64 `json:"count"`
		} `json:"completed_sessions"`
	} `json:"restrictions"`
}

type InvoiceObject struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
	// CheckoutSession links invoice events back to the originating sale.
	CheckoutSession string `json:"checkout_session"`
}

type DisputeObject struct {
	ID            string `json:"id"`
	Charge        string `json:"charge"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Reason        string `json:"reason"`
	PaymentIntent string `json:"payment_intent"`
}
