package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ngandimoun/minato-payments/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("stripe",
	fx.Provide(ProvideGateway),
)

func ProvideGateway(cfg config.Config) Gateway {
	return NewClient(cfg.StripeSecretKey)
}

type stripeErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client talks to the Stripe REST API with form-encoded requests. It is
// constructed once at startup and shared across request handlers.
type Client struct {
	apiKey string
	client *http.Client
}

func NewClient(apiKey string) *Client {
	return &Client{
		apiKey: strings.TrimSpace(apiKey),
		client: &http.Client{Timeout: 12 * time.Second},
	}
}

var ErrNotConfigured = errors.New("stripe_api_key_missing")

type customerResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (c *Client) CreateCustomer(ctx context.Context, email string, userID string) (*Customer, error) {
	values := url.Values{}
	if email = strings.TrimSpace(email); email != "" {
		values.Set("email", email)
	}
	values.Set("metadata[minatoUserId]", strings.TrimSpace(userID))

	var resp customerResponse
	if err := c.doRequest(ctx, http.MethodPost, "/v1/customers", values, "customer:"+userID, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, errors.New("stripe_response_invalid")
	}
	return &Customer{ID: resp.ID, Email: resp.Email}, nil
}

type subscriptionResponse struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
}

func (c *Client) CreateSubscription(ctx context.Context, customerID string, priceID string) (*SubscriptionInfo, error) {
	customerID = strings.TrimSpace(customerID)
	priceID = strings.TrimSpace(priceID)
	if customerID == "" || priceID == "" {
		return nil, errors.New("stripe_subscription_params_missing")
	}

	values := url.Values{}
	values.Set("customer", customerID)
	values.Set("items[0][price]", priceID)

	var resp subscriptionResponse
	if err := c.doRequest(ctx, http.MethodPost, "/v1/subscriptions", values, "", &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, errors.New("stripe_response_invalid")
	}
	return &SubscriptionInfo{
		ID:               resp.ID,
		Status:           resp.Status,
		CurrentPeriodEnd: time.Unix(resp.CurrentPeriodEnd, 0).UTC(),
	}, nil
}

type paymentIntentResponse struct {
	ID           string `json:"id"`
	Amount       int64  `json:"amount"`
	LatestCharge struct {
		BalanceTransaction struct {
			Fee int64 `json:"fee"`
		} `json:"balance_transaction"`
	} `json:"latest_charge"`
}

func (c *Client) RetrievePaymentIntent(ctx context.Context, intentID string) (*PaymentIntentDetail, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return nil, errors.New("stripe_payment_intent_missing")
	}

	values := url.Values{}
	values.Set("expand[]", "latest_charge.balance_transaction")

	var resp paymentIntentResponse
	path := "/v1/payment_intents/" + intentID + "?" + values.Encode()
	if err := c.doRequest(ctx, http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, errors.New("stripe_response_invalid")
	}
	return &PaymentIntentDetail{
		ID:        resp.ID,
		Amount:    resp.Amount,
		StripeFee: resp.LatestCharge.BalanceTransaction.Fee,
	}, nil
}

func (c *Client) UpdatePaymentLinkActive(ctx context.Context, linkID string, active bool) error {
	linkID = strings.TrimSpace(linkID)
	if linkID == "" {
		return errors.New("stripe_payment_link_missing")
	}

	values := url.Values{}
	if active {
		values.Set("active", "true")
	} else {
		values.Set("active", "false")
	}

	var resp struct {
		ID string `json:"id"`
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/payment_links/"+linkID, values, "", &resp)
}

type accountResponse struct {
	ID               string `json:"id"`
	DetailsSubmitted bool   `json:"details_submitted"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	Requirements     struct {
		CurrentlyDue []string `json:"currently_due"`
	} `json:"requirements"`
}

func (c *Client) RetrieveAccount(ctx context.Context, accountID string) (*Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errors.New("stripe_account_missing")
	}

	var resp accountResponse
	if err := c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+accountID, nil, "", &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, errors.New("stripe_response_invalid")
	}
	return &Account{
		ID:                       resp.ID,
		DetailsSubmitted:         resp.DetailsSubmitted,
		ChargesEnabled:           resp.ChargesEnabled,
		PayoutsEnabled:           resp.PayoutsEnabled,
		RequirementsCurrentlyDue: resp.Requirements.CurrentlyDue,
	}, nil
}

func (c *Client) doRequest(
	ctx context.Context,
	method string,
	path string,
	values url.Values,
	idempotencyKey string,
	out any,
) error {
	if c.apiKey == "" {
		return ErrNotConfigured
	}
	var bodyReader *strings.Reader
	if values != nil {
		bodyReader = strings.NewReader(values.Encode())
	} else {
		bodyReader = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, "https://api.stripe.com"+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if values != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var stripeErr stripeErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&stripeErr); err != nil {
			return errors.New("stripe_request_failed")
		}
		message := strings.TrimSpace(stripeErr.Error.Message)
		if message == "" {
			message = "stripe_request_failed"
		}
		return errors.New(message)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
