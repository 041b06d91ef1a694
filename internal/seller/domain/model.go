// Package domain defines the connected-seller onboarding surface. Minato
// sellers receive marketplace payouts through Stripe connected accounts;
// this package tracks whether an account can still take charges.
package domain

import "context"

type Service interface {
	// ReconcileAccount refreshes onboarding state for a connected account
	// after an account.updated delivery.
	ReconcileAccount(ctx context.Context, stripeAccountID string) error
}
