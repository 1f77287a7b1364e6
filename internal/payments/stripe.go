package payments

import (
	"context"
	"errors"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

var ErrInvalidAmount = errors.New("amount must be positive")

// StripeClient creates PaymentIntents for completed ride fares. Collection
// itself happens client-side with the returned secret.
type StripeClient struct {
	currency string
}

// NewStripeClient sets the package-wide stripe key; one gateway per process.
func NewStripeClient(apiKey, currency string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{currency: currency}
}

// CreateIntent opens a PaymentIntent for amount in major currency units and
// returns its client secret.
func (s *StripeClient) CreateIntent(ctx context.Context, amount float64) (string, error) {
	minor, err := MinorUnits(amount)
	if err != nil {
		return "", err
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minor),
		Currency: stripe.String(s.currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ClientSecret, nil
}

// MinorUnits converts a two-decimal amount to the smallest currency unit.
func MinorUnits(amount float64) (int64, error) {
	if !(amount > 0) || math.IsInf(amount, 0) {
		return 0, ErrInvalidAmount
	}
	return int64(math.Round(amount * 100)), nil
}
