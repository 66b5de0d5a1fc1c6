package payments

import (
	"context"
	"errors"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient places seat deposits as manually captured PaymentIntents.
// A hold is cancelled when the request ends Rejected or Cancelled.
type StripeClient struct{}

// NewStripeClient sets the process-wide stripe key.
func NewStripeClient(apiKey string) (*StripeClient, error) {
	if apiKey == "" {
		return nil, errors.New("stripe api key required")
	}
	stripe.Key = apiKey
	return &StripeClient{}, nil
}

// Hold creates a PaymentIntent with capture_method=manual and returns its id.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(currency),
		Description: stripe.String("ride pool seat deposit"),
	}
	params.Context = ctx
	if customerID != "" {
		params.AddMetadata("rider_id", customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}
