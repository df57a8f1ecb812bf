package payments

import (
	"context"
	"errors"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

var ErrInvalidAmount = errors.New("payments: amount must be positive")

// StripeClient holds ride fares with manual-capture PaymentIntents and
// captures or releases them when the ride ends.
type StripeClient struct {
	api *client.API
}

func NewStripeClient(apiKey string) *StripeClient {
	return &StripeClient{api: client.New(apiKey, nil)}
}

// Hold reserves amount (in minor units) for the ride and returns the
// PaymentIntent ID.
func (s *StripeClient) Hold(ctx context.Context, rideID string, amount int64, currency string) (string, error) {
	params, err := holdParams(rideID, amount, currency)
	if err != nil {
		return "", err
	}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func holdParams(rideID string, amount int64, currency string) (*stripe.PaymentIntentParams, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.AddMetadata("ride_id", rideID)
	params.SetIdempotencyKey("hold-" + rideID)
	return params, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Cancel(paymentIntentID, params)
	return err
}
