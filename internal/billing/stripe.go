package billing

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/subscription"
)

// StripeProvider implements Provider using the Stripe Go SDK. Inbound
// webhook verification lives in the adapter layer; this side only makes
// outbound calls.
type StripeProvider struct{}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider creates a new Stripe billing provider. The SDK uses a
// package-level API key, set once at startup.
func NewStripeProvider(apiKey string) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{}
}

func (s *StripeProvider) SupportsRefunds() bool { return true }

// RefundPayment refunds a Stripe payment intent.
func (s *StripeProvider) RefundPayment(ctx context.Context, params RefundParams) (*Refund, error) {
	p := &stripe.RefundParams{
		PaymentIntent: stripe.String(params.ChargeID),
	}
	if params.AmountCents > 0 {
		p.Amount = stripe.Int64(params.AmountCents)
	}
	if params.Reason != "" {
		p.Reason = stripe.String(params.Reason)
	}
	if params.IdempotencyKey != "" {
		p.SetIdempotencyKey(params.IdempotencyKey)
	}
	p.Context = ctx

	r, err := refund.New(p)
	if err != nil {
		return nil, wrapStripeErr(err)
	}

	return &Refund{
		ID:          r.ID,
		ChargeID:    params.ChargeID,
		AmountCents: r.Amount,
		Status:      string(r.Status),
		CreatedAt:   time.Unix(r.Created, 0),
	}, nil
}

// CancelSubscription cancels a Stripe subscription. With CancelAtPeriodEnd it
// schedules the cancellation instead of ending entitlement immediately.
func (s *StripeProvider) CancelSubscription(ctx context.Context, params CancelSubscriptionParams) error {
	if params.CancelAtPeriodEnd {
		p := &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		p.Context = ctx
		if _, err := subscription.Update(params.SubscriptionID, p); err != nil {
			return wrapStripeErr(err)
		}
		return nil
	}

	p := &stripe.SubscriptionCancelParams{}
	p.Context = ctx
	if _, err := subscription.Cancel(params.SubscriptionID, p); err != nil {
		return wrapStripeErr(err)
	}
	return nil
}

func wrapStripeErr(err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		if sErr.HTTPStatusCode == 404 {
			return ErrChargeNotFound
		}
		return &StripeError{
			Message:       sErr.Msg,
			Code:          string(sErr.Code),
			RequestID:     sErr.RequestID,
			OriginalError: err,
		}
	}
	return err
}
