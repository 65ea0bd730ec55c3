package billing

import (
	"context"
	"time"
)

// Provider defines the outbound interface to a payment processor. Inbound
// notification parsing lives in the adapter layer; this interface covers the
// calls the engine makes back out to the provider.
type Provider interface {
	// SupportsRefunds reports whether the provider can issue refunds
	// server-side. Mobile IAP refunds are granted by the platform, never by
	// us, so the refund flow checks this before creating any state.
	SupportsRefunds() bool

	// RefundPayment refunds a completed payment. Implementations must honor
	// the idempotency key so a crashed refund flow can be retried safely.
	RefundPayment(ctx context.Context, params RefundParams) (*Refund, error)

	// CancelSubscription turns off auto-renew at the provider. The resulting
	// state change arrives back through the normal webhook path.
	CancelSubscription(ctx context.Context, params CancelSubscriptionParams) error
}

// RefundParams contains parameters for creating a refund.
type RefundParams struct {
	// ChargeID is the provider charge reference (payment intent id for the
	// card processor).
	ChargeID string

	// AmountCents refunds a partial amount; 0 refunds the full charge.
	AmountCents int64

	Reason string

	// IdempotencyKey prevents duplicate refunds on retry. The engine uses
	// the refund request row id.
	IdempotencyKey string
}

// Refund represents a provider refund.
type Refund struct {
	ID          string
	ChargeID    string
	AmountCents int64
	Status      string // succeeded, pending, failed
	CreatedAt   time.Time
}

// CancelSubscriptionParams contains parameters for canceling a subscription.
type CancelSubscriptionParams struct {
	SubscriptionID    string
	CancelAtPeriodEnd bool
}
