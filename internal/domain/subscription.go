package domain

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the user's own paid level in the host app, distinct from the
// recurring items they track.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// SubscriptionStatus enumerates the states of the subscription state machine.
type SubscriptionStatus string

const (
	// StatusFree is the resting state: no entitlement, no provider linkage.
	StatusFree SubscriptionStatus = "free"

	// StatusActive means the user is entitled and billing normally.
	StatusActive SubscriptionStatus = "active"

	// StatusTrialing means entitled under a provider trial period.
	StatusTrialing SubscriptionStatus = "trialing"

	// StatusGracePeriod means the last payment failed but the provider is
	// retrying; entitlement is preserved through the retry window.
	StatusGracePeriod SubscriptionStatus = "grace_period"

	// StatusPastDue means payment is overdue beyond the provider retry
	// window but the subscription has not yet been expired.
	StatusPastDue SubscriptionStatus = "past_due"

	// StatusCanceled means auto-renew was turned off; entitlement persists
	// until CurrentPeriodEnd, then the sweep downgrades to free.
	StatusCanceled SubscriptionStatus = "canceled"
)

// Entitled reports whether a status still grants premium access.
func (s SubscriptionStatus) Entitled() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusGracePeriod, StatusCanceled:
		return true
	}
	return false
}

// UserSubscription is the single authoritative subscription-tier record per
// user. Exactly one non-deleted row exists per user; it is created at signup
// (free) and mutated only by the subscription state machine.
type UserSubscription struct {
	ID     uuid.UUID
	UserID uuid.UUID

	Tier     Tier
	Provider PaymentProvider
	Status   SubscriptionStatus

	BillingCycle string

	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time

	CancelAtPeriodEnd bool
	CanceledAt        *time.Time

	// GraceExpiresAt is set when a payment failure opens a grace period;
	// the sweep downgrades to free once it passes.
	GraceExpiresAt *time.Time

	// RefundedAt marks the most recent refund-driven downgrade. Renewal
	// events that occurred before this instant are stale and ignored, so a
	// refund wins regardless of webhook arrival order.
	RefundedAt *time.Time

	// External provider references. Card subscriptions carry customer and
	// subscription ids; mobile IAP carries the original transaction id.
	ProviderCustomerID     string
	ProviderSubscriptionID string
	OriginalTransactionID  string

	Version   int32
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TransactionStatus is the lifecycle of a payment transaction row.
type TransactionStatus string

const (
	TransactionSucceeded TransactionStatus = "succeeded"
	TransactionFailed    TransactionStatus = "failed"
	TransactionRefunded  TransactionStatus = "refunded"
)

// PaymentTransaction records one concrete charge or refund outcome against
// the user's own subscription. Immutable once succeeded/refunded, except for
// the succeeded -> refunded transition.
type PaymentTransaction struct {
	ID               uuid.UUID
	SubscriptionID   uuid.UUID
	Provider         PaymentProvider
	ProviderChargeID string
	AmountCents      int64
	Currency         string
	Status           TransactionStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SubscriptionStatusView is the read model returned to the UI layer.
type SubscriptionStatusView struct {
	Tier      Tier               `json:"tier"`
	Status    SubscriptionStatus `json:"status"`
	Provider  PaymentProvider    `json:"provider"`
	PeriodEnd *time.Time         `json:"period_end,omitempty"`
}

// ItemLimitView reports whether the user may add another recurring item.
// Limit of -1 denotes unlimited.
type ItemLimitView struct {
	Allowed      bool `json:"allowed"`
	CurrentCount int  `json:"current_count"`
	Limit        int  `json:"limit"`
	Tier         Tier `json:"tier"`
}
