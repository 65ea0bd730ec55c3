package domain

import (
	"time"

	"github.com/google/uuid"
)

// RefundWindowDays is how long after a successful charge a refund may be
// requested. Eligibility uses whole days by truncation: a payment made
// exactly 7*24h ago is still eligible, 8 days is not.
const RefundWindowDays = 7

// RefundRequestStatus is the lifecycle of a refund request.
type RefundRequestStatus string

const (
	RefundPending   RefundRequestStatus = "pending"
	RefundCompleted RefundRequestStatus = "completed"
	RefundRejected  RefundRequestStatus = "rejected"
)

// RefundRequest is the audit row for one refund attempt against the user's
// own subscription. Its id doubles as the idempotency key for the provider
// refund call, so a crash mid-flow leaves the request retryable.
type RefundRequest struct {
	ID                   uuid.UUID
	SubscriptionID       uuid.UUID
	PaymentTransactionID uuid.UUID
	AmountCents          int64
	Currency             string
	Reason               string
	Status               RefundRequestStatus
	ProviderRefundID     string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// RefundEligibility is the result of a refund-window check.
type RefundEligibility struct {
	Eligible         bool  `json:"eligible"`
	DaysSincePayment int   `json:"days_since_payment"`
	WindowDays       int   `json:"window_days"`
	AmountCents      int64 `json:"amount_cents"`
}
