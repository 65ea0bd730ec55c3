package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrRefundUnsupported is returned by providers that cannot issue refunds
	// server-side (mobile IAP refunds are granted by the platform, not us).
	ErrRefundUnsupported = errors.New("billing: provider does not support server-initiated refunds")

	// ErrChargeNotFound is returned when the referenced charge does not exist
	// at the provider.
	ErrChargeNotFound = errors.New("billing: charge not found")
)

// StripeError wraps a Stripe API error with additional context.
type StripeError struct {
	Message       string // Human-readable error message
	Code          string // Stripe error code (e.g., "charge_already_refunded")
	RequestID     string // Stripe request ID for debugging
	OriginalError error  // Original error from Stripe SDK
}

func (e *StripeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe: %s (code: %s)", e.Message, e.Code)
	}
	return fmt.Sprintf("stripe: %s", e.Message)
}

func (e *StripeError) Unwrap() error {
	return e.OriginalError
}

// IsTemporary returns true if error is likely transient and retryable.
func (e *StripeError) IsTemporary() bool {
	return e.Code == "rate_limit" || e.Code == "api_connection_error"
}
