package service

import (
	"github.com/billfold/billfold/internal/domain"
)

// Sentinel errors shared across services. They are *domain.Error values so
// the HTTP layer can map them by code while callers still use errors.Is.
var (
	// ErrConcurrencyConflict means the guarded subscription update lost to a
	// concurrent writer on every retry.
	ErrConcurrencyConflict = &domain.Error{
		Code:    domain.ECONFLICT,
		Op:      "subscription.update",
		Message: "subscription was modified concurrently, retry",
	}

	// ErrProviderMismatch means an event arrived from a provider other than
	// the one the subscription is linked to.
	ErrProviderMismatch = &domain.Error{
		Code:    domain.ECONFLICT,
		Op:      "subscription.apply",
		Message: "event provider does not match the linked billing provider",
	}

	// ErrRefundIneligible means the refund window has passed or no refundable
	// payment exists.
	ErrRefundIneligible = &domain.Error{
		Code:    domain.EINVALID,
		Op:      "refund.process",
		Message: "payment is not eligible for a refund",
	}

	// ErrRefundAlreadyRequested means a refund was already requested for the
	// latest payment.
	ErrRefundAlreadyRequested = &domain.Error{
		Code:    domain.ECONFLICT,
		Op:      "refund.process",
		Message: "a refund was already requested for this payment",
	}

	// ErrRefundUnsupported means the linked provider cannot issue
	// server-initiated refunds (mobile IAP refunds go through the platform).
	ErrRefundUnsupported = &domain.Error{
		Code:    domain.EINVALID,
		Op:      "refund.process",
		Message: "refunds for this provider are handled by the platform, not the app",
	}
)
