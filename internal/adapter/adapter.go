// Package adapter normalizes provider-specific webhook payloads into the
// engine's provider-agnostic billing events. Each adapter owns verification
// of its provider's authenticity scheme and resolution of the provider's
// user reference to an internal user id.
package adapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/billfold/billfold/internal/domain"
)

var (
	// ErrIgnoreEvent means the notification type carries no billing meaning
	// for us. The webhook handler acknowledges it without a ledger entry.
	ErrIgnoreEvent = errors.New("adapter: notification type not handled")

	// ErrUserResolution means the event verified and parsed but its user
	// reference could not be mapped to an internal user. The handler records
	// the event as failed so redeliveries report the same outcome.
	ErrUserResolution = errors.New("adapter: could not resolve user for event")
)

// Adapter turns one provider's raw webhook request into a BillingEvent.
//
// On ErrUserResolution the returned event is non-nil and carries the event
// id, kind, and raw payload so the caller can still ledger the failure.
type Adapter interface {
	// Provider identifies which payment provider this adapter serves.
	Provider() domain.PaymentProvider

	// Parse verifies and normalizes one webhook delivery.
	Parse(ctx context.Context, payload []byte, header http.Header) (*domain.BillingEvent, error)
}
