package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PaymentProvider identifies which external billing system an event or
// subscription linkage came from.
type PaymentProvider string

const (
	// ProviderCard is the card processor (Stripe).
	ProviderCard PaymentProvider = "card"

	// ProviderMobileIAP is the mobile platform in-app purchase system
	// (App Store server notifications).
	ProviderMobileIAP PaymentProvider = "mobile_iap"

	// ProviderNone means the user has no linked billing provider (free tier).
	ProviderNone PaymentProvider = ""
)

// EventKind is the provider-agnostic billing event taxonomy. Both adapters
// normalize their provider-specific notification types into these kinds; the
// subscription state machine consumes only this enumeration.
type EventKind string

const (
	EventCreated         EventKind = "created"
	EventRenewed         EventKind = "renewed"
	EventFailed          EventKind = "failed"
	EventCanceled        EventKind = "canceled"
	EventRefunded        EventKind = "refunded"
	EventAutoRenewChange EventKind = "auto_renew_changed"
	EventExpired         EventKind = "expired"
)

// BillingEvent is the normalized, provider-agnostic shape of one inbound
// provider notification. It is constructed per request by a provider adapter
// and never persisted directly; only its ledger entry and resulting side
// effects persist.
type BillingEvent struct {
	// ProviderEventID is the provider-qualified, globally unique event id
	// (e.g. "stripe:evt_1N4...", "appstore:6a1f...-...").
	ProviderEventID string

	Provider PaymentProvider
	Kind     EventKind

	// UserID is the resolved internal user. Adapters must resolve the
	// provider's user reference before the event reaches the state machine.
	UserID uuid.UUID

	// AmountCents and Currency are set when money moved (created, renewed,
	// failed attempts carry the attempted amount; refunds the refunded one).
	AmountCents int64
	Currency    string

	// ChargeID is the provider's charge identifier (payment intent id for
	// the card processor, transaction id for mobile IAP). Used as the unique
	// key on payment transaction rows.
	ChargeID string

	// PeriodStart/PeriodEnd bound the entitlement period granted by this
	// event, when the provider reports one.
	PeriodStart *time.Time
	PeriodEnd   *time.Time

	// BillingCycle is the provider-reported cycle ("monthly", "yearly"),
	// empty when unknown.
	BillingCycle string

	// AutoRenewEnabled is set only for auto_renew_changed events.
	AutoRenewEnabled *bool

	// Provider linkage references carried by the event.
	ProviderCustomerID     string
	ProviderSubscriptionID string
	OriginalTransactionID  string

	// OccurredAt is the provider-side event timestamp, used to discard
	// stale renewals that race a refund.
	OccurredAt time.Time

	// RawPayload is the verbatim provider payload, retained in the ledger
	// for forensic replay.
	RawPayload []byte
}

// Validate checks the minimal invariants the state machine relies on.
func (e *BillingEvent) Validate() error {
	if e.ProviderEventID == "" {
		return Invalid("event.validate", "missing provider event id")
	}
	if e.Provider != ProviderCard && e.Provider != ProviderMobileIAP {
		return Invalid("event.validate", fmt.Sprintf("unknown provider: %q", e.Provider))
	}
	switch e.Kind {
	case EventCreated, EventRenewed, EventFailed, EventCanceled,
		EventRefunded, EventAutoRenewChange, EventExpired:
	default:
		return Invalid("event.validate", fmt.Sprintf("unknown event kind: %q", e.Kind))
	}
	if e.UserID == uuid.Nil {
		return Invalid("event.validate", "event user not resolved")
	}
	return nil
}

// LedgerStatus is the processing state of an event ledger entry.
type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "pending"
	LedgerProcessed LedgerStatus = "processed"
	LedgerFailed    LedgerStatus = "failed"
)
