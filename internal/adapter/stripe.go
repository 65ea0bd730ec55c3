package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/billfold/billfold/internal/domain"
	"github.com/billfold/billfold/internal/repository"
)

// StripeAdapter verifies Stripe webhook signatures and maps Stripe event
// types onto the billing event taxonomy.
//
// Payload objects are decoded into local structs instead of the SDK's types:
// the SDK restructures its object models between major versions, and we only
// read a handful of stable JSON fields.
type StripeAdapter struct {
	webhookSecret string
	repo          repository.Querier
	logger        *slog.Logger
}

var _ Adapter = (*StripeAdapter)(nil)

func NewStripeAdapter(webhookSecret string, repo repository.Querier, logger *slog.Logger) *StripeAdapter {
	return &StripeAdapter{
		webhookSecret: webhookSecret,
		repo:          repo,
		logger:        logger,
	}
}

func (a *StripeAdapter) Provider() domain.PaymentProvider {
	return domain.ProviderCard
}

type stripeInvoice struct {
	ID            string            `json:"id"`
	AmountPaid    int64             `json:"amount_paid"`
	AmountDue     int64             `json:"amount_due"`
	Currency      string            `json:"currency"`
	BillingReason string            `json:"billing_reason"`
	Customer      string            `json:"customer"`
	Subscription  string            `json:"subscription"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
			Price *struct {
				Recurring *struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"lines"`
}

type stripeSubscription struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeCharge struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Customer       string            `json:"customer"`
	Metadata       map[string]string `json:"metadata"`
}

// Parse verifies the Stripe-Signature header and normalizes the event.
func (a *StripeAdapter) Parse(ctx context.Context, payload []byte, header http.Header) (*domain.BillingEvent, error) {
	signature := header.Get("Stripe-Signature")
	if signature == "" {
		return nil, domain.Unauthorized("adapter.stripe", "missing Stripe-Signature header")
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, a.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, domain.Unauthorized("adapter.stripe", "invalid webhook signature")
	}

	ev := &domain.BillingEvent{
		ProviderEventID: "stripe:" + event.ID,
		Provider:        domain.ProviderCard,
		OccurredAt:      time.Unix(event.Created, 0).UTC(),
		RawPayload:      payload,
	}

	switch event.Type {
	case "invoice.payment_succeeded":
		return a.parseInvoicePaid(ctx, ev, event.Data.Raw)
	case "invoice.payment_failed":
		return a.parseInvoiceFailed(ctx, ev, event.Data.Raw)
	case "customer.subscription.updated":
		return a.parseSubscriptionUpdated(ctx, ev, event.Data.Raw)
	case "customer.subscription.deleted":
		return a.parseSubscriptionDeleted(ctx, ev, event.Data.Raw)
	case "charge.refunded":
		return a.parseChargeRefunded(ctx, ev, event.Data.Raw)
	default:
		a.logger.Debug("stripe event ignored",
			slog.String("type", string(event.Type)),
			slog.String("event_id", event.ID),
		)
		return nil, ErrIgnoreEvent
	}
}

func (a *StripeAdapter) parseInvoicePaid(ctx context.Context, ev *domain.BillingEvent, raw []byte) (*domain.BillingEvent, error) {
	var inv stripeInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, domain.Invalid("adapter.stripe", "malformed invoice payload")
	}

	switch inv.BillingReason {
	case "subscription_create":
		ev.Kind = domain.EventCreated
	case "subscription_cycle", "subscription_update":
		ev.Kind = domain.EventRenewed
	default:
		return nil, ErrIgnoreEvent
	}

	a.fillInvoice(ev, &inv)
	ev.AmountCents = inv.AmountPaid
	if err := a.resolveUser(ctx, ev, invoiceMetadata(&inv), invoiceSubscription(&inv)); err != nil {
		return ev, err
	}
	return ev, nil
}

func (a *StripeAdapter) parseInvoiceFailed(ctx context.Context, ev *domain.BillingEvent, raw []byte) (*domain.BillingEvent, error) {
	var inv stripeInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, domain.Invalid("adapter.stripe", "malformed invoice payload")
	}

	ev.Kind = domain.EventFailed
	a.fillInvoice(ev, &inv)
	ev.AmountCents = inv.AmountDue
	if err := a.resolveUser(ctx, ev, invoiceMetadata(&inv), invoiceSubscription(&inv)); err != nil {
		return ev, err
	}
	return ev, nil
}

func (a *StripeAdapter) parseSubscriptionUpdated(ctx context.Context, ev *domain.BillingEvent, raw []byte) (*domain.BillingEvent, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, domain.Invalid("adapter.stripe", "malformed subscription payload")
	}

	// The only update we act on is the auto-renew toggle; period and status
	// changes arrive through invoice events.
	ev.Kind = domain.EventAutoRenewChange
	enabled := !sub.CancelAtPeriodEnd
	ev.AutoRenewEnabled = &enabled
	ev.ProviderCustomerID = sub.Customer
	ev.ProviderSubscriptionID = sub.ID
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		ev.PeriodEnd = &end
	}
	if err := a.resolveUser(ctx, ev, sub.Metadata, sub.ID); err != nil {
		return ev, err
	}
	return ev, nil
}

func (a *StripeAdapter) parseSubscriptionDeleted(ctx context.Context, ev *domain.BillingEvent, raw []byte) (*domain.BillingEvent, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, domain.Invalid("adapter.stripe", "malformed subscription payload")
	}

	ev.Kind = domain.EventExpired
	ev.ProviderCustomerID = sub.Customer
	ev.ProviderSubscriptionID = sub.ID
	if err := a.resolveUser(ctx, ev, sub.Metadata, sub.ID); err != nil {
		return ev, err
	}
	return ev, nil
}

func (a *StripeAdapter) parseChargeRefunded(ctx context.Context, ev *domain.BillingEvent, raw []byte) (*domain.BillingEvent, error) {
	var ch stripeCharge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, domain.Invalid("adapter.stripe", "malformed charge payload")
	}

	ev.Kind = domain.EventRefunded
	ev.AmountCents = ch.AmountRefunded
	ev.Currency = ch.Currency
	ev.ChargeID = ch.PaymentIntent
	ev.ProviderCustomerID = ch.Customer

	if uid, ok := metadataUserID(ch.Metadata); ok {
		ev.UserID = uid
		return ev, nil
	}

	// Refund charges usually lack our metadata; resolve through the recorded
	// transaction for the original charge.
	txn, err := a.repo.GetPaymentTransactionByChargeID(ctx, ch.PaymentIntent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ev, fmt.Errorf("%w: no transaction for charge %s", ErrUserResolution, ch.PaymentIntent)
		}
		return nil, domain.Internal(err, "adapter.stripe", "transaction lookup failed")
	}
	sub, err := a.repo.GetUserSubscriptionByID(ctx, txn.SubscriptionID)
	if err != nil {
		return ev, fmt.Errorf("%w: no subscription for charge %s", ErrUserResolution, ch.PaymentIntent)
	}
	ev.UserID = repository.FromUUID(sub.UserID)
	return ev, nil
}

// fillInvoice copies the invoice fields shared by paid and failed events.
func (a *StripeAdapter) fillInvoice(ev *domain.BillingEvent, inv *stripeInvoice) {
	ev.Currency = inv.Currency
	ev.ChargeID = inv.PaymentIntent
	ev.ProviderCustomerID = inv.Customer
	ev.ProviderSubscriptionID = invoiceSubscription(inv)
	if len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		if line.Period.Start > 0 {
			start := time.Unix(line.Period.Start, 0).UTC()
			ev.PeriodStart = &start
		}
		if line.Period.End > 0 {
			end := time.Unix(line.Period.End, 0).UTC()
			ev.PeriodEnd = &end
		}
		if line.Price != nil && line.Price.Recurring != nil {
			ev.BillingCycle = intervalToCycle(line.Price.Recurring.Interval)
		}
	}
}

// resolveUser maps the Stripe-side user reference onto an internal user id:
// subscription metadata first, then the stored subscription linkage.
func (a *StripeAdapter) resolveUser(ctx context.Context, ev *domain.BillingEvent, metadata map[string]string, subscriptionID string) error {
	if uid, ok := metadataUserID(metadata); ok {
		ev.UserID = uid
		return nil
	}
	return fmt.Errorf("%w: no user_id metadata on subscription %s", ErrUserResolution, subscriptionID)
}

func metadataUserID(metadata map[string]string) (uuid.UUID, bool) {
	raw, ok := metadata["user_id"]
	if !ok {
		return uuid.Nil, false
	}
	uid, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || uid == uuid.Nil {
		return uuid.Nil, false
	}
	return uid, true
}

func invoiceSubscription(inv *stripeInvoice) string {
	if inv.Subscription != "" {
		return inv.Subscription
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails.Subscription
	}
	return ""
}

func invoiceMetadata(inv *stripeInvoice) map[string]string {
	if inv.SubscriptionDetails != nil && len(inv.SubscriptionDetails.Metadata) > 0 {
		return inv.SubscriptionDetails.Metadata
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && len(inv.Parent.SubscriptionDetails.Metadata) > 0 {
		return inv.Parent.SubscriptionDetails.Metadata
	}
	return inv.Metadata
}

func intervalToCycle(interval string) string {
	switch interval {
	case "month":
		return "monthly"
	case "year":
		return "yearly"
	case "week":
		return "weekly"
	}
	return interval
}
