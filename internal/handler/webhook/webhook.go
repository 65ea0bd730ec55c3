// Package webhook exposes the provider webhook endpoints. One Handler serves
// one provider; the adapter does verification and normalization, the ledger
// provides exactly-once claims, and the subscription service applies state.
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/billfold/billfold/internal/adapter"
	"github.com/billfold/billfold/internal/domain"
	"github.com/billfold/billfold/internal/handler"
	"github.com/billfold/billfold/internal/ledger"
	"github.com/billfold/billfold/internal/service"
	"github.com/billfold/billfold/internal/telemetry"
)

// staleClaimAge is how old a still-pending ledger claim must be before a
// redelivery assumes the original claimant crashed and takes the event over.
const staleClaimAge = time.Minute

// Handler serves one provider's webhook endpoint.
type Handler struct {
	adapter       adapter.Adapter
	ledger        *ledger.Ledger
	subscriptions service.SubscriptionService
	logger        *slog.Logger

	now func() time.Time
}

func NewHandler(ad adapter.Adapter, led *ledger.Ledger, subscriptions service.SubscriptionService, logger *slog.Logger) *Handler {
	return &Handler{
		adapter:       ad,
		ledger:        led,
		subscriptions: subscriptions,
		logger:        logger,
		now:           time.Now,
	}
}

// Handle processes one webhook delivery.
//
// Response codes drive the provider's retry machinery: 2xx acknowledges the
// delivery (including terminal failures we will never process successfully),
// 401/400 rejects it, and 409/5xx asks the provider to redeliver later.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	provider := string(h.adapter.Provider())

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, domain.Invalid("webhook."+provider, "could not read request body"))
		return
	}

	ev, err := h.adapter.Parse(r.Context(), payload, r.Header)
	switch {
	case err == nil:
	case errors.Is(err, adapter.ErrIgnoreEvent):
		h.ack(w, "ignored")
		return
	case errors.Is(err, adapter.ErrUserResolution) && ev != nil:
		h.countReceived(provider, ev)
		h.recordUnresolvable(r.Context(), provider, ev)
		h.ack(w, "failed")
		return
	default:
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}

	h.countReceived(provider, ev)

	out, err := h.ledger.RecordIfNew(r.Context(), ev)
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}
	if !out.Fresh {
		if telemetry.Business != nil {
			telemetry.Business.WebhookDuplicates.WithLabelValues(provider).Inc()
		}
		if out.Status != domain.LedgerPending {
			// Winner finished; report its outcome without re-running anything.
			h.ack(w, string(out.Status))
			return
		}
		if h.now().Sub(out.PendingSince) < staleClaimAge {
			// Winner is still working on it. 409 keeps the provider retrying.
			handler.JSON(w, http.StatusConflict, map[string]string{"status": "processing"})
			return
		}
		h.logger.Warn("taking over stale ledger claim",
			slog.String("event_id", ev.ProviderEventID),
			slog.String("provider", provider),
		)
	}

	h.process(r.Context(), w, r, provider, ev, start)
}

func (h *Handler) process(ctx context.Context, w http.ResponseWriter, r *http.Request, provider string, ev *domain.BillingEvent, start time.Time) {
	err := h.subscriptions.ApplyEvent(ctx, ev)
	if err == nil {
		if lerr := h.ledger.MarkProcessed(ctx, ev.ProviderEventID); lerr != nil {
			// State committed but the ledger finalize failed. The claim goes
			// stale and a redelivery re-applies, which is a no-op.
			handler.ErrorResponse(w, r, h.logger, lerr)
			return
		}
		if telemetry.Business != nil {
			telemetry.Business.WebhookProcessed.WithLabelValues(provider, string(ev.Kind)).Inc()
			telemetry.Business.WebhookLatency.WithLabelValues(provider, string(ev.Kind)).Observe(h.now().Sub(start).Seconds())
		}
		h.ack(w, "processed")
		return
	}

	if h.isTerminal(err) {
		// Retrying would produce the same result, so record the failure and
		// acknowledge: redeliveries report the stored outcome.
		reason := domain.ErrorMessage(err)
		if lerr := h.ledger.MarkFailed(ctx, ev.ProviderEventID, reason); lerr != nil {
			handler.ErrorResponse(w, r, h.logger, lerr)
			return
		}
		if telemetry.Business != nil {
			telemetry.Business.WebhookFailed.WithLabelValues(provider, string(ev.Kind), domain.ErrorCode(err)).Inc()
		}
		h.logger.Warn("billing event rejected",
			slog.String("event_id", ev.ProviderEventID),
			slog.String("provider", provider),
			slog.String("reason", reason),
		)
		h.ack(w, "failed")
		return
	}

	// Transient failure: leave the claim pending and 5xx so the provider
	// redelivers. Once the claim is older than staleClaimAge the redelivery
	// takes it over. The status is forced to 5xx because a lost concurrency
	// race carries a conflict code but is still retryable, and the code map
	// would answer 409.
	if telemetry.Business != nil {
		telemetry.Business.WebhookFailed.WithLabelValues(provider, string(ev.Kind), "transient").Inc()
	}
	handler.ErrorResponseStatus(w, r, h.logger, err, http.StatusInternalServerError)
}

// isTerminal reports whether reprocessing the event could ever succeed.
// Validation failures and provider-exclusivity conflicts are permanent;
// lost-update conflicts and infrastructure errors are worth a retry.
func (h *Handler) isTerminal(err error) bool {
	if errors.Is(err, service.ErrConcurrencyConflict) {
		return false
	}
	switch domain.ErrorCode(err) {
	case domain.EINVALID, domain.ECONFLICT:
		return true
	}
	return false
}

// recordUnresolvable ledgers an event whose user reference could not be
// mapped, so redeliveries see a stored failure instead of re-parsing forever.
func (h *Handler) recordUnresolvable(ctx context.Context, provider string, ev *domain.BillingEvent) {
	out, err := h.ledger.RecordIfNew(ctx, ev)
	if err != nil {
		h.logger.Error("failed to ledger unresolvable event",
			slog.String("event_id", ev.ProviderEventID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !out.Fresh {
		return
	}
	if err := h.ledger.MarkFailed(ctx, ev.ProviderEventID, "user could not be resolved"); err != nil {
		h.logger.Error("failed to mark unresolvable event",
			slog.String("event_id", ev.ProviderEventID),
			slog.String("error", err.Error()),
		)
		return
	}
	if telemetry.Business != nil {
		telemetry.Business.WebhookFailed.WithLabelValues(provider, string(ev.Kind), "user_resolution").Inc()
	}
}

func (h *Handler) countReceived(provider string, ev *domain.BillingEvent) {
	if telemetry.Business != nil {
		telemetry.Business.WebhookReceived.WithLabelValues(provider, string(ev.Kind)).Inc()
	}
}

// ack always responds 200: the provider considers the delivery handled.
func (h *Handler) ack(w http.ResponseWriter, status string) {
	handler.JSON(w, http.StatusOK, map[string]any{
		"received": true,
		"status":   status,
	})
}
