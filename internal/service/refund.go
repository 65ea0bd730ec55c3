package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/billfold/billfold/internal/billing"
	"github.com/billfold/billfold/internal/domain"
	"github.com/billfold/billfold/internal/notify"
	"github.com/billfold/billfold/internal/repository"
	"github.com/billfold/billfold/internal/telemetry"
)

// RefundService handles user-initiated refunds of their own latest
// subscription payment within the refund window.
type RefundService interface {
	// CheckEligibility reports whether the user's latest successful payment
	// is still inside the refund window.
	CheckEligibility(ctx context.Context, userID uuid.UUID) (*domain.RefundEligibility, error)

	// ProcessRefund issues the refund at the provider and downgrades the
	// subscription. Safe to retry after a crash: the refund request id is
	// the provider idempotency key.
	ProcessRefund(ctx context.Context, userID uuid.UUID, reason string) (*domain.RefundRequest, error)
}

// RefundEngine implements RefundService on PostgreSQL plus the payment
// providers' refund APIs.
type RefundEngine struct {
	repo      repository.Querier
	providers map[domain.PaymentProvider]billing.Provider
	publisher notify.Publisher
	logger    *slog.Logger

	now func() time.Time
}

var _ RefundService = (*RefundEngine)(nil)

func NewRefundEngine(repo repository.Querier, providers map[domain.PaymentProvider]billing.Provider, publisher notify.Publisher, logger *slog.Logger) *RefundEngine {
	return &RefundEngine{
		repo:      repo,
		providers: providers,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *RefundEngine) CheckEligibility(ctx context.Context, userID uuid.UUID) (*domain.RefundEligibility, error) {
	_, txn, err := r.latestPayment(ctx, userID, "refund.check")
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return &domain.RefundEligibility{WindowDays: domain.RefundWindowDays}, nil
	}

	days := wholeDaysSince(txn.CreatedAt.Time, r.now())
	return &domain.RefundEligibility{
		Eligible:         days <= domain.RefundWindowDays,
		DaysSincePayment: days,
		WindowDays:       domain.RefundWindowDays,
		AmountCents:      txn.AmountCents,
	}, nil
}

// ProcessRefund orchestrates: request row, provider call, then local state.
// The provider call happens outside any database transaction so a crash
// leaves a pending request that retries with the same idempotency key
// instead of double-refunding.
func (r *RefundEngine) ProcessRefund(ctx context.Context, userID uuid.UUID, reason string) (*domain.RefundRequest, error) {
	sub, txn, err := r.latestPayment(ctx, userID, "refund.process")
	if err != nil {
		return nil, err
	}
	if txn == nil {
		// No succeeded payment left to refund. A refunded subscription means
		// the payment was already reversed, which is a different answer than
		// "never eligible".
		if sub.RefundedAt != nil {
			return nil, ErrRefundAlreadyRequested
		}
		return nil, ErrRefundIneligible
	}
	provider, ok := r.providers[domain.PaymentProvider(txn.Provider)]
	if !ok || !provider.SupportsRefunds() {
		return nil, ErrRefundUnsupported
	}

	days := wholeDaysSince(txn.CreatedAt.Time, r.now())
	if days > domain.RefundWindowDays {
		return nil, ErrRefundIneligible
	}

	request, err := r.claimRequest(ctx, sub, txn, reason)
	if err != nil {
		return nil, err
	}

	refund, err := provider.RefundPayment(ctx, billing.RefundParams{
		ChargeID:       txn.ProviderChargeID,
		AmountCents:    txn.AmountCents,
		Reason:         "requested_by_customer",
		IdempotencyKey: request.ID.String(),
	})
	if err != nil {
		if permanentRefundRefusal(err) {
			// The provider will never honor this refund. Close the request so
			// it does not sit pending forever inviting retries.
			if rerr := r.repo.RejectRefundRequest(ctx, repository.UUID(request.ID)); rerr != nil {
				r.logger.Error("failed to reject refund request",
					slog.String("request_id", request.ID.String()),
					slog.String("error", rerr.Error()),
				)
			}
			if telemetry.Business != nil {
				telemetry.Business.RefundsRejected.WithLabelValues(txn.Provider).Inc()
			}
			r.logger.Warn("provider refused refund",
				slog.String("user_id", userID.String()),
				slog.String("charge_id", txn.ProviderChargeID),
				slog.String("error", err.Error()),
			)
			return nil, domain.WrapError(err, domain.EPAYMENT, "refund.process", "refund was refused by the payment provider")
		}

		// Request stays pending; the user can retry and the idempotency key
		// protects against a double refund if the first call half-landed.
		r.logger.Error("provider refund call failed",
			slog.String("user_id", userID.String()),
			slog.String("charge_id", txn.ProviderChargeID),
			slog.String("error", err.Error()),
		)
		return nil, domain.WrapError(err, domain.EPAYMENT, "refund.process", "refund could not be issued, try again")
	}

	if err := r.repo.CompleteRefundRequest(ctx, repository.CompleteRefundRequestParams{
		ID:               repository.UUID(request.ID),
		ProviderRefundID: refund.ID,
	}); err != nil {
		return nil, domain.Internal(err, "refund.process", "failed to finalize refund request")
	}
	if err := r.repo.MarkTransactionRefunded(ctx, txn.ID); err != nil {
		return nil, domain.Internal(err, "refund.process", "failed to mark transaction refunded")
	}

	if err := r.downgradeRefunded(ctx, userID); err != nil {
		return nil, err
	}

	// Stop the provider-side recurring billing so the refunded user is not
	// charged again next cycle. Best-effort: the money is already back and a
	// failure here surfaces as a later renewal event we will process normally.
	if sub.ProviderSubscriptionID != "" {
		if err := provider.CancelSubscription(ctx, billing.CancelSubscriptionParams{
			SubscriptionID: sub.ProviderSubscriptionID,
		}); err != nil {
			r.logger.Warn("failed to cancel provider subscription after refund",
				slog.String("user_id", userID.String()),
				slog.String("provider_subscription_id", sub.ProviderSubscriptionID),
				slog.String("error", err.Error()),
			)
		}
	}

	if telemetry.Business != nil {
		telemetry.Business.RefundsIssued.WithLabelValues(txn.Provider).Inc()
		telemetry.Business.RefundAmount.WithLabelValues(txn.Provider).Add(float64(txn.AmountCents))
	}
	r.publisher.EntitlementChanged(notify.EntitlementChange{
		UserID:    userID,
		Tier:      domain.TierFree,
		Status:    domain.StatusFree,
		Entitled:  false,
		ChangedAt: r.now().UTC(),
	})

	request.Status = domain.RefundCompleted
	request.ProviderRefundID = refund.ID
	return request, nil
}

// latestPayment loads the user's subscription and its most recent succeeded
// transaction. A nil transaction means there is nothing refundable.
func (r *RefundEngine) latestPayment(ctx context.Context, userID uuid.UUID, op string) (*domain.UserSubscription, *repository.PaymentTransaction, error) {
	row, err := r.repo.GetUserSubscription(ctx, repository.UUID(userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, domain.NotFound(op, "subscription", userID.String())
		}
		return nil, nil, domain.Internal(err, op, "failed to load subscription")
	}
	sub := mapRepoSubscriptionToDomain(row)

	txn, err := r.repo.GetLatestSucceededTransaction(ctx, row.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sub, nil, nil
		}
		return nil, nil, domain.Internal(err, op, "failed to load latest payment")
	}
	return sub, &txn, nil
}

// claimRequest inserts the refund request row, or resumes a prior pending
// one left behind by a crash.
func (r *RefundEngine) claimRequest(ctx context.Context, sub *domain.UserSubscription, txn *repository.PaymentTransaction, reason string) (*domain.RefundRequest, error) {
	row, err := r.repo.CreateRefundRequest(ctx, repository.CreateRefundRequestParams{
		SubscriptionID:       txn.SubscriptionID,
		PaymentTransactionID: txn.ID,
		AmountCents:          txn.AmountCents,
		Currency:             txn.Currency,
		Reason:               reason,
	})
	if err == nil {
		return mapRepoRefundToDomain(row), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Internal(err, "refund.process", "failed to create refund request")
	}

	existing, err := r.repo.GetRefundRequestByTransaction(ctx, txn.ID)
	if err != nil {
		return nil, domain.Internal(err, "refund.process", "failed to load existing refund request")
	}
	prior := mapRepoRefundToDomain(existing)
	if prior.Status != domain.RefundPending {
		return nil, ErrRefundAlreadyRequested
	}
	r.logger.Info("resuming pending refund request",
		slog.String("request_id", prior.ID.String()),
		slog.String("user_id", sub.UserID.String()),
	)
	return prior, nil
}

// downgradeRefunded stamps RefundedAt and resets the subscription to free,
// retrying the guarded update like the event path does.
func (r *RefundEngine) downgradeRefunded(ctx context.Context, userID uuid.UUID) error {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		row, err := r.repo.GetUserSubscription(ctx, repository.UUID(userID))
		if err != nil {
			return domain.Internal(err, "refund.process", "failed to re-read subscription")
		}
		sub := mapRepoSubscriptionToDomain(row)

		refundedAt := r.now().UTC()
		sub.RefundedAt = &refundedAt
		sub.Tier = domain.TierFree
		sub.Status = domain.StatusFree
		sub.Provider = domain.ProviderNone
		sub.BillingCycle = ""
		sub.CurrentPeriodStart = nil
		sub.CurrentPeriodEnd = nil
		sub.CancelAtPeriodEnd = false
		sub.CanceledAt = nil
		sub.GraceExpiresAt = nil

		if _, err := r.repo.UpdateUserSubscriptionGuarded(ctx, guardedParams(sub)); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				if telemetry.Business != nil {
					telemetry.Business.VersionConflicts.WithLabelValues("refund").Inc()
				}
				continue
			}
			return domain.Internal(err, "refund.process", "failed to downgrade subscription")
		}
		return nil
	}
	return ErrConcurrencyConflict
}

// permanentRefundRefusal reports whether the provider's answer can never
// change on retry: the charge is gone, or the provider rejected the refund
// for a non-transient reason.
func permanentRefundRefusal(err error) bool {
	if errors.Is(err, billing.ErrChargeNotFound) {
		return true
	}
	var stripeErr *billing.StripeError
	if errors.As(err, &stripeErr) {
		return !stripeErr.IsTemporary()
	}
	return false
}

// wholeDaysSince truncates the elapsed time to whole days. Day 7 is inside
// the window, day 8 is out.
func wholeDaysSince(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from).Hours() / 24)
}
