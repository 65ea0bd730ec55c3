package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/billfold/billfold/internal/domain"
	"github.com/billfold/billfold/internal/notify"
	"github.com/billfold/billfold/internal/repository"
	"github.com/billfold/billfold/internal/telemetry"
)

// maxUpdateRetries bounds the re-read-and-retry loop on the version-guarded
// subscription update before giving up with a conflict.
const maxUpdateRetries = 3

// SubscriptionService is the subscription-tier state machine. All mutations
// of a user's tier flow through ApplyEvent or ExpireLapsed; nothing else
// writes user_subscriptions.
type SubscriptionService interface {
	// ApplyEvent applies one normalized billing event to the owning user's
	// subscription. Idempotency is the ledger's job; this assumes the caller
	// holds the event's processing claim.
	ApplyEvent(ctx context.Context, ev *domain.BillingEvent) error

	// GetStatus returns the read model for the user's subscription. Users
	// without a row read as free.
	GetStatus(ctx context.Context, userID uuid.UUID) (*domain.SubscriptionStatusView, error)

	// ExpireLapsed downgrades subscriptions whose grace window or canceled
	// period has passed. Returns how many were downgraded.
	ExpireLapsed(ctx context.Context, now time.Time, limit int32) (int, error)
}

// SubscriptionEngine implements SubscriptionService on PostgreSQL.
type SubscriptionEngine struct {
	repo      repository.Querier
	publisher notify.Publisher
	logger    *slog.Logger
	graceDays int

	now func() time.Time
}

var _ SubscriptionService = (*SubscriptionEngine)(nil)

func NewSubscriptionEngine(repo repository.Querier, publisher notify.Publisher, logger *slog.Logger, graceDays int) *SubscriptionEngine {
	return &SubscriptionEngine{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		graceDays: graceDays,
		now:       time.Now,
	}
}

// ApplyEvent runs the optimistic-concurrency loop: read, compute the
// transition, and write guarded by the row version. A lost write re-reads
// and recomputes, so per-user updates serialize without row locks.
func (s *SubscriptionEngine) ApplyEvent(ctx context.Context, ev *domain.BillingEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	row, err := s.repo.CreateUserSubscription(ctx, repository.UUID(ev.UserID))
	if err != nil {
		return domain.Internal(err, "subscription.apply", "failed to load subscription")
	}
	sub := mapRepoSubscriptionToDomain(row)

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		wasEntitled := sub.Status.Entitled()

		changed, err := s.transition(sub, ev)
		if err != nil {
			return err
		}
		if !changed {
			s.logger.Info("billing event is a no-op",
				slog.String("event_id", ev.ProviderEventID),
				slog.String("kind", string(ev.Kind)),
				slog.String("user_id", ev.UserID.String()),
			)
			return nil
		}

		updated, err := s.repo.UpdateUserSubscriptionGuarded(ctx, guardedParams(sub))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				if telemetry.Business != nil {
					telemetry.Business.VersionConflicts.WithLabelValues("apply_event").Inc()
				}
				fresh, rerr := s.repo.GetUserSubscription(ctx, repository.UUID(ev.UserID))
				if rerr != nil {
					return domain.Internal(rerr, "subscription.apply", "failed to re-read subscription")
				}
				sub = mapRepoSubscriptionToDomain(fresh)
				continue
			}
			return domain.Internal(err, "subscription.apply", "failed to update subscription")
		}
		sub = mapRepoSubscriptionToDomain(updated)

		if err := s.recordTransaction(ctx, sub, ev); err != nil {
			return err
		}
		s.trackEvent(ev)
		if wasEntitled != sub.Status.Entitled() {
			s.publisher.EntitlementChanged(notify.EntitlementChange{
				UserID:    sub.UserID,
				Tier:      sub.Tier,
				Status:    sub.Status,
				Entitled:  sub.Status.Entitled(),
				ChangedAt: s.now().UTC(),
			})
		}
		return nil
	}
	return ErrConcurrencyConflict
}

// transition mutates sub according to the event and reports whether anything
// changed. A false return is a deliberate no-op (stale or redundant event),
// still acknowledged as processed.
func (s *SubscriptionEngine) transition(sub *domain.UserSubscription, ev *domain.BillingEvent) (bool, error) {
	switch ev.Kind {
	case domain.EventCreated, domain.EventRenewed:
		// A refund wins against any purchase or renewal that happened
		// before it, regardless of webhook arrival order.
		if sub.RefundedAt != nil && !ev.OccurredAt.After(*sub.RefundedAt) {
			return false, nil
		}
		if err := s.checkProvider(sub, ev); err != nil {
			return false, err
		}
		sub.Tier = domain.TierPremium
		sub.Provider = ev.Provider
		sub.Status = domain.StatusActive
		sub.CancelAtPeriodEnd = false
		sub.CanceledAt = nil
		sub.GraceExpiresAt = nil
		if ev.BillingCycle != "" {
			sub.BillingCycle = ev.BillingCycle
		}
		if ev.PeriodStart != nil {
			sub.CurrentPeriodStart = ev.PeriodStart
		}
		if ev.PeriodEnd != nil {
			sub.CurrentPeriodEnd = ev.PeriodEnd
		}
		s.updateLinkage(sub, ev)
		return true, nil

	case domain.EventFailed:
		if err := s.checkProvider(sub, ev); err != nil {
			return false, err
		}
		// A payment failure for someone who is not premium carries no state
		// to protect.
		if sub.Tier != domain.TierPremium {
			return false, nil
		}
		sub.Status = domain.StatusGracePeriod
		grace := ev.OccurredAt.AddDate(0, 0, s.graceDays)
		sub.GraceExpiresAt = &grace
		return true, nil

	case domain.EventCanceled:
		if err := s.checkProvider(sub, ev); err != nil {
			return false, err
		}
		if sub.Tier != domain.TierPremium || sub.CancelAtPeriodEnd {
			return false, nil
		}
		canceledAt := ev.OccurredAt
		sub.CancelAtPeriodEnd = true
		sub.CanceledAt = &canceledAt
		sub.Status = domain.StatusCanceled
		return true, nil

	case domain.EventAutoRenewChange:
		if err := s.checkProvider(sub, ev); err != nil {
			return false, err
		}
		if sub.Tier != domain.TierPremium || ev.AutoRenewEnabled == nil {
			return false, nil
		}
		if *ev.AutoRenewEnabled {
			if !sub.CancelAtPeriodEnd {
				return false, nil
			}
			sub.CancelAtPeriodEnd = false
			sub.CanceledAt = nil
			if sub.Status == domain.StatusCanceled {
				sub.Status = domain.StatusActive
			}
		} else {
			if sub.CancelAtPeriodEnd {
				return false, nil
			}
			canceledAt := ev.OccurredAt
			sub.CancelAtPeriodEnd = true
			sub.CanceledAt = &canceledAt
			sub.Status = domain.StatusCanceled
		}
		return true, nil

	case domain.EventExpired:
		if err := s.checkProvider(sub, ev); err != nil {
			return false, err
		}
		if sub.Tier == domain.TierFree {
			return false, nil
		}
		s.downgrade(sub)
		return true, nil

	case domain.EventRefunded:
		if err := s.checkProvider(sub, ev); err != nil {
			return false, err
		}
		refundedAt := ev.OccurredAt
		sub.RefundedAt = &refundedAt
		s.downgrade(sub)
		return true, nil
	}
	return false, domain.Invalid("subscription.apply", "unknown event kind")
}

// checkProvider enforces provider exclusivity: a premium user linked to one
// provider rejects events from the other until they lapse back to free.
func (s *SubscriptionEngine) checkProvider(sub *domain.UserSubscription, ev *domain.BillingEvent) error {
	if sub.Provider != domain.ProviderNone && sub.Provider != ev.Provider && sub.Tier == domain.TierPremium {
		return ErrProviderMismatch
	}
	return nil
}

// updateLinkage copies the provider references the event carries.
func (s *SubscriptionEngine) updateLinkage(sub *domain.UserSubscription, ev *domain.BillingEvent) {
	if ev.ProviderCustomerID != "" {
		sub.ProviderCustomerID = ev.ProviderCustomerID
	}
	if ev.ProviderSubscriptionID != "" {
		sub.ProviderSubscriptionID = ev.ProviderSubscriptionID
	}
	if ev.OriginalTransactionID != "" {
		sub.OriginalTransactionID = ev.OriginalTransactionID
	}
}

// downgrade resets the subscription to the free resting state. Historical
// provider references stay on the row for audit and IAP user resolution.
func (s *SubscriptionEngine) downgrade(sub *domain.UserSubscription) {
	sub.Tier = domain.TierFree
	sub.Status = domain.StatusFree
	sub.Provider = domain.ProviderNone
	sub.BillingCycle = ""
	sub.CurrentPeriodStart = nil
	sub.CurrentPeriodEnd = nil
	sub.CancelAtPeriodEnd = false
	sub.CanceledAt = nil
	sub.GraceExpiresAt = nil
}

// recordTransaction writes the money-movement side effect of the event.
func (s *SubscriptionEngine) recordTransaction(ctx context.Context, sub *domain.UserSubscription, ev *domain.BillingEvent) error {
	switch ev.Kind {
	case domain.EventCreated, domain.EventRenewed:
		if ev.ChargeID == "" {
			return nil
		}
		_, err := s.repo.CreatePaymentTransaction(ctx, repository.CreatePaymentTransactionParams{
			SubscriptionID:   repository.UUID(sub.ID),
			Provider:         string(ev.Provider),
			ProviderChargeID: ev.ChargeID,
			AmountCents:      ev.AmountCents,
			Currency:         currencyOrDefault(ev.Currency),
			Status:           string(domain.TransactionSucceeded),
		})
		if err != nil {
			return domain.Internal(err, "subscription.apply", "failed to record payment transaction")
		}

	case domain.EventFailed:
		if ev.ChargeID == "" {
			return nil
		}
		_, err := s.repo.CreatePaymentTransaction(ctx, repository.CreatePaymentTransactionParams{
			SubscriptionID:   repository.UUID(sub.ID),
			Provider:         string(ev.Provider),
			ProviderChargeID: ev.ChargeID,
			AmountCents:      ev.AmountCents,
			Currency:         currencyOrDefault(ev.Currency),
			Status:           string(domain.TransactionFailed),
		})
		if err != nil {
			return domain.Internal(err, "subscription.apply", "failed to record failed transaction")
		}

	case domain.EventRefunded:
		if ev.ChargeID != "" {
			if err := s.repo.MarkTransactionRefundedByChargeID(ctx, ev.ChargeID); err != nil {
				return domain.Internal(err, "subscription.apply", "failed to mark transaction refunded")
			}
			return nil
		}
		txn, err := s.repo.GetLatestSucceededTransaction(ctx, repository.UUID(sub.ID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return domain.Internal(err, "subscription.apply", "failed to find transaction to refund")
		}
		if err := s.repo.MarkTransactionRefunded(ctx, txn.ID); err != nil {
			return domain.Internal(err, "subscription.apply", "failed to mark transaction refunded")
		}
	}
	return nil
}

func (s *SubscriptionEngine) trackEvent(ev *domain.BillingEvent) {
	if telemetry.Business == nil {
		return
	}
	provider := string(ev.Provider)
	switch ev.Kind {
	case domain.EventCreated:
		telemetry.Business.SubscriptionsActivated.WithLabelValues(provider, ev.BillingCycle).Inc()
		telemetry.Business.RevenueCollected.WithLabelValues(provider, ev.BillingCycle).Add(float64(ev.AmountCents))
	case domain.EventRenewed:
		telemetry.Business.SubscriptionsRenewed.WithLabelValues(provider).Inc()
		telemetry.Business.RevenueCollected.WithLabelValues(provider, ev.BillingCycle).Add(float64(ev.AmountCents))
	case domain.EventFailed:
		telemetry.Business.PaymentFailed.WithLabelValues(provider).Inc()
	case domain.EventExpired:
		telemetry.Business.SubscriptionsExpired.WithLabelValues(provider, "expired").Inc()
	case domain.EventRefunded:
		telemetry.Business.SubscriptionsExpired.WithLabelValues(provider, "refunded").Inc()
		telemetry.Business.RefundsIssued.WithLabelValues(provider).Inc()
		telemetry.Business.RefundAmount.WithLabelValues(provider).Add(float64(ev.AmountCents))
	}
}

// GetStatus returns the subscription read model.
func (s *SubscriptionEngine) GetStatus(ctx context.Context, userID uuid.UUID) (*domain.SubscriptionStatusView, error) {
	row, err := s.repo.GetUserSubscription(ctx, repository.UUID(userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.SubscriptionStatusView{
				Tier:   domain.TierFree,
				Status: domain.StatusFree,
			}, nil
		}
		return nil, domain.Internal(err, "subscription.status", "failed to load subscription")
	}
	sub := mapRepoSubscriptionToDomain(row)
	return &domain.SubscriptionStatusView{
		Tier:      sub.Tier,
		Status:    sub.Status,
		Provider:  sub.Provider,
		PeriodEnd: sub.CurrentPeriodEnd,
	}, nil
}

// ExpireLapsed downgrades canceled subscriptions past their period end and
// grace periods past their deadline. A lost guarded update is skipped; the
// next sweep pass picks the row up again.
func (s *SubscriptionEngine) ExpireLapsed(ctx context.Context, now time.Time, limit int32) (int, error) {
	rows, err := s.repo.ListLapsedSubscriptions(ctx, repository.ListLapsedSubscriptionsParams{
		Now:   repository.Timestamptz(now),
		Limit: limit,
	})
	if err != nil {
		return 0, domain.Internal(err, "subscription.sweep", "failed to list lapsed subscriptions")
	}

	downgraded := 0
	for _, row := range rows {
		sub := mapRepoSubscriptionToDomain(row)
		priorStatus := sub.Status
		s.downgrade(sub)

		if _, err := s.repo.UpdateUserSubscriptionGuarded(ctx, guardedParams(sub)); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				if telemetry.Business != nil {
					telemetry.Business.VersionConflicts.WithLabelValues("sweep").Inc()
				}
				continue
			}
			return downgraded, domain.Internal(err, "subscription.sweep", "failed to downgrade subscription")
		}
		downgraded++

		if telemetry.Business != nil {
			telemetry.Business.SweepDowngrades.WithLabelValues(string(priorStatus)).Inc()
		}
		s.publisher.EntitlementChanged(notify.EntitlementChange{
			UserID:    sub.UserID,
			Tier:      domain.TierFree,
			Status:    domain.StatusFree,
			Entitled:  false,
			ChangedAt: now.UTC(),
		})
		s.logger.Info("downgraded lapsed subscription",
			slog.String("user_id", sub.UserID.String()),
			slog.String("prior_status", string(priorStatus)),
		)
	}
	return downgraded, nil
}

func currencyOrDefault(currency string) string {
	if currency == "" {
		return "usd"
	}
	return currency
}
