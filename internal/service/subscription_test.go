package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billfold/billfold/internal/domain"
	"github.com/billfold/billfold/internal/repository"
)

const testGraceDays = 16

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSubscriptionEngine(repo *fakeRepo, publisher *capturePublisher) *SubscriptionEngine {
	return NewSubscriptionEngine(repo, publisher, testLogger(), testGraceDays)
}

func cardEvent(kind domain.EventKind, userID uuid.UUID, eventID string, occurred time.Time) *domain.BillingEvent {
	periodEnd := occurred.AddDate(0, 1, 0)
	return &domain.BillingEvent{
		ProviderEventID:        "stripe:" + eventID,
		Provider:               domain.ProviderCard,
		Kind:                   kind,
		UserID:                 userID,
		AmountCents:            999,
		Currency:               "usd",
		ChargeID:               "pi_" + eventID,
		PeriodStart:            &occurred,
		PeriodEnd:              &periodEnd,
		BillingCycle:           "monthly",
		ProviderCustomerID:     "cus_123",
		ProviderSubscriptionID: "sub_123",
		OccurredAt:             occurred,
	}
}

func iapEvent(kind domain.EventKind, userID uuid.UUID, eventID string, occurred time.Time) *domain.BillingEvent {
	return &domain.BillingEvent{
		ProviderEventID:       "appstore:" + eventID,
		Provider:              domain.ProviderMobileIAP,
		Kind:                  kind,
		UserID:                userID,
		AmountCents:           999,
		Currency:              "usd",
		ChargeID:              "txn_" + eventID,
		BillingCycle:          "monthly",
		OriginalTransactionID: "orig_1",
		OccurredAt:            occurred,
	}
}

func TestApplyEventCreatedActivatesPremium(t *testing.T) {
	repo := newFakeRepo()
	publisher := &capturePublisher{}
	engine := newSubscriptionEngine(repo, publisher)
	userID := uuid.New()
	now := time.Now().UTC()

	require.NoError(t, engine.ApplyEvent(context.Background(), cardEvent(domain.EventCreated, userID, "evt_1", now)))

	row, err := repo.GetUserSubscription(context.Background(), repository.UUID(userID))
	require.NoError(t, err)
	sub := mapRepoSubscriptionToDomain(row)
	assert.Equal(t, domain.TierPremium, sub.Tier)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.Equal(t, domain.ProviderCard, sub.Provider)
	assert.Equal(t, "monthly", sub.BillingCycle)
	assert.Equal(t, "cus_123", sub.ProviderCustomerID)
	assert.Equal(t, "sub_123", sub.ProviderSubscriptionID)
	assert.Equal(t, int32(2), sub.Version)

	txn, err := repo.GetPaymentTransactionByChargeID(context.Background(), "pi_evt_1")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", txn.Status)
	assert.Equal(t, int64(999), txn.AmountCents)

	change, ok := publisher.last()
	require.True(t, ok)
	assert.True(t, change.Entitled)
	assert.Equal(t, domain.TierPremium, change.Tier)
}

func TestRefundWinsRegardlessOfArrivalOrder(t *testing.T) {
	repo := newFakeRepo()
	engine := newSubscriptionEngine(repo, &capturePublisher{})
	userID := uuid.New()
	ctx := context.Background()
	t0 := time.Now().UTC()

	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventCreated, userID, "evt_1", t0)))
	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventRefunded, userID, "evt_2", t0.Add(time.Hour))))

	// A renewal that happened before the refund arrives late: it must not
	// resurrect the subscription.
	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventRenewed, userID, "evt_3", t0.Add(30*time.Minute))))
	row, err := repo.GetUserSubscription(ctx, repository.UUID(userID))
	require.NoError(t, err)
	assert.Equal(t, "free", row.Tier)
	assert.Equal(t, "free", row.Status)

	// A genuinely new purchase after the refund activates again.
	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventCreated, userID, "evt_4", t0.Add(2*time.Hour))))
	row, err = repo.GetUserSubscription(ctx, repository.UUID(userID))
	require.NoError(t, err)
	assert.Equal(t, "premium", row.Tier)
}

func TestApplyEventRetriesOnVersionConflict(t *testing.T) {
	repo := newFakeRepo()
	engine := newSubscriptionEngine(repo, &capturePublisher{})
	userID := uuid.New()
	ctx := context.Background()

	repo.injectConflicts = 1
	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventCreated, userID, "evt_1", time.Now().UTC())))

	row, err := repo.GetUserSubscription(ctx, repository.UUID(userID))
	require.NoError(t, err)
	assert.Equal(t, "premium", row.Tier)
}

func TestApplyEventGivesUpAfterRepeatedConflicts(t *testing.T) {
	repo := newFakeRepo()
	engine := newSubscriptionEngine(repo, &capturePublisher{})
	userID := uuid.New()

	repo.injectConflicts = maxUpdateRetries
	err := engine.ApplyEvent(context.Background(), cardEvent(domain.EventCreated, userID, "evt_1", time.Now().UTC()))
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestProviderExclusivity(t *testing.T) {
	repo := newFakeRepo()
	engine := newSubscriptionEngine(repo, &capturePublisher{})
	userID := uuid.New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventCreated, userID, "evt_1", now)))

	err := engine.ApplyEvent(ctx, iapEvent(domain.EventCreated, userID, "n_1", now.Add(time.Minute)))
	assert.ErrorIs(t, err, ErrProviderMismatch)

	// Once lapsed back to free, the other provider may claim the user.
	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventExpired, userID, "evt_2", now.Add(2*time.Minute))))
	require.NoError(t, engine.ApplyEvent(ctx, iapEvent(domain.EventCreated, userID, "n_2", now.Add(3*time.Minute))))

	row, err := repo.GetUserSubscription(ctx, repository.UUID(userID))
	require.NoError(t, err)
	assert.Equal(t, "mobile_iap", row.Provider)
}

func TestPaymentFailureOpensGracePeriod(t *testing.T) {
	repo := newFakeRepo()
	engine := newSubscriptionEngine(repo, &capturePublisher{})
	userID := uuid.New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventCreated, userID, "evt_1", now)))
	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventFailed, userID, "evt_2", now.Add(time.Hour))))

	row, err := repo.GetUserSubscription(ctx, repository.UUID(userID))
	require.NoError(t, err)
	sub := mapRepoSubscriptionToDomain(row)
	assert.Equal(t, domain.StatusGracePeriod, sub.Status)
	assert.Equal(t, domain.TierPremium, sub.Tier)
	assert.True(t, sub.Status.Entitled())
	require.NotNil(t, sub.GraceExpiresAt)
	assert.WithinDuration(t, now.Add(time.Hour).AddDate(0, 0, testGraceDays), *sub.GraceExpiresAt, time.Second)
}

func TestPaymentFailureForFreeUserIsNoop(t *testing.T) {
	repo := newFakeRepo()
	publisher := &capturePublisher{}
	engine := newSubscriptionEngine(repo, publisher)
	userID := uuid.New()

	require.NoError(t, engine.ApplyEvent(context.Background(), cardEvent(domain.EventFailed, userID, "evt_1", time.Now().UTC())))

	row, err := repo.GetUserSubscription(context.Background(), repository.UUID(userID))
	require.NoError(t, err)
	assert.Equal(t, "free", row.Status)
	_, notified := publisher.last()
	assert.False(t, notified)
}

func TestCanceledRetainsEntitlementUntilPeriodEnd(t *testing.T) {
	repo := newFakeRepo()
	publisher := &capturePublisher{}
	engine := newSubscriptionEngine(repo, publisher)
	userID := uuid.New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventCreated, userID, "evt_1", now)))
	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventCanceled, userID, "evt_2", now.Add(time.Hour))))

	row, err := repo.GetUserSubscription(ctx, repository.UUID(userID))
	require.NoError(t, err)
	sub := mapRepoSubscriptionToDomain(row)
	assert.Equal(t, domain.StatusCanceled, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.NotNil(t, sub.CanceledAt)
	assert.True(t, sub.Status.Entitled())

	// Entitlement did not flip, so only the activation was published.
	assert.Len(t, publisher.changes, 1)
}

func TestAutoRenewReEnabledClearsCancellation(t *testing.T) {
	repo := newFakeRepo()
	engine := newSubscriptionEngine(repo, &capturePublisher{})
	userID := uuid.New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventCreated, userID, "evt_1", now)))
	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventCanceled, userID, "evt_2", now.Add(time.Hour))))

	enabled := true
	ev := cardEvent(domain.EventAutoRenewChange, userID, "evt_3", now.Add(2*time.Hour))
	ev.AutoRenewEnabled = &enabled
	require.NoError(t, engine.ApplyEvent(ctx, ev))

	row, err := repo.GetUserSubscription(ctx, repository.UUID(userID))
	require.NoError(t, err)
	assert.Equal(t, "active", row.Status)
	assert.False(t, row.CancelAtPeriodEnd)
	assert.False(t, row.CanceledAt.Valid)
}

func TestExpiredDowngradesButKeepsLinkage(t *testing.T) {
	repo := newFakeRepo()
	publisher := &capturePublisher{}
	engine := newSubscriptionEngine(repo, publisher)
	userID := uuid.New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventCreated, userID, "evt_1", now)))
	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventExpired, userID, "evt_2", now.Add(time.Hour))))

	row, err := repo.GetUserSubscription(ctx, repository.UUID(userID))
	require.NoError(t, err)
	assert.Equal(t, "free", row.Tier)
	assert.Equal(t, "free", row.Status)
	assert.Equal(t, "", row.Provider)
	// Historical references survive the downgrade for audit and IAP user
	// resolution.
	assert.Equal(t, "cus_123", row.ProviderCustomerID)
	assert.Equal(t, "sub_123", row.ProviderSubscriptionID)

	change, ok := publisher.last()
	require.True(t, ok)
	assert.False(t, change.Entitled)
}

func TestDuplicateChargeDoesNotDoubleRecord(t *testing.T) {
	repo := newFakeRepo()
	engine := newSubscriptionEngine(repo, &capturePublisher{})
	userID := uuid.New()
	ctx := context.Background()
	now := time.Now().UTC()

	// Two distinct events carrying the same charge id (e.g. invoice paid
	// redelivered under a new event id after a stale claim takeover).
	ev1 := cardEvent(domain.EventCreated, userID, "evt_1", now)
	ev2 := cardEvent(domain.EventRenewed, userID, "evt_2", now.Add(time.Minute))
	ev2.ChargeID = ev1.ChargeID
	require.NoError(t, engine.ApplyEvent(ctx, ev1))
	require.NoError(t, engine.ApplyEvent(ctx, ev2))

	count := 0
	for _, txn := range repo.txns {
		if txn.ProviderChargeID == ev1.ChargeID {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestGetStatusWithoutRowIsFree(t *testing.T) {
	engine := newSubscriptionEngine(newFakeRepo(), &capturePublisher{})

	view, err := engine.GetStatus(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree, view.Tier)
	assert.Equal(t, domain.StatusFree, view.Status)
}

func TestExpireLapsed(t *testing.T) {
	repo := newFakeRepo()
	publisher := &capturePublisher{}
	engine := newSubscriptionEngine(repo, publisher)
	ctx := context.Background()
	now := time.Now().UTC()

	// Canceled a month ago: period end is already behind us.
	canceledUser := uuid.New()
	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventCreated, canceledUser, "evt_1", now.AddDate(0, -1, -1))))
	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventCanceled, canceledUser, "evt_2", now.AddDate(0, -1, 0))))

	// Payment failed long enough ago that the grace window lapsed.
	graceUser := uuid.New()
	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventCreated, graceUser, "evt_3", now.AddDate(0, -2, 0))))
	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventFailed, graceUser, "evt_4", now.AddDate(0, 0, -(testGraceDays+1)))))

	// Healthy subscriber must be left alone.
	activeUser := uuid.New()
	require.NoError(t, engine.ApplyEvent(ctx, cardEvent(domain.EventCreated, activeUser, "evt_5", now)))

	publisher.changes = nil
	downgraded, err := engine.ExpireLapsed(ctx, now, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, downgraded)
	assert.Len(t, publisher.changes, 2)

	for _, userID := range []uuid.UUID{canceledUser, graceUser} {
		row, err := repo.GetUserSubscription(ctx, repository.UUID(userID))
		require.NoError(t, err)
		assert.Equal(t, "free", row.Tier, userID.String())
	}
	row, err := repo.GetUserSubscription(ctx, repository.UUID(activeUser))
	require.NoError(t, err)
	assert.Equal(t, "premium", row.Tier)
}
