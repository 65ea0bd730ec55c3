package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const createUserSubscription = `
INSERT INTO user_subscriptions (user_id)
VALUES ($1)
ON CONFLICT (user_id) DO UPDATE SET updated_at = user_subscriptions.updated_at
RETURNING id, user_id, tier, provider, status, billing_cycle, current_period_start, current_period_end, cancel_at_period_end, canceled_at, grace_expires_at, refunded_at, provider_customer_id, provider_subscription_id, original_transaction_id, version, created_at, updated_at
`

func (q *Queries) CreateUserSubscription(ctx context.Context, userID pgtype.UUID) (UserSubscription, error) {
	row := q.db.QueryRow(ctx, createUserSubscription, userID)
	var i UserSubscription
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Tier,
		&i.Provider,
		&i.Status,
		&i.BillingCycle,
		&i.CurrentPeriodStart,
		&i.CurrentPeriodEnd,
		&i.CancelAtPeriodEnd,
		&i.CanceledAt,
		&i.GraceExpiresAt,
		&i.RefundedAt,
		&i.ProviderCustomerID,
		&i.ProviderSubscriptionID,
		&i.OriginalTransactionID,
		&i.Version,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getUserSubscription = `
SELECT id, user_id, tier, provider, status, billing_cycle, current_period_start, current_period_end, cancel_at_period_end, canceled_at, grace_expires_at, refunded_at, provider_customer_id, provider_subscription_id, original_transaction_id, version, created_at, updated_at
FROM user_subscriptions
WHERE user_id = $1
`

func (q *Queries) GetUserSubscription(ctx context.Context, userID pgtype.UUID) (UserSubscription, error) {
	row := q.db.QueryRow(ctx, getUserSubscription, userID)
	var i UserSubscription
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Tier,
		&i.Provider,
		&i.Status,
		&i.BillingCycle,
		&i.CurrentPeriodStart,
		&i.CurrentPeriodEnd,
		&i.CancelAtPeriodEnd,
		&i.CanceledAt,
		&i.GraceExpiresAt,
		&i.RefundedAt,
		&i.ProviderCustomerID,
		&i.ProviderSubscriptionID,
		&i.OriginalTransactionID,
		&i.Version,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getUserSubscriptionByID = `
SELECT id, user_id, tier, provider, status, billing_cycle, current_period_start, current_period_end, cancel_at_period_end, canceled_at, grace_expires_at, refunded_at, provider_customer_id, provider_subscription_id, original_transaction_id, version, created_at, updated_at
FROM user_subscriptions
WHERE id = $1
`

func (q *Queries) GetUserSubscriptionByID(ctx context.Context, id pgtype.UUID) (UserSubscription, error) {
	row := q.db.QueryRow(ctx, getUserSubscriptionByID, id)
	var i UserSubscription
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Tier,
		&i.Provider,
		&i.Status,
		&i.BillingCycle,
		&i.CurrentPeriodStart,
		&i.CurrentPeriodEnd,
		&i.CancelAtPeriodEnd,
		&i.CanceledAt,
		&i.GraceExpiresAt,
		&i.RefundedAt,
		&i.ProviderCustomerID,
		&i.ProviderSubscriptionID,
		&i.OriginalTransactionID,
		&i.Version,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getUserSubscriptionByOriginalTransaction = `
SELECT id, user_id, tier, provider, status, billing_cycle, current_period_start, current_period_end, cancel_at_period_end, canceled_at, grace_expires_at, refunded_at, provider_customer_id, provider_subscription_id, original_transaction_id, version, created_at, updated_at
FROM user_subscriptions
WHERE original_transaction_id = $1
`

func (q *Queries) GetUserSubscriptionByOriginalTransaction(ctx context.Context, originalTransactionID string) (UserSubscription, error) {
	row := q.db.QueryRow(ctx, getUserSubscriptionByOriginalTransaction, originalTransactionID)
	var i UserSubscription
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Tier,
		&i.Provider,
		&i.Status,
		&i.BillingCycle,
		&i.CurrentPeriodStart,
		&i.CurrentPeriodEnd,
		&i.CancelAtPeriodEnd,
		&i.CanceledAt,
		&i.GraceExpiresAt,
		&i.RefundedAt,
		&i.ProviderCustomerID,
		&i.ProviderSubscriptionID,
		&i.OriginalTransactionID,
		&i.Version,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const updateUserSubscriptionGuarded = `
UPDATE user_subscriptions
SET tier = $3,
    provider = $4,
    status = $5,
    billing_cycle = $6,
    current_period_start = $7,
    current_period_end = $8,
    cancel_at_period_end = $9,
    canceled_at = $10,
    grace_expires_at = $11,
    refunded_at = $12,
    provider_customer_id = $13,
    provider_subscription_id = $14,
    original_transaction_id = $15,
    version = version + 1,
    updated_at = now()
WHERE id = $1 AND version = $2
RETURNING id, user_id, tier, provider, status, billing_cycle, current_period_start, current_period_end, cancel_at_period_end, canceled_at, grace_expires_at, refunded_at, provider_customer_id, provider_subscription_id, original_transaction_id, version, created_at, updated_at
`

type UpdateUserSubscriptionGuardedParams struct {
	ID                     pgtype.UUID
	Version                int32
	Tier                   string
	Provider               string
	Status                 string
	BillingCycle           string
	CurrentPeriodStart     pgtype.Timestamptz
	CurrentPeriodEnd       pgtype.Timestamptz
	CancelAtPeriodEnd      bool
	CanceledAt             pgtype.Timestamptz
	GraceExpiresAt         pgtype.Timestamptz
	RefundedAt             pgtype.Timestamptz
	ProviderCustomerID     string
	ProviderSubscriptionID string
	OriginalTransactionID  string
}

// Guarded by the version column: zero rows means a concurrent writer won and
// the caller must re-read and retry.
func (q *Queries) UpdateUserSubscriptionGuarded(ctx context.Context, arg UpdateUserSubscriptionGuardedParams) (UserSubscription, error) {
	row := q.db.QueryRow(ctx, updateUserSubscriptionGuarded,
		arg.ID,
		arg.Version,
		arg.Tier,
		arg.Provider,
		arg.Status,
		arg.BillingCycle,
		arg.CurrentPeriodStart,
		arg.CurrentPeriodEnd,
		arg.CancelAtPeriodEnd,
		arg.CanceledAt,
		arg.GraceExpiresAt,
		arg.RefundedAt,
		arg.ProviderCustomerID,
		arg.ProviderSubscriptionID,
		arg.OriginalTransactionID,
	)
	var i UserSubscription
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Tier,
		&i.Provider,
		&i.Status,
		&i.BillingCycle,
		&i.CurrentPeriodStart,
		&i.CurrentPeriodEnd,
		&i.CancelAtPeriodEnd,
		&i.CanceledAt,
		&i.GraceExpiresAt,
		&i.RefundedAt,
		&i.ProviderCustomerID,
		&i.ProviderSubscriptionID,
		&i.OriginalTransactionID,
		&i.Version,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const listLapsedSubscriptions = `
SELECT id, user_id, tier, provider, status, billing_cycle, current_period_start, current_period_end, cancel_at_period_end, canceled_at, grace_expires_at, refunded_at, provider_customer_id, provider_subscription_id, original_transaction_id, version, created_at, updated_at
FROM user_subscriptions
WHERE (status = 'canceled' AND current_period_end IS NOT NULL AND current_period_end < $1)
   OR (status IN ('grace_period', 'past_due') AND grace_expires_at IS NOT NULL AND grace_expires_at < $1)
ORDER BY updated_at
LIMIT $2
`

type ListLapsedSubscriptionsParams struct {
	Now   pgtype.Timestamptz
	Limit int32
}

func (q *Queries) ListLapsedSubscriptions(ctx context.Context, arg ListLapsedSubscriptionsParams) ([]UserSubscription, error) {
	rows, err := q.db.Query(ctx, listLapsedSubscriptions, arg.Now, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []UserSubscription
	for rows.Next() {
		var i UserSubscription
		if err := rows.Scan(
			&i.ID,
			&i.UserID,
			&i.Tier,
			&i.Provider,
			&i.Status,
			&i.BillingCycle,
			&i.CurrentPeriodStart,
			&i.CurrentPeriodEnd,
			&i.CancelAtPeriodEnd,
			&i.CanceledAt,
			&i.GraceExpiresAt,
			&i.RefundedAt,
			&i.ProviderCustomerID,
			&i.ProviderSubscriptionID,
			&i.OriginalTransactionID,
			&i.Version,
			&i.CreatedAt,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
