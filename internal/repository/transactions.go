package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const createPaymentTransaction = `
INSERT INTO payment_transactions (subscription_id, provider, provider_charge_id, amount_cents, currency, status)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (provider_charge_id) DO UPDATE SET updated_at = now()
RETURNING id, subscription_id, provider, provider_charge_id, amount_cents, currency, status, created_at, updated_at
`

type CreatePaymentTransactionParams struct {
	SubscriptionID   pgtype.UUID
	Provider         string
	ProviderChargeID string
	AmountCents      int64
	Currency         string
	Status           string
}

func (q *Queries) CreatePaymentTransaction(ctx context.Context, arg CreatePaymentTransactionParams) (PaymentTransaction, error) {
	row := q.db.QueryRow(ctx, createPaymentTransaction,
		arg.SubscriptionID,
		arg.Provider,
		arg.ProviderChargeID,
		arg.AmountCents,
		arg.Currency,
		arg.Status,
	)
	var i PaymentTransaction
	err := row.Scan(
		&i.ID,
		&i.SubscriptionID,
		&i.Provider,
		&i.ProviderChargeID,
		&i.AmountCents,
		&i.Currency,
		&i.Status,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getPaymentTransaction = `
SELECT id, subscription_id, provider, provider_charge_id, amount_cents, currency, status, created_at, updated_at
FROM payment_transactions
WHERE id = $1
`

func (q *Queries) GetPaymentTransaction(ctx context.Context, id pgtype.UUID) (PaymentTransaction, error) {
	row := q.db.QueryRow(ctx, getPaymentTransaction, id)
	var i PaymentTransaction
	err := row.Scan(
		&i.ID,
		&i.SubscriptionID,
		&i.Provider,
		&i.ProviderChargeID,
		&i.AmountCents,
		&i.Currency,
		&i.Status,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getPaymentTransactionByChargeID = `
SELECT id, subscription_id, provider, provider_charge_id, amount_cents, currency, status, created_at, updated_at
FROM payment_transactions
WHERE provider_charge_id = $1
`

func (q *Queries) GetPaymentTransactionByChargeID(ctx context.Context, providerChargeID string) (PaymentTransaction, error) {
	row := q.db.QueryRow(ctx, getPaymentTransactionByChargeID, providerChargeID)
	var i PaymentTransaction
	err := row.Scan(
		&i.ID,
		&i.SubscriptionID,
		&i.Provider,
		&i.ProviderChargeID,
		&i.AmountCents,
		&i.Currency,
		&i.Status,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getLatestSucceededTransaction = `
SELECT id, subscription_id, provider, provider_charge_id, amount_cents, currency, status, created_at, updated_at
FROM payment_transactions
WHERE subscription_id = $1 AND status = 'succeeded'
ORDER BY created_at DESC
LIMIT 1
`

func (q *Queries) GetLatestSucceededTransaction(ctx context.Context, subscriptionID pgtype.UUID) (PaymentTransaction, error) {
	row := q.db.QueryRow(ctx, getLatestSucceededTransaction, subscriptionID)
	var i PaymentTransaction
	err := row.Scan(
		&i.ID,
		&i.SubscriptionID,
		&i.Provider,
		&i.ProviderChargeID,
		&i.AmountCents,
		&i.Currency,
		&i.Status,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const markTransactionRefunded = `
UPDATE payment_transactions
SET status = 'refunded', updated_at = now()
WHERE id = $1 AND status = 'succeeded'
`

func (q *Queries) MarkTransactionRefunded(ctx context.Context, id pgtype.UUID) error {
	_, err := q.db.Exec(ctx, markTransactionRefunded, id)
	return err
}

const markTransactionRefundedByChargeID = `
UPDATE payment_transactions
SET status = 'refunded', updated_at = now()
WHERE provider_charge_id = $1 AND status = 'succeeded'
`

func (q *Queries) MarkTransactionRefundedByChargeID(ctx context.Context, providerChargeID string) error {
	_, err := q.db.Exec(ctx, markTransactionRefundedByChargeID, providerChargeID)
	return err
}
