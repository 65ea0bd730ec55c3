package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const createRefundRequest = `
INSERT INTO refund_requests (subscription_id, payment_transaction_id, amount_cents, currency, reason)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (payment_transaction_id) DO NOTHING
RETURNING id, subscription_id, payment_transaction_id, amount_cents, currency, reason, status, provider_refund_id, created_at, updated_at
`

type CreateRefundRequestParams struct {
	SubscriptionID       pgtype.UUID
	PaymentTransactionID pgtype.UUID
	AmountCents          int64
	Currency             string
	Reason               string
}

// Returns pgx.ErrNoRows when a request already exists for the transaction.
func (q *Queries) CreateRefundRequest(ctx context.Context, arg CreateRefundRequestParams) (RefundRequest, error) {
	row := q.db.QueryRow(ctx, createRefundRequest,
		arg.SubscriptionID,
		arg.PaymentTransactionID,
		arg.AmountCents,
		arg.Currency,
		arg.Reason,
	)
	var i RefundRequest
	err := row.Scan(
		&i.ID,
		&i.SubscriptionID,
		&i.PaymentTransactionID,
		&i.AmountCents,
		&i.Currency,
		&i.Reason,
		&i.Status,
		&i.ProviderRefundID,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getRefundRequestByTransaction = `
SELECT id, subscription_id, payment_transaction_id, amount_cents, currency, reason, status, provider_refund_id, created_at, updated_at
FROM refund_requests
WHERE payment_transaction_id = $1
`

func (q *Queries) GetRefundRequestByTransaction(ctx context.Context, paymentTransactionID pgtype.UUID) (RefundRequest, error) {
	row := q.db.QueryRow(ctx, getRefundRequestByTransaction, paymentTransactionID)
	var i RefundRequest
	err := row.Scan(
		&i.ID,
		&i.SubscriptionID,
		&i.PaymentTransactionID,
		&i.AmountCents,
		&i.Currency,
		&i.Reason,
		&i.Status,
		&i.ProviderRefundID,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const completeRefundRequest = `
UPDATE refund_requests
SET status = 'completed', provider_refund_id = $2, updated_at = now()
WHERE id = $1
`

type CompleteRefundRequestParams struct {
	ID               pgtype.UUID
	ProviderRefundID string
}

func (q *Queries) CompleteRefundRequest(ctx context.Context, arg CompleteRefundRequestParams) error {
	_, err := q.db.Exec(ctx, completeRefundRequest, arg.ID, arg.ProviderRefundID)
	return err
}

const rejectRefundRequest = `
UPDATE refund_requests
SET status = 'rejected', updated_at = now()
WHERE id = $1
`

func (q *Queries) RejectRefundRequest(ctx context.Context, id pgtype.UUID) error {
	_, err := q.db.Exec(ctx, rejectRefundRequest, id)
	return err
}
