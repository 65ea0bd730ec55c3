package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const insertIapTransaction = `
INSERT INTO iap_transactions (original_transaction_id, transaction_id, user_id)
VALUES ($1, $2, $3)
ON CONFLICT (original_transaction_id, transaction_id) DO NOTHING
`

type InsertIapTransactionParams struct {
	OriginalTransactionID string
	TransactionID         string
	UserID                pgtype.UUID
}

func (q *Queries) InsertIapTransaction(ctx context.Context, arg InsertIapTransactionParams) error {
	_, err := q.db.Exec(ctx, insertIapTransaction,
		arg.OriginalTransactionID,
		arg.TransactionID,
		arg.UserID,
	)
	return err
}

const getIapUserByOriginalTransaction = `
SELECT user_id
FROM iap_transactions
WHERE original_transaction_id = $1
ORDER BY created_at DESC
LIMIT 1
`

func (q *Queries) GetIapUserByOriginalTransaction(ctx context.Context, originalTransactionID string) (pgtype.UUID, error) {
	row := q.db.QueryRow(ctx, getIapUserByOriginalTransaction, originalTransactionID)
	var user_id pgtype.UUID
	err := row.Scan(&user_id)
	return user_id, err
}
