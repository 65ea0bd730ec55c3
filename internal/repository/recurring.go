package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const createRecurringItem = `
INSERT INTO recurring_items (user_id, name, cost_cents, currency, repeat_interval, renewal_date)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, user_id, name, cost_cents, currency, repeat_interval, renewal_date, status, created_at, updated_at
`

type CreateRecurringItemParams struct {
	UserID         pgtype.UUID
	Name           string
	CostCents      int64
	Currency       string
	RepeatInterval string
	RenewalDate    pgtype.Date
}

func (q *Queries) CreateRecurringItem(ctx context.Context, arg CreateRecurringItemParams) (RecurringItem, error) {
	row := q.db.QueryRow(ctx, createRecurringItem,
		arg.UserID,
		arg.Name,
		arg.CostCents,
		arg.Currency,
		arg.RepeatInterval,
		arg.RenewalDate,
	)
	var i RecurringItem
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Name,
		&i.CostCents,
		&i.Currency,
		&i.RepeatInterval,
		&i.RenewalDate,
		&i.Status,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getRecurringItem = `
SELECT id, user_id, name, cost_cents, currency, repeat_interval, renewal_date, status, created_at, updated_at
FROM recurring_items
WHERE id = $1
`

func (q *Queries) GetRecurringItem(ctx context.Context, id pgtype.UUID) (RecurringItem, error) {
	row := q.db.QueryRow(ctx, getRecurringItem, id)
	var i RecurringItem
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Name,
		&i.CostCents,
		&i.Currency,
		&i.RepeatInterval,
		&i.RenewalDate,
		&i.Status,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const listPastDueItems = `
SELECT id, user_id, name, cost_cents, currency, repeat_interval, renewal_date, status, created_at, updated_at
FROM recurring_items
WHERE user_id = $1 AND status = 'active' AND renewal_date < $2
ORDER BY renewal_date, created_at
`

type ListPastDueItemsParams struct {
	UserID pgtype.UUID
	Today  pgtype.Date
}

func (q *Queries) ListPastDueItems(ctx context.Context, arg ListPastDueItemsParams) ([]RecurringItem, error) {
	rows, err := q.db.Query(ctx, listPastDueItems, arg.UserID, arg.Today)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []RecurringItem
	for rows.Next() {
		var i RecurringItem
		if err := rows.Scan(
			&i.ID,
			&i.UserID,
			&i.Name,
			&i.CostCents,
			&i.Currency,
			&i.RepeatInterval,
			&i.RenewalDate,
			&i.Status,
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

const countActiveItems = `
SELECT count(*)
FROM recurring_items
WHERE user_id = $1 AND status = 'active'
`

func (q *Queries) CountActiveItems(ctx context.Context, userID pgtype.UUID) (int64, error) {
	row := q.db.QueryRow(ctx, countActiveItems, userID)
	var count int64
	err := row.Scan(&count)
	return count, err
}

const updateRecurringItemRenewal = `
UPDATE recurring_items
SET renewal_date = $2, updated_at = now()
WHERE id = $1
RETURNING id, user_id, name, cost_cents, currency, repeat_interval, renewal_date, status, created_at, updated_at
`

type UpdateRecurringItemRenewalParams struct {
	ID          pgtype.UUID
	RenewalDate pgtype.Date
}

func (q *Queries) UpdateRecurringItemRenewal(ctx context.Context, arg UpdateRecurringItemRenewalParams) (RecurringItem, error) {
	row := q.db.QueryRow(ctx, updateRecurringItemRenewal, arg.ID, arg.RenewalDate)
	var i RecurringItem
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Name,
		&i.CostCents,
		&i.Currency,
		&i.RepeatInterval,
		&i.RenewalDate,
		&i.Status,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const cancelRecurringItem = `
UPDATE recurring_items
SET status = 'cancelled', updated_at = now()
WHERE id = $1
`

func (q *Queries) CancelRecurringItem(ctx context.Context, id pgtype.UUID) error {
	_, err := q.db.Exec(ctx, cancelRecurringItem, id)
	return err
}

const insertPaymentHistory = `
INSERT INTO payment_history (recurring_item_id, due_date, payment_date, status, amount_cents, notes)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, recurring_item_id, due_date, payment_date, status, amount_cents, notes, created_at
`

type InsertPaymentHistoryParams struct {
	RecurringItemID pgtype.UUID
	DueDate         pgtype.Date
	PaymentDate     pgtype.Date
	Status          string
	AmountCents     int64
	Notes           pgtype.Text
}

func (q *Queries) InsertPaymentHistory(ctx context.Context, arg InsertPaymentHistoryParams) (PaymentHistory, error) {
	row := q.db.QueryRow(ctx, insertPaymentHistory,
		arg.RecurringItemID,
		arg.DueDate,
		arg.PaymentDate,
		arg.Status,
		arg.AmountCents,
		arg.Notes,
	)
	var i PaymentHistory
	err := row.Scan(
		&i.ID,
		&i.RecurringItemID,
		&i.DueDate,
		&i.PaymentDate,
		&i.Status,
		&i.AmountCents,
		&i.Notes,
		&i.CreatedAt,
	)
	return i, err
}

const listPaymentHistory = `
SELECT id, recurring_item_id, due_date, payment_date, status, amount_cents, notes, created_at
FROM payment_history
WHERE recurring_item_id = $1
ORDER BY due_date DESC
`

func (q *Queries) ListPaymentHistory(ctx context.Context, recurringItemID pgtype.UUID) ([]PaymentHistory, error) {
	rows, err := q.db.Query(ctx, listPaymentHistory, recurringItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []PaymentHistory
	for rows.Next() {
		var i PaymentHistory
		if err := rows.Scan(
			&i.ID,
			&i.RecurringItemID,
			&i.DueDate,
			&i.PaymentDate,
			&i.Status,
			&i.AmountCents,
			&i.Notes,
			&i.CreatedAt,
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
