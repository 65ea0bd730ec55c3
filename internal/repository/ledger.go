package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const insertLedgerEntry = `
INSERT INTO event_ledger (event_id, provider, event_kind, raw_payload)
VALUES ($1, $2, $3, $4)
ON CONFLICT (event_id) DO NOTHING
RETURNING id, event_id, provider, event_kind, raw_payload, status, failure_reason, processed_at, created_at
`

type InsertLedgerEntryParams struct {
	EventID    string
	Provider   string
	EventKind  string
	RawPayload []byte
}

// Returns pgx.ErrNoRows when the event id is already recorded: the unique
// insert doubles as the cross-process lock for duplicate delivery.
func (q *Queries) InsertLedgerEntry(ctx context.Context, arg InsertLedgerEntryParams) (EventLedger, error) {
	row := q.db.QueryRow(ctx, insertLedgerEntry,
		arg.EventID,
		arg.Provider,
		arg.EventKind,
		arg.RawPayload,
	)
	var i EventLedger
	err := row.Scan(
		&i.ID,
		&i.EventID,
		&i.Provider,
		&i.EventKind,
		&i.RawPayload,
		&i.Status,
		&i.FailureReason,
		&i.ProcessedAt,
		&i.CreatedAt,
	)
	return i, err
}

const getLedgerEntry = `
SELECT id, event_id, provider, event_kind, raw_payload, status, failure_reason, processed_at, created_at
FROM event_ledger
WHERE event_id = $1
`

func (q *Queries) GetLedgerEntry(ctx context.Context, eventID string) (EventLedger, error) {
	row := q.db.QueryRow(ctx, getLedgerEntry, eventID)
	var i EventLedger
	err := row.Scan(
		&i.ID,
		&i.EventID,
		&i.Provider,
		&i.EventKind,
		&i.RawPayload,
		&i.Status,
		&i.FailureReason,
		&i.ProcessedAt,
		&i.CreatedAt,
	)
	return i, err
}

const markLedgerProcessed = `
UPDATE event_ledger
SET status = 'processed', processed_at = now()
WHERE event_id = $1
`

func (q *Queries) MarkLedgerProcessed(ctx context.Context, eventID string) error {
	_, err := q.db.Exec(ctx, markLedgerProcessed, eventID)
	return err
}

const markLedgerFailed = `
UPDATE event_ledger
SET status = 'failed', failure_reason = $2, processed_at = now()
WHERE event_id = $1
`

type MarkLedgerFailedParams struct {
	EventID       string
	FailureReason pgtype.Text
}

func (q *Queries) MarkLedgerFailed(ctx context.Context, arg MarkLedgerFailedParams) error {
	_, err := q.db.Exec(ctx, markLedgerFailed, arg.EventID, arg.FailureReason)
	return err
}
