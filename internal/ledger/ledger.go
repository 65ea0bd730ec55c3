// Package ledger implements the append-only idempotency ledger for inbound
// billing events. The UNIQUE constraint on event_id doubles as a
// cross-process lock: the first arrival of an event id wins the right to
// process it, and every later arrival observes the winner's outcome instead
// of re-running side effects.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/billfold/billfold/internal/domain"
	"github.com/billfold/billfold/internal/repository"
)

const (
	// pollInterval is how often a duplicate arrival re-checks the winner's
	// ledger entry while it is still pending.
	pollInterval = 250 * time.Millisecond

	// pollTimeout caps how long a duplicate arrival waits for the winner
	// before giving up and reporting the entry as still pending.
	pollTimeout = 5 * time.Second
)

// Outcome is what a caller learns about an event id.
type Outcome struct {
	// Fresh is true when this call inserted the entry and the caller now
	// owns processing the event.
	Fresh bool

	// Status is the ledger status observed for duplicate arrivals
	// (processed, failed, or pending if the winner never finished in time).
	Status domain.LedgerStatus

	// FailureReason is set when Status is failed.
	FailureReason string

	// PendingSince is the entry's creation time when Status is pending. The
	// caller uses it to decide whether the original claimant crashed and
	// the event should be taken over.
	PendingSince time.Time
}

// Ledger records and resolves event ids against the event_ledger table.
type Ledger struct {
	repo   repository.Querier
	logger *slog.Logger

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func New(repo repository.Querier, logger *slog.Logger) *Ledger {
	return &Ledger{
		repo:   repo,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RecordIfNew attempts to claim the event id. On first arrival it inserts a
// pending entry and returns Fresh=true. On a duplicate it waits for the
// original processor's outcome and returns it.
func (l *Ledger) RecordIfNew(ctx context.Context, ev *domain.BillingEvent) (Outcome, error) {
	_, err := l.repo.InsertLedgerEntry(ctx, repository.InsertLedgerEntryParams{
		EventID:    ev.ProviderEventID,
		Provider:   string(ev.Provider),
		EventKind:  string(ev.Kind),
		RawPayload: ev.RawPayload,
	})
	if err == nil {
		return Outcome{Fresh: true, Status: domain.LedgerPending}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Outcome{}, domain.WrapError(err, domain.EINTERNAL, "ledger.record", "failed to insert ledger entry")
	}

	// Duplicate delivery: the winner is (or was) processing this event.
	l.logger.Info("duplicate event delivery",
		slog.String("event_id", ev.ProviderEventID),
		slog.String("provider", string(ev.Provider)),
	)
	return l.awaitOutcome(ctx, ev.ProviderEventID)
}

// awaitOutcome polls the winner's entry until it leaves pending or the wait
// budget runs out. An entry still pending after the wait means the winner is
// slow or crashed; the caller decides between retry-later and takeover based
// on PendingSince.
func (l *Ledger) awaitOutcome(ctx context.Context, eventID string) (Outcome, error) {
	deadline := l.now().Add(pollTimeout)
	for {
		entry, err := l.repo.GetLedgerEntry(ctx, eventID)
		if err != nil {
			return Outcome{}, domain.WrapError(err, domain.EINTERNAL, "ledger.await", "failed to read ledger entry")
		}
		status := domain.LedgerStatus(entry.Status)
		if status != domain.LedgerPending {
			out := Outcome{Status: status}
			if entry.FailureReason.Valid {
				out.FailureReason = entry.FailureReason.String
			}
			return out, nil
		}
		if !l.now().Before(deadline) {
			l.logger.Warn("ledger entry still pending after wait",
				slog.String("event_id", eventID),
			)
			return Outcome{Status: domain.LedgerPending, PendingSince: entry.CreatedAt.Time}, nil
		}
		if err := l.sleep(ctx, pollInterval); err != nil {
			return Outcome{}, domain.WrapError(err, domain.EINTERNAL, "ledger.await", "wait canceled")
		}
	}
}

// MarkProcessed finalizes the entry after side effects committed.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID string) error {
	if err := l.repo.MarkLedgerProcessed(ctx, eventID); err != nil {
		return domain.WrapError(err, domain.EINTERNAL, "ledger.processed", "failed to mark ledger entry processed")
	}
	return nil
}

// MarkFailed finalizes the entry with a terminal failure reason. Failed is a
// terminal state: redelivery of the same event id reports the stored failure
// instead of retrying.
func (l *Ledger) MarkFailed(ctx context.Context, eventID, reason string) error {
	err := l.repo.MarkLedgerFailed(ctx, repository.MarkLedgerFailedParams{
		EventID:       eventID,
		FailureReason: pgtype.Text{String: reason, Valid: true},
	})
	if err != nil {
		return domain.WrapError(err, domain.EINTERNAL, "ledger.failed", "failed to mark ledger entry failed")
	}
	return nil
}
