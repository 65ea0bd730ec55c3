package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/billfold/billfold/internal/domain"
	"github.com/billfold/billfold/internal/repository"
	"github.com/billfold/billfold/internal/telemetry"
)

// ConfirmOutcome is the user's answer to "did you pay this?".
type ConfirmOutcome string

const (
	OutcomePaid    ConfirmOutcome = "paid"
	OutcomeSkipped ConfirmOutcome = "skipped"
)

// CreateItemParams describes a new tracked recurring item.
type CreateItemParams struct {
	UserID         uuid.UUID
	Name           string
	CostCents      int64
	Currency       string
	RepeatInterval domain.RepeatInterval
	RenewalDate    time.Time
}

// RenewalService manages the user's tracked external expenses: past-due
// detection, confirmation, and the renewal-date advance.
type RenewalService interface {
	// CreateItem adds a tracked item, enforcing the tier item limit.
	CreateItem(ctx context.Context, params CreateItemParams) (*domain.RecurringItem, error)

	// ListPastDue returns active items due strictly before today, one-time
	// items included: a frozen one-time due date stays past-due until the
	// user confirms or dismisses it.
	ListPastDue(ctx context.Context, userID uuid.UUID, today time.Time) ([]*domain.RecurringItem, error)

	// ConfirmPayment records the user's paid/skipped answer for the item's
	// current due date and advances the renewal date by one interval.
	// One-time items are terminal: confirming cancels them.
	ConfirmPayment(ctx context.Context, userID, itemID uuid.UUID, outcome ConfirmOutcome, today time.Time) (*domain.RecurringItem, error)

	// DismissOneTime removes a one-time charge without a payment record.
	// Rejected for repeating items.
	DismissOneTime(ctx context.Context, userID, itemID uuid.UUID, today time.Time) error

	// CanAdd reports whether the user may track another item under their
	// tier's limit.
	CanAdd(ctx context.Context, userID uuid.UUID) (*domain.ItemLimitView, error)

	// History lists the confirmation records for one item.
	History(ctx context.Context, userID, itemID uuid.UUID) ([]domain.PaymentHistoryEntry, error)
}

// RenewalEngine implements RenewalService on PostgreSQL.
type RenewalEngine struct {
	repo          repository.Store
	subscriptions SubscriptionService
	logger        *slog.Logger

	// freeItemLimit caps active items for free-tier users. Premium is
	// unlimited.
	freeItemLimit int
}

var _ RenewalService = (*RenewalEngine)(nil)

func NewRenewalEngine(repo repository.Store, subscriptions SubscriptionService, logger *slog.Logger, freeItemLimit int) *RenewalEngine {
	return &RenewalEngine{
		repo:          repo,
		subscriptions: subscriptions,
		logger:        logger,
		freeItemLimit: freeItemLimit,
	}
}

func (r *RenewalEngine) CreateItem(ctx context.Context, params CreateItemParams) (*domain.RecurringItem, error) {
	if params.Name == "" {
		return nil, domain.Invalid("renewal.create", "item name is required")
	}
	if params.CostCents < 0 {
		return nil, domain.Invalid("renewal.create", "item cost cannot be negative")
	}
	if !domain.IsValidRepeatInterval(params.RepeatInterval) {
		return nil, domain.Invalid("renewal.create", "unknown repeat interval")
	}
	if params.RenewalDate.IsZero() {
		return nil, domain.Invalid("renewal.create", "renewal date is required")
	}

	limit, err := r.CanAdd(ctx, params.UserID)
	if err != nil {
		return nil, err
	}
	if !limit.Allowed {
		return nil, domain.Conflict("renewal.create", "item limit reached for current tier")
	}

	row, err := r.repo.CreateRecurringItem(ctx, repository.CreateRecurringItemParams{
		UserID:         repository.UUID(params.UserID),
		Name:           params.Name,
		CostCents:      params.CostCents,
		Currency:       currencyOrDefault(params.Currency),
		RepeatInterval: string(params.RepeatInterval),
		RenewalDate:    repository.Date(params.RenewalDate),
	})
	if err != nil {
		return nil, domain.Internal(err, "renewal.create", "failed to create item")
	}
	return mapRepoItemToDomain(row), nil
}

func (r *RenewalEngine) ListPastDue(ctx context.Context, userID uuid.UUID, today time.Time) ([]*domain.RecurringItem, error) {
	rows, err := r.repo.ListPastDueItems(ctx, repository.ListPastDueItemsParams{
		UserID: repository.UUID(userID),
		Today:  repository.Date(today),
	})
	if err != nil {
		return nil, domain.Internal(err, "renewal.pastdue", "failed to list past-due items")
	}
	items := make([]*domain.RecurringItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapRepoItemToDomain(row))
	}
	return items, nil
}

func (r *RenewalEngine) ConfirmPayment(ctx context.Context, userID, itemID uuid.UUID, outcome ConfirmOutcome, today time.Time) (*domain.RecurringItem, error) {
	if outcome != OutcomePaid && outcome != OutcomeSkipped {
		return nil, domain.Invalid("renewal.confirm", "outcome must be paid or skipped")
	}

	item, err := r.ownedItem(ctx, userID, itemID, "renewal.confirm")
	if err != nil {
		return nil, err
	}
	if item.Status != domain.ItemActive {
		return nil, domain.Invalid("renewal.confirm", "item is not active")
	}

	dueDate := item.RenewalDate

	// The history insert and the item advance commit together: a partial
	// write would leave the item past due with a confirmation already on
	// record, and the user's retry would record it twice.
	err = r.repo.InTx(ctx, func(q repository.Querier) error {
		_, err := q.InsertPaymentHistory(ctx, repository.InsertPaymentHistoryParams{
			RecurringItemID: repository.UUID(item.ID),
			DueDate:         repository.Date(dueDate),
			PaymentDate:     repository.Date(today),
			Status:          string(outcomeStatus(outcome)),
			AmountCents:     item.CostCents,
		})
		if err != nil {
			return domain.Internal(err, "renewal.confirm", "failed to record payment history")
		}

		if item.RepeatInterval == domain.RepeatNever {
			// One-time charge: confirming is terminal, otherwise the frozen
			// due date reappears as past-due forever.
			if err := q.CancelRecurringItem(ctx, repository.UUID(item.ID)); err != nil {
				return domain.Internal(err, "renewal.confirm", "failed to close one-time item")
			}
			item.Status = domain.ItemCancelled
			return nil
		}

		next := item.RepeatInterval.NextRenewalDate(dueDate)
		row, err := q.UpdateRecurringItemRenewal(ctx, repository.UpdateRecurringItemRenewalParams{
			ID:          repository.UUID(item.ID),
			RenewalDate: repository.Date(next),
		})
		if err != nil {
			return domain.Internal(err, "renewal.confirm", "failed to advance renewal date")
		}
		item = mapRepoItemToDomain(row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.trackConfirm(outcome)
	return item, nil
}

func (r *RenewalEngine) DismissOneTime(ctx context.Context, userID, itemID uuid.UUID, today time.Time) error {
	item, err := r.ownedItem(ctx, userID, itemID, "renewal.dismiss")
	if err != nil {
		return err
	}
	if item.RepeatInterval != domain.RepeatNever {
		return domain.Invalid("renewal.dismiss", "only one-time charges can be dismissed")
	}
	if item.Status != domain.ItemActive {
		return domain.Invalid("renewal.dismiss", "item is not active")
	}

	err = r.repo.InTx(ctx, func(q repository.Querier) error {
		_, err := q.InsertPaymentHistory(ctx, repository.InsertPaymentHistoryParams{
			RecurringItemID: repository.UUID(item.ID),
			DueDate:         repository.Date(item.RenewalDate),
			PaymentDate:     repository.Date(today),
			Status:          string(domain.HistoryCancelled),
			AmountCents:     item.CostCents,
			Notes:           repository.Text("dismissed without payment"),
		})
		if err != nil {
			return domain.Internal(err, "renewal.dismiss", "failed to record dismissal")
		}
		if err := q.CancelRecurringItem(ctx, repository.UUID(item.ID)); err != nil {
			return domain.Internal(err, "renewal.dismiss", "failed to cancel item")
		}
		return nil
	})
	if err != nil {
		return err
	}
	if telemetry.Business != nil {
		telemetry.Business.RenewalsConfirmed.WithLabelValues("dismissed").Inc()
	}
	return nil
}

func (r *RenewalEngine) CanAdd(ctx context.Context, userID uuid.UUID) (*domain.ItemLimitView, error) {
	status, err := r.subscriptions.GetStatus(ctx, userID)
	if err != nil {
		return nil, err
	}

	count, err := r.repo.CountActiveItems(ctx, repository.UUID(userID))
	if err != nil {
		return nil, domain.Internal(err, "renewal.limit", "failed to count items")
	}

	view := &domain.ItemLimitView{
		CurrentCount: int(count),
		Tier:         status.Tier,
	}
	if status.Tier == domain.TierPremium && status.Status.Entitled() {
		view.Limit = -1
		view.Allowed = true
		return view, nil
	}
	view.Limit = r.freeItemLimit
	view.Allowed = int(count) < r.freeItemLimit
	return view, nil
}

func (r *RenewalEngine) History(ctx context.Context, userID, itemID uuid.UUID) ([]domain.PaymentHistoryEntry, error) {
	item, err := r.ownedItem(ctx, userID, itemID, "renewal.history")
	if err != nil {
		return nil, err
	}
	rows, err := r.repo.ListPaymentHistory(ctx, repository.UUID(item.ID))
	if err != nil {
		return nil, domain.Internal(err, "renewal.history", "failed to list payment history")
	}
	entries := make([]domain.PaymentHistoryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapRepoHistoryToDomain(row))
	}
	return entries, nil
}

// ownedItem loads an item and verifies it belongs to the user. A foreign
// item reads as not found, never as forbidden, to avoid leaking existence.
func (r *RenewalEngine) ownedItem(ctx context.Context, userID, itemID uuid.UUID, op string) (*domain.RecurringItem, error) {
	row, err := r.repo.GetRecurringItem(ctx, repository.UUID(itemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound(op, "recurring item", itemID.String())
		}
		return nil, domain.Internal(err, op, "failed to load item")
	}
	item := mapRepoItemToDomain(row)
	if item.UserID != userID {
		return nil, domain.NotFound(op, "recurring item", itemID.String())
	}
	return item, nil
}

func (r *RenewalEngine) trackConfirm(outcome ConfirmOutcome) {
	if telemetry.Business != nil {
		telemetry.Business.RenewalsConfirmed.WithLabelValues(string(outcome)).Inc()
	}
}

func outcomeStatus(outcome ConfirmOutcome) domain.HistoryStatus {
	if outcome == OutcomePaid {
		return domain.HistoryPaid
	}
	return domain.HistorySkipped
}
