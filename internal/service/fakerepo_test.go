package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/billfold/billfold/internal/notify"
	"github.com/billfold/billfold/internal/repository"
)

// fakeRepo is an in-memory Querier mirroring the semantics the engines rely
// on: upsert-read subscription creation, version-guarded updates that return
// pgx.ErrNoRows on a lost race, and unique-insert conflicts surfacing as
// pgx.ErrNoRows.
type fakeRepo struct {
	mu sync.Mutex

	subs    map[uuid.UUID]*repository.UserSubscription // keyed by user id
	items   map[uuid.UUID]*repository.RecurringItem
	txns    []*repository.PaymentTransaction
	history []repository.PaymentHistory
	refunds map[uuid.UUID]*repository.RefundRequest // keyed by payment transaction id
	ledger  map[string]*repository.EventLedger
	iap     map[string]pgtype.UUID

	// injectConflicts makes the next N guarded updates lose the race: the
	// stored version bumps as if a concurrent writer committed first.
	injectConflicts int

	// failRenewalUpdates makes the next N renewal-date advances fail with an
	// infrastructure error, for exercising transaction rollback.
	failRenewalUpdates int
}

var _ repository.Store = (*fakeRepo)(nil)

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		subs:    make(map[uuid.UUID]*repository.UserSubscription),
		items:   make(map[uuid.UUID]*repository.RecurringItem),
		refunds: make(map[uuid.UUID]*repository.RefundRequest),
		ledger:  make(map[string]*repository.EventLedger),
		iap:     make(map[string]pgtype.UUID),
	}
}

// InTx mirrors the real store's transactionality: state is snapshotted up
// front and restored when fn fails, so partial writes never survive.
func (f *fakeRepo) InTx(_ context.Context, fn func(repository.Querier) error) error {
	f.mu.Lock()
	snap := f.snapshot()
	f.mu.Unlock()

	if err := fn(f); err != nil {
		f.mu.Lock()
		f.restore(snap)
		f.mu.Unlock()
		return err
	}
	return nil
}

type fakeSnapshot struct {
	subs    map[uuid.UUID]repository.UserSubscription
	items   map[uuid.UUID]repository.RecurringItem
	txns    []repository.PaymentTransaction
	history []repository.PaymentHistory
	refunds map[uuid.UUID]repository.RefundRequest
	ledger  map[string]repository.EventLedger
	iap     map[string]pgtype.UUID
}

func (f *fakeRepo) snapshot() fakeSnapshot {
	snap := fakeSnapshot{
		subs:    make(map[uuid.UUID]repository.UserSubscription, len(f.subs)),
		items:   make(map[uuid.UUID]repository.RecurringItem, len(f.items)),
		txns:    make([]repository.PaymentTransaction, 0, len(f.txns)),
		history: append([]repository.PaymentHistory(nil), f.history...),
		refunds: make(map[uuid.UUID]repository.RefundRequest, len(f.refunds)),
		ledger:  make(map[string]repository.EventLedger, len(f.ledger)),
		iap:     make(map[string]pgtype.UUID, len(f.iap)),
	}
	for k, v := range f.subs {
		snap.subs[k] = *v
	}
	for k, v := range f.items {
		snap.items[k] = *v
	}
	for _, v := range f.txns {
		snap.txns = append(snap.txns, *v)
	}
	for k, v := range f.refunds {
		snap.refunds[k] = *v
	}
	for k, v := range f.ledger {
		snap.ledger[k] = *v
	}
	for k, v := range f.iap {
		snap.iap[k] = v
	}
	return snap
}

func (f *fakeRepo) restore(snap fakeSnapshot) {
	f.subs = make(map[uuid.UUID]*repository.UserSubscription, len(snap.subs))
	for k, v := range snap.subs {
		f.subs[k] = &v
	}
	f.items = make(map[uuid.UUID]*repository.RecurringItem, len(snap.items))
	for k, v := range snap.items {
		f.items[k] = &v
	}
	f.txns = f.txns[:0]
	for _, v := range snap.txns {
		f.txns = append(f.txns, &v)
	}
	f.history = snap.history
	f.refunds = make(map[uuid.UUID]*repository.RefundRequest, len(snap.refunds))
	for k, v := range snap.refunds {
		f.refunds[k] = &v
	}
	f.ledger = make(map[string]*repository.EventLedger, len(snap.ledger))
	for k, v := range snap.ledger {
		f.ledger[k] = &v
	}
	f.iap = snap.iap
}

func (f *fakeRepo) CreateUserSubscription(_ context.Context, userID pgtype.UUID) (repository.UserSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uid := repository.FromUUID(userID)
	if sub, ok := f.subs[uid]; ok {
		return *sub, nil
	}
	now := repository.Timestamptz(time.Now())
	sub := &repository.UserSubscription{
		ID:        repository.UUID(uuid.New()),
		UserID:    userID,
		Tier:      "free",
		Status:    "free",
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.subs[uid] = sub
	return *sub, nil
}

func (f *fakeRepo) GetUserSubscription(_ context.Context, userID pgtype.UUID) (repository.UserSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[repository.FromUUID(userID)]
	if !ok {
		return repository.UserSubscription{}, pgx.ErrNoRows
	}
	return *sub, nil
}

func (f *fakeRepo) GetUserSubscriptionByID(_ context.Context, id pgtype.UUID) (repository.UserSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.ID == id {
			return *sub, nil
		}
	}
	return repository.UserSubscription{}, pgx.ErrNoRows
}

func (f *fakeRepo) GetUserSubscriptionByOriginalTransaction(_ context.Context, originalTransactionID string) (repository.UserSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.OriginalTransactionID == originalTransactionID && originalTransactionID != "" {
			return *sub, nil
		}
	}
	return repository.UserSubscription{}, pgx.ErrNoRows
}

func (f *fakeRepo) UpdateUserSubscriptionGuarded(_ context.Context, arg repository.UpdateUserSubscriptionGuardedParams) (repository.UserSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.ID != arg.ID {
			continue
		}
		if f.injectConflicts > 0 {
			f.injectConflicts--
			sub.Version++
			return repository.UserSubscription{}, pgx.ErrNoRows
		}
		if sub.Version != arg.Version {
			return repository.UserSubscription{}, pgx.ErrNoRows
		}
		sub.Tier = arg.Tier
		sub.Provider = arg.Provider
		sub.Status = arg.Status
		sub.BillingCycle = arg.BillingCycle
		sub.CurrentPeriodStart = arg.CurrentPeriodStart
		sub.CurrentPeriodEnd = arg.CurrentPeriodEnd
		sub.CancelAtPeriodEnd = arg.CancelAtPeriodEnd
		sub.CanceledAt = arg.CanceledAt
		sub.GraceExpiresAt = arg.GraceExpiresAt
		sub.RefundedAt = arg.RefundedAt
		sub.ProviderCustomerID = arg.ProviderCustomerID
		sub.ProviderSubscriptionID = arg.ProviderSubscriptionID
		sub.OriginalTransactionID = arg.OriginalTransactionID
		sub.Version++
		sub.UpdatedAt = repository.Timestamptz(time.Now())
		return *sub, nil
	}
	return repository.UserSubscription{}, pgx.ErrNoRows
}

func (f *fakeRepo) ListLapsedSubscriptions(_ context.Context, arg repository.ListLapsedSubscriptionsParams) ([]repository.UserSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := arg.Now.Time
	var out []repository.UserSubscription
	for _, sub := range f.subs {
		canceledLapsed := sub.Status == "canceled" && sub.CurrentPeriodEnd.Valid && !sub.CurrentPeriodEnd.Time.After(now)
		graceLapsed := (sub.Status == "grace_period" || sub.Status == "past_due") &&
			sub.GraceExpiresAt.Valid && !sub.GraceExpiresAt.Time.After(now)
		if canceledLapsed || graceLapsed {
			out = append(out, *sub)
		}
		if int32(len(out)) >= arg.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepo) CreatePaymentTransaction(_ context.Context, arg repository.CreatePaymentTransactionParams) (repository.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, txn := range f.txns {
		if txn.ProviderChargeID == arg.ProviderChargeID {
			return *txn, nil
		}
	}
	now := repository.Timestamptz(time.Now())
	txn := &repository.PaymentTransaction{
		ID:               repository.UUID(uuid.New()),
		SubscriptionID:   arg.SubscriptionID,
		Provider:         arg.Provider,
		ProviderChargeID: arg.ProviderChargeID,
		AmountCents:      arg.AmountCents,
		Currency:         arg.Currency,
		Status:           arg.Status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	f.txns = append(f.txns, txn)
	return *txn, nil
}

func (f *fakeRepo) GetPaymentTransaction(_ context.Context, id pgtype.UUID) (repository.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, txn := range f.txns {
		if txn.ID == id {
			return *txn, nil
		}
	}
	return repository.PaymentTransaction{}, pgx.ErrNoRows
}

func (f *fakeRepo) GetPaymentTransactionByChargeID(_ context.Context, providerChargeID string) (repository.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, txn := range f.txns {
		if txn.ProviderChargeID == providerChargeID {
			return *txn, nil
		}
	}
	return repository.PaymentTransaction{}, pgx.ErrNoRows
}

func (f *fakeRepo) GetLatestSucceededTransaction(_ context.Context, subscriptionID pgtype.UUID) (repository.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.txns) - 1; i >= 0; i-- {
		txn := f.txns[i]
		if txn.SubscriptionID == subscriptionID && txn.Status == "succeeded" {
			return *txn, nil
		}
	}
	return repository.PaymentTransaction{}, pgx.ErrNoRows
}

func (f *fakeRepo) MarkTransactionRefunded(_ context.Context, id pgtype.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, txn := range f.txns {
		if txn.ID == id && txn.Status == "succeeded" {
			txn.Status = "refunded"
		}
	}
	return nil
}

func (f *fakeRepo) MarkTransactionRefundedByChargeID(_ context.Context, providerChargeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, txn := range f.txns {
		if txn.ProviderChargeID == providerChargeID && txn.Status == "succeeded" {
			txn.Status = "refunded"
		}
	}
	return nil
}

func (f *fakeRepo) CreateRecurringItem(_ context.Context, arg repository.CreateRecurringItemParams) (repository.RecurringItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := repository.Timestamptz(time.Now())
	item := &repository.RecurringItem{
		ID:             repository.UUID(uuid.New()),
		UserID:         arg.UserID,
		Name:           arg.Name,
		CostCents:      arg.CostCents,
		Currency:       arg.Currency,
		RepeatInterval: arg.RepeatInterval,
		RenewalDate:    arg.RenewalDate,
		Status:         "active",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	f.items[repository.FromUUID(item.ID)] = item
	return *item, nil
}

func (f *fakeRepo) GetRecurringItem(_ context.Context, id pgtype.UUID) (repository.RecurringItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[repository.FromUUID(id)]
	if !ok {
		return repository.RecurringItem{}, pgx.ErrNoRows
	}
	return *item, nil
}

func (f *fakeRepo) ListPastDueItems(_ context.Context, arg repository.ListPastDueItemsParams) ([]repository.RecurringItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.RecurringItem
	for _, item := range f.items {
		if item.UserID == arg.UserID && item.Status == "active" && dateBefore(item.RenewalDate.Time, arg.Today.Time) {
			out = append(out, *item)
		}
	}
	return out, nil
}

func dateBefore(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC).Before(time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC))
}

func (f *fakeRepo) CountActiveItems(_ context.Context, userID pgtype.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, item := range f.items {
		if item.UserID == userID && item.Status == "active" {
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) UpdateRecurringItemRenewal(_ context.Context, arg repository.UpdateRecurringItemRenewalParams) (repository.RecurringItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRenewalUpdates > 0 {
		f.failRenewalUpdates--
		return repository.RecurringItem{}, errors.New("connection reset")
	}
	item, ok := f.items[repository.FromUUID(arg.ID)]
	if !ok {
		return repository.RecurringItem{}, pgx.ErrNoRows
	}
	item.RenewalDate = arg.RenewalDate
	item.UpdatedAt = repository.Timestamptz(time.Now())
	return *item, nil
}

func (f *fakeRepo) CancelRecurringItem(_ context.Context, id pgtype.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[repository.FromUUID(id)]; ok {
		item.Status = "cancelled"
	}
	return nil
}

func (f *fakeRepo) InsertPaymentHistory(_ context.Context, arg repository.InsertPaymentHistoryParams) (repository.PaymentHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := repository.PaymentHistory{
		ID:              repository.UUID(uuid.New()),
		RecurringItemID: arg.RecurringItemID,
		DueDate:         arg.DueDate,
		PaymentDate:     arg.PaymentDate,
		Status:          arg.Status,
		AmountCents:     arg.AmountCents,
		Notes:           arg.Notes,
		CreatedAt:       repository.Timestamptz(time.Now()),
	}
	f.history = append(f.history, entry)
	return entry, nil
}

func (f *fakeRepo) ListPaymentHistory(_ context.Context, recurringItemID pgtype.UUID) ([]repository.PaymentHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.PaymentHistory
	for _, entry := range f.history {
		if entry.RecurringItemID == recurringItemID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (f *fakeRepo) CreateRefundRequest(_ context.Context, arg repository.CreateRefundRequestParams) (repository.RefundRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txnID := repository.FromUUID(arg.PaymentTransactionID)
	if _, ok := f.refunds[txnID]; ok {
		return repository.RefundRequest{}, pgx.ErrNoRows
	}
	now := repository.Timestamptz(time.Now())
	req := &repository.RefundRequest{
		ID:                   repository.UUID(uuid.New()),
		SubscriptionID:       arg.SubscriptionID,
		PaymentTransactionID: arg.PaymentTransactionID,
		AmountCents:          arg.AmountCents,
		Currency:             arg.Currency,
		Reason:               arg.Reason,
		Status:               "pending",
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	f.refunds[txnID] = req
	return *req, nil
}

func (f *fakeRepo) GetRefundRequestByTransaction(_ context.Context, paymentTransactionID pgtype.UUID) (repository.RefundRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.refunds[repository.FromUUID(paymentTransactionID)]
	if !ok {
		return repository.RefundRequest{}, pgx.ErrNoRows
	}
	return *req, nil
}

func (f *fakeRepo) CompleteRefundRequest(_ context.Context, arg repository.CompleteRefundRequestParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.refunds {
		if req.ID == arg.ID {
			req.Status = "completed"
			req.ProviderRefundID = arg.ProviderRefundID
		}
	}
	return nil
}

func (f *fakeRepo) RejectRefundRequest(_ context.Context, id pgtype.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.refunds {
		if req.ID == id {
			req.Status = "rejected"
		}
	}
	return nil
}

func (f *fakeRepo) InsertLedgerEntry(_ context.Context, arg repository.InsertLedgerEntryParams) (repository.EventLedger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ledger[arg.EventID]; ok {
		return repository.EventLedger{}, pgx.ErrNoRows
	}
	entry := &repository.EventLedger{
		ID:         repository.UUID(uuid.New()),
		EventID:    arg.EventID,
		Provider:   arg.Provider,
		EventKind:  arg.EventKind,
		RawPayload: arg.RawPayload,
		Status:     "pending",
		CreatedAt:  repository.Timestamptz(time.Now()),
	}
	f.ledger[arg.EventID] = entry
	return *entry, nil
}

func (f *fakeRepo) GetLedgerEntry(_ context.Context, eventID string) (repository.EventLedger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.ledger[eventID]
	if !ok {
		return repository.EventLedger{}, pgx.ErrNoRows
	}
	return *entry, nil
}

func (f *fakeRepo) MarkLedgerProcessed(_ context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.ledger[eventID]; ok {
		entry.Status = "processed"
		entry.ProcessedAt = repository.Timestamptz(time.Now())
	}
	return nil
}

func (f *fakeRepo) MarkLedgerFailed(_ context.Context, arg repository.MarkLedgerFailedParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.ledger[arg.EventID]; ok {
		entry.Status = "failed"
		entry.FailureReason = arg.FailureReason
		entry.ProcessedAt = repository.Timestamptz(time.Now())
	}
	return nil
}

func (f *fakeRepo) InsertIapTransaction(_ context.Context, arg repository.InsertIapTransactionParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.iap[arg.OriginalTransactionID] = arg.UserID
	return nil
}

func (f *fakeRepo) GetIapUserByOriginalTransaction(_ context.Context, originalTransactionID string) (pgtype.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uid, ok := f.iap[originalTransactionID]
	if !ok {
		return pgtype.UUID{}, pgx.ErrNoRows
	}
	return uid, nil
}

// capturePublisher records entitlement changes for assertions.
type capturePublisher struct {
	mu      sync.Mutex
	changes []notify.EntitlementChange
}

func (p *capturePublisher) EntitlementChanged(change notify.EntitlementChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
}

func (p *capturePublisher) Close() {}

func (p *capturePublisher) last() (notify.EntitlementChange, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.changes) == 0 {
		return notify.EntitlementChange{}, false
	}
	return p.changes[len(p.changes)-1], true
}
