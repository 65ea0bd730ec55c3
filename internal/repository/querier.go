package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

// Querier is the query surface the services and handlers depend on. Tests
// substitute in-memory implementations.
type Querier interface {
	CancelRecurringItem(ctx context.Context, id pgtype.UUID) error
	CompleteRefundRequest(ctx context.Context, arg CompleteRefundRequestParams) error
	CountActiveItems(ctx context.Context, userID pgtype.UUID) (int64, error)
	CreatePaymentTransaction(ctx context.Context, arg CreatePaymentTransactionParams) (PaymentTransaction, error)
	CreateRecurringItem(ctx context.Context, arg CreateRecurringItemParams) (RecurringItem, error)
	CreateRefundRequest(ctx context.Context, arg CreateRefundRequestParams) (RefundRequest, error)
	CreateUserSubscription(ctx context.Context, userID pgtype.UUID) (UserSubscription, error)
	GetIapUserByOriginalTransaction(ctx context.Context, originalTransactionID string) (pgtype.UUID, error)
	GetLatestSucceededTransaction(ctx context.Context, subscriptionID pgtype.UUID) (PaymentTransaction, error)
	GetLedgerEntry(ctx context.Context, eventID string) (EventLedger, error)
	GetPaymentTransaction(ctx context.Context, id pgtype.UUID) (PaymentTransaction, error)
	GetPaymentTransactionByChargeID(ctx context.Context, providerChargeID string) (PaymentTransaction, error)
	GetRecurringItem(ctx context.Context, id pgtype.UUID) (RecurringItem, error)
	GetRefundRequestByTransaction(ctx context.Context, paymentTransactionID pgtype.UUID) (RefundRequest, error)
	GetUserSubscription(ctx context.Context, userID pgtype.UUID) (UserSubscription, error)
	GetUserSubscriptionByID(ctx context.Context, id pgtype.UUID) (UserSubscription, error)
	GetUserSubscriptionByOriginalTransaction(ctx context.Context, originalTransactionID string) (UserSubscription, error)
	InsertIapTransaction(ctx context.Context, arg InsertIapTransactionParams) error
	InsertLedgerEntry(ctx context.Context, arg InsertLedgerEntryParams) (EventLedger, error)
	InsertPaymentHistory(ctx context.Context, arg InsertPaymentHistoryParams) (PaymentHistory, error)
	ListLapsedSubscriptions(ctx context.Context, arg ListLapsedSubscriptionsParams) ([]UserSubscription, error)
	ListPastDueItems(ctx context.Context, arg ListPastDueItemsParams) ([]RecurringItem, error)
	ListPaymentHistory(ctx context.Context, recurringItemID pgtype.UUID) ([]PaymentHistory, error)
	MarkLedgerFailed(ctx context.Context, arg MarkLedgerFailedParams) error
	MarkLedgerProcessed(ctx context.Context, eventID string) error
	MarkTransactionRefunded(ctx context.Context, id pgtype.UUID) error
	MarkTransactionRefundedByChargeID(ctx context.Context, providerChargeID string) error
	RejectRefundRequest(ctx context.Context, id pgtype.UUID) error
	UpdateRecurringItemRenewal(ctx context.Context, arg UpdateRecurringItemRenewalParams) (RecurringItem, error)
	UpdateUserSubscriptionGuarded(ctx context.Context, arg UpdateUserSubscriptionGuardedParams) (UserSubscription, error)
}

var _ Querier = (*Queries)(nil)
