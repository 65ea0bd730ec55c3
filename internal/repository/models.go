package repository

import (
	"github.com/jackc/pgx/v5/pgtype"
)

type EventLedger struct {
	ID            pgtype.UUID
	EventID       string
	Provider      string
	EventKind     string
	RawPayload    []byte
	Status        string
	FailureReason pgtype.Text
	ProcessedAt   pgtype.Timestamptz
	CreatedAt     pgtype.Timestamptz
}

type IapTransaction struct {
	ID                    pgtype.UUID
	OriginalTransactionID string
	TransactionID         string
	UserID                pgtype.UUID
	CreatedAt             pgtype.Timestamptz
}

type PaymentHistory struct {
	ID              pgtype.UUID
	RecurringItemID pgtype.UUID
	DueDate         pgtype.Date
	PaymentDate     pgtype.Date
	Status          string
	AmountCents     int64
	Notes           pgtype.Text
	CreatedAt       pgtype.Timestamptz
}

type PaymentTransaction struct {
	ID               pgtype.UUID
	SubscriptionID   pgtype.UUID
	Provider         string
	ProviderChargeID string
	AmountCents      int64
	Currency         string
	Status           string
	CreatedAt        pgtype.Timestamptz
	UpdatedAt        pgtype.Timestamptz
}

type RecurringItem struct {
	ID             pgtype.UUID
	UserID         pgtype.UUID
	Name           string
	CostCents      int64
	Currency       string
	RepeatInterval string
	RenewalDate    pgtype.Date
	Status         string
	CreatedAt      pgtype.Timestamptz
	UpdatedAt      pgtype.Timestamptz
}

type RefundRequest struct {
	ID                   pgtype.UUID
	SubscriptionID       pgtype.UUID
	PaymentTransactionID pgtype.UUID
	AmountCents          int64
	Currency             string
	Reason               string
	Status               string
	ProviderRefundID     string
	CreatedAt            pgtype.Timestamptz
	UpdatedAt            pgtype.Timestamptz
}

type UserSubscription struct {
	ID                     pgtype.UUID
	UserID                 pgtype.UUID
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
	Version                int32
	CreatedAt              pgtype.Timestamptz
	UpdatedAt              pgtype.Timestamptz
}
