package service

import (
	"github.com/billfold/billfold/internal/domain"
	"github.com/billfold/billfold/internal/repository"
)

// mapRepoSubscriptionToDomain converts a repository UserSubscription row.
func mapRepoSubscriptionToDomain(row repository.UserSubscription) *domain.UserSubscription {
	return &domain.UserSubscription{
		ID:                     repository.FromUUID(row.ID),
		UserID:                 repository.FromUUID(row.UserID),
		Tier:                   domain.Tier(row.Tier),
		Provider:               domain.PaymentProvider(row.Provider),
		Status:                 domain.SubscriptionStatus(row.Status),
		BillingCycle:           row.BillingCycle,
		CurrentPeriodStart:     repository.FromTimestamptz(row.CurrentPeriodStart),
		CurrentPeriodEnd:       repository.FromTimestamptz(row.CurrentPeriodEnd),
		CancelAtPeriodEnd:      row.CancelAtPeriodEnd,
		CanceledAt:             repository.FromTimestamptz(row.CanceledAt),
		GraceExpiresAt:         repository.FromTimestamptz(row.GraceExpiresAt),
		RefundedAt:             repository.FromTimestamptz(row.RefundedAt),
		ProviderCustomerID:     row.ProviderCustomerID,
		ProviderSubscriptionID: row.ProviderSubscriptionID,
		OriginalTransactionID:  row.OriginalTransactionID,
		Version:                row.Version,
		CreatedAt:              row.CreatedAt.Time,
		UpdatedAt:              row.UpdatedAt.Time,
	}
}

// guardedParams builds the guarded update arguments from a mutated domain
// subscription. The version carried in the struct is the version the caller
// read; the query bumps it on success.
func guardedParams(sub *domain.UserSubscription) repository.UpdateUserSubscriptionGuardedParams {
	return repository.UpdateUserSubscriptionGuardedParams{
		ID:                     repository.UUID(sub.ID),
		Version:                sub.Version,
		Tier:                   string(sub.Tier),
		Provider:               string(sub.Provider),
		Status:                 string(sub.Status),
		BillingCycle:           sub.BillingCycle,
		CurrentPeriodStart:     repository.TimestamptzPtr(sub.CurrentPeriodStart),
		CurrentPeriodEnd:       repository.TimestamptzPtr(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		CanceledAt:             repository.TimestamptzPtr(sub.CanceledAt),
		GraceExpiresAt:         repository.TimestamptzPtr(sub.GraceExpiresAt),
		RefundedAt:             repository.TimestamptzPtr(sub.RefundedAt),
		ProviderCustomerID:     sub.ProviderCustomerID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		OriginalTransactionID:  sub.OriginalTransactionID,
	}
}

// mapRepoItemToDomain converts a repository RecurringItem row.
func mapRepoItemToDomain(row repository.RecurringItem) *domain.RecurringItem {
	return &domain.RecurringItem{
		ID:             repository.FromUUID(row.ID),
		UserID:         repository.FromUUID(row.UserID),
		Name:           row.Name,
		CostCents:      row.CostCents,
		Currency:       row.Currency,
		RepeatInterval: domain.RepeatInterval(row.RepeatInterval),
		RenewalDate:    row.RenewalDate.Time,
		Status:         domain.RecurringItemStatus(row.Status),
		CreatedAt:      row.CreatedAt.Time,
		UpdatedAt:      row.UpdatedAt.Time,
	}
}

// mapRepoHistoryToDomain converts a repository PaymentHistory row.
func mapRepoHistoryToDomain(row repository.PaymentHistory) domain.PaymentHistoryEntry {
	notes := ""
	if row.Notes.Valid {
		notes = row.Notes.String
	}
	return domain.PaymentHistoryEntry{
		ID:              repository.FromUUID(row.ID),
		RecurringItemID: repository.FromUUID(row.RecurringItemID),
		DueDate:         row.DueDate.Time,
		PaymentDate:     row.PaymentDate.Time,
		Status:          domain.HistoryStatus(row.Status),
		AmountCents:     row.AmountCents,
		Notes:           notes,
		CreatedAt:       row.CreatedAt.Time,
	}
}

// mapRepoRefundToDomain converts a repository RefundRequest row.
func mapRepoRefundToDomain(row repository.RefundRequest) *domain.RefundRequest {
	return &domain.RefundRequest{
		ID:                   repository.FromUUID(row.ID),
		SubscriptionID:       repository.FromUUID(row.SubscriptionID),
		PaymentTransactionID: repository.FromUUID(row.PaymentTransactionID),
		AmountCents:          row.AmountCents,
		Currency:             row.Currency,
		Reason:               row.Reason,
		Status:               domain.RefundRequestStatus(row.Status),
		ProviderRefundID:     row.ProviderRefundID,
		CreatedAt:            row.CreatedAt.Time,
		UpdatedAt:            row.UpdatedAt.Time,
	}
}
