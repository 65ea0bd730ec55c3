package domain

import (
	"time"

	"github.com/google/uuid"
)

// RepeatInterval is how often a tracked recurring item comes due.
type RepeatInterval string

const (
	RepeatWeekly       RepeatInterval = "weekly"
	RepeatBiweekly     RepeatInterval = "biweekly"
	RepeatSemimonthly  RepeatInterval = "semimonthly"
	RepeatMonthly      RepeatInterval = "monthly"
	RepeatBimonthly    RepeatInterval = "bimonthly"
	RepeatQuarterly    RepeatInterval = "quarterly"
	RepeatSemiannually RepeatInterval = "semiannually"
	RepeatYearly       RepeatInterval = "yearly"

	// RepeatNever denotes a one-time charge. Confirming or dismissing it is
	// terminal: the item is soft-cancelled so its frozen due date cannot
	// keep reappearing as past-due.
	RepeatNever RepeatInterval = "never"
)

// ValidRepeatIntervals lists all accepted interval values.
var ValidRepeatIntervals = []RepeatInterval{
	RepeatWeekly,
	RepeatBiweekly,
	RepeatSemimonthly,
	RepeatMonthly,
	RepeatBimonthly,
	RepeatQuarterly,
	RepeatSemiannually,
	RepeatYearly,
	RepeatNever,
}

// IsValidRepeatInterval checks if the given interval is valid.
func IsValidRepeatInterval(interval RepeatInterval) bool {
	for _, v := range ValidRepeatIntervals {
		if v == interval {
			return true
		}
	}
	return false
}

// NextRenewalDate advances a due date by one calendar unit of the interval.
//
// Month-and-larger intervals use calendar arithmetic via time.Time.AddDate,
// which normalizes out-of-range dates: Jan 31 + 1 month is Feb 31, which Go
// normalizes to Mar 3 (Mar 2 in leap years). That rollover behavior is pinned
// by tests; callers must not re-derive it with fixed day counts.
//
// Returns the zero time for RepeatNever: a one-time charge has no next due
// date.
func (r RepeatInterval) NextRenewalDate(due time.Time) time.Time {
	switch r {
	case RepeatWeekly:
		return due.AddDate(0, 0, 7)
	case RepeatBiweekly:
		return due.AddDate(0, 0, 14)
	case RepeatSemimonthly:
		return due.AddDate(0, 0, 15)
	case RepeatMonthly:
		return due.AddDate(0, 1, 0)
	case RepeatBimonthly:
		return due.AddDate(0, 2, 0)
	case RepeatQuarterly:
		return due.AddDate(0, 3, 0)
	case RepeatSemiannually:
		return due.AddDate(0, 6, 0)
	case RepeatYearly:
		return due.AddDate(1, 0, 0)
	}
	return time.Time{}
}

// RecurringItemStatus is the lifecycle state of a tracked recurring item.
type RecurringItemStatus string

const (
	ItemActive    RecurringItemStatus = "active"
	ItemPaused    RecurringItemStatus = "paused"
	ItemCancelled RecurringItemStatus = "cancelled"
)

// RecurringItem is a user-tracked external expense (e.g. a streaming
// subscription), unrelated to the host app's own billing. RenewalDate always
// holds the next unconfirmed due date. Items are soft-cancelled, never hard
// deleted while payment history references them.
type RecurringItem struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Name           string
	CostCents      int64
	Currency       string
	RepeatInterval RepeatInterval
	RenewalDate    time.Time
	Status         RecurringItemStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PastDue reports whether the item is due strictly before the given day.
func (i *RecurringItem) PastDue(today time.Time) bool {
	if i.Status != ItemActive {
		return false
	}
	y1, m1, d1 := i.RenewalDate.Date()
	y2, m2, d2 := today.Date()
	due := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	day := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return due.Before(day)
}

// HistoryStatus is the outcome recorded for one confirmation action.
type HistoryStatus string

const (
	HistoryPaid      HistoryStatus = "paid"
	HistorySkipped   HistoryStatus = "skipped"
	HistoryPending   HistoryStatus = "pending"
	HistoryCancelled HistoryStatus = "cancelled"
)

// PaymentHistoryEntry is the immutable record of one confirmation action on a
// recurring item. Append-only; the amount is a snapshot of the item cost at
// due time.
type PaymentHistoryEntry struct {
	ID              uuid.UUID
	RecurringItemID uuid.UUID
	DueDate         time.Time
	PaymentDate     time.Time
	Status          HistoryStatus
	AmountCents     int64
	Notes           string
	CreatedAt       time.Time
}
