package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics holds Prometheus metrics for billing-level observability.
// Webhook metrics are labeled by provider so the two ingestion paths can be
// dashboarded side by side.
type BusinessMetrics struct {
	// Webhook ingestion
	WebhookReceived   *prometheus.CounterVec
	WebhookProcessed  *prometheus.CounterVec
	WebhookFailed     *prometheus.CounterVec
	WebhookDuplicates *prometheus.CounterVec
	WebhookLatency    *prometheus.HistogramVec

	// Subscription state machine
	SubscriptionsActivated *prometheus.CounterVec
	SubscriptionsExpired   *prometheus.CounterVec
	SubscriptionsRenewed   *prometheus.CounterVec
	PaymentFailed          *prometheus.CounterVec
	VersionConflicts       *prometheus.CounterVec

	// Refunds
	RefundsIssued   *prometheus.CounterVec
	RefundsRejected *prometheus.CounterVec
	RefundAmount    *prometheus.CounterVec

	// Renewal confirmations
	RenewalsConfirmed *prometheus.CounterVec

	// Sweep
	SweepDowngrades *prometheus.CounterVec

	// Revenue
	RevenueCollected *prometheus.CounterVec
}

// NewBusinessMetrics creates and registers all business metrics
func NewBusinessMetrics(namespace string) *BusinessMetrics {
	if namespace == "" {
		namespace = "billfold"
	}

	subsystem := "billing"

	m := &BusinessMetrics{
		WebhookReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_received_total",
				Help:      "Total webhook deliveries received",
			},
			[]string{"provider", "event_kind"},
		),
		WebhookProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_processed_total",
				Help:      "Total webhook events processed successfully",
			},
			[]string{"provider", "event_kind"},
		),
		WebhookFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_failed_total",
				Help:      "Total webhook events that failed processing",
			},
			[]string{"provider", "event_kind", "failure_reason"},
		),
		WebhookDuplicates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_duplicates_total",
				Help:      "Total duplicate webhook deliveries short-circuited by the ledger",
			},
			[]string{"provider"},
		),
		WebhookLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_duration_seconds",
				Help:      "Webhook processing duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "event_kind"},
		),

		SubscriptionsActivated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_activated_total",
				Help:      "Total subscriptions activated (created events)",
			},
			[]string{"provider", "billing_cycle"},
		),
		SubscriptionsExpired: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_expired_total",
				Help:      "Total subscriptions downgraded to free",
			},
			[]string{"provider", "reason"}, // reason: expired, refunded, lapsed
		),
		SubscriptionsRenewed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_renewed_total",
				Help:      "Total successful subscription renewals",
			},
			[]string{"provider"},
		),
		PaymentFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payment_failed_total",
				Help:      "Total failed subscription payments",
			},
			[]string{"provider"},
		),
		VersionConflicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "version_conflicts_total",
				Help:      "Total optimistic concurrency conflicts on subscription updates",
			},
			[]string{"operation"},
		),

		RefundsIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "refunds_issued_total",
				Help:      "Total refunds issued",
			},
			[]string{"provider"},
		),
		RefundsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "refunds_rejected_total",
				Help:      "Total refund requests permanently refused by the provider",
			},
			[]string{"provider"},
		),
		RefundAmount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "refund_amount_cents_total",
				Help:      "Total refunded amount in cents",
			},
			[]string{"provider"},
		),

		RenewalsConfirmed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "renewals_confirmed_total",
				Help:      "Total recurring item confirmations",
			},
			[]string{"outcome"}, // outcome: paid, skipped, dismissed
		),

		SweepDowngrades: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sweep_downgrades_total",
				Help:      "Total lapsed subscriptions downgraded by the sweep",
			},
			[]string{"prior_status"},
		),

		RevenueCollected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "revenue_collected_cents_total",
				Help:      "Total subscription revenue collected in cents",
			},
			[]string{"provider", "billing_cycle"},
		),
	}

	return m
}

// Business is the global metrics instance, set once at startup. Nil checks at
// call sites keep tests free of a registry.
var Business *BusinessMetrics

// InitBusinessMetrics initializes the global business metrics.
func InitBusinessMetrics(namespace string) *BusinessMetrics {
	Business = NewBusinessMetrics(namespace)
	return Business
}
