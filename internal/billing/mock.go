package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MockProvider is a mock billing provider for testing.
// Simulates refund and cancellation flows without calling a real API.
type MockProvider struct {
	// RefundPaymentFunc allows customizing refund behavior
	RefundPaymentFunc func(ctx context.Context, params RefundParams) (*Refund, error)

	// CancelSubscriptionFunc allows customizing cancellation behavior
	CancelSubscriptionFunc func(ctx context.Context, params CancelSubscriptionParams) error

	// Refunds stores issued refunds keyed by idempotency key
	Refunds map[string]*Refund

	// CallLog tracks method calls for test assertions
	CallLog []string
}

// NewMockProvider creates a new mock billing provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Refunds: make(map[string]*Refund),
		CallLog: []string{},
	}
}

// SupportsRefunds reports refund capability; the mock supports refunds.
func (m *MockProvider) SupportsRefunds() bool { return true }

// RefundPayment issues a mock refund. Repeat calls with the same idempotency
// key return the original refund, matching real provider behavior.
func (m *MockProvider) RefundPayment(ctx context.Context, params RefundParams) (*Refund, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("RefundPayment(%s, %d)", params.ChargeID, params.AmountCents))

	if m.RefundPaymentFunc != nil {
		return m.RefundPaymentFunc(ctx, params)
	}

	if params.IdempotencyKey != "" {
		if prior, exists := m.Refunds[params.IdempotencyKey]; exists {
			return prior, nil
		}
	}

	r := &Refund{
		ID:          "re_" + uuid.New().String()[:8],
		ChargeID:    params.ChargeID,
		AmountCents: params.AmountCents,
		Status:      "succeeded",
		CreatedAt:   time.Now(),
	}
	if params.IdempotencyKey != "" {
		m.Refunds[params.IdempotencyKey] = r
	}
	return r, nil
}

// CancelSubscription cancels a mock subscription.
func (m *MockProvider) CancelSubscription(ctx context.Context, params CancelSubscriptionParams) error {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CancelSubscription(%s)", params.SubscriptionID))

	if m.CancelSubscriptionFunc != nil {
		return m.CancelSubscriptionFunc(ctx, params)
	}
	return nil
}
