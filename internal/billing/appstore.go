package billing

import (
	"context"
)

// AppStoreProvider implements Provider for App Store in-app purchases.
//
// The App Store never lets a server issue refunds or cancellations on the
// user's behalf; both happen through Apple's own flows and arrive back as
// server notifications. Outbound calls therefore report unsupported, and the
// engine surfaces that to the caller instead of pretending to act.
type AppStoreProvider struct{}

var _ Provider = (*AppStoreProvider)(nil)

func NewAppStoreProvider() *AppStoreProvider {
	return &AppStoreProvider{}
}

func (a *AppStoreProvider) SupportsRefunds() bool { return false }

func (a *AppStoreProvider) RefundPayment(ctx context.Context, params RefundParams) (*Refund, error) {
	return nil, ErrRefundUnsupported
}

func (a *AppStoreProvider) CancelSubscription(ctx context.Context, params CancelSubscriptionParams) error {
	return ErrRefundUnsupported
}
