// Package sweeper drives the periodic downgrade of lapsed subscriptions:
// canceled periods that ran out and grace windows that expired.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/billfold/billfold/internal/service"
)

// batchSize bounds one sweep pass. Rows left over are picked up on the next
// tick.
const batchSize = 500

type Sweeper struct {
	subscriptions service.SubscriptionService
	logger        *slog.Logger
	interval      time.Duration

	now func() time.Time
}

func New(subscriptions service.SubscriptionService, logger *slog.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{
		subscriptions: subscriptions,
		logger:        logger,
		interval:      interval,
		now:           time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started", slog.Duration("interval", s.interval))
	s.SweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single downgrade pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	downgraded, err := s.subscriptions.ExpireLapsed(ctx, s.now().UTC(), batchSize)
	if err != nil {
		s.logger.Error("sweep pass failed", slog.String("error", err.Error()))
		return
	}
	if downgraded > 0 {
		s.logger.Info("sweep pass complete", slog.Int("downgraded", downgraded))
	}
}
