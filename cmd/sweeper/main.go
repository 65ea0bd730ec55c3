// Command sweeper runs a single downgrade pass over lapsed subscriptions and
// exits. Intended for cron or one-off operational use; the server runs the
// same pass continuously.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/billfold/billfold/internal"
	"github.com/billfold/billfold/internal/notify"
	"github.com/billfold/billfold/internal/repository"
	"github.com/billfold/billfold/internal/service"
	"github.com/billfold/billfold/internal/sweeper"
)

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	repo := repository.New(pool)

	var publisher notify.Publisher = notify.NopPublisher{}
	if cfg.Nats.URL != "" {
		natsPublisher, err := notify.NewNatsPublisher(cfg.Nats.URL, cfg.Nats.SubjectPrefix, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		publisher = natsPublisher
	}
	defer publisher.Close()

	subscriptionService := service.NewSubscriptionEngine(repo, publisher, logger, cfg.Sweep.GraceDays)
	sweeper.New(subscriptionService, logger, time.Hour).SweepOnce(ctx)
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
