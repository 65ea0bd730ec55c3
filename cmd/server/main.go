package main

import (
	"context"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/billfold/billfold/internal"
	"github.com/billfold/billfold/internal/adapter"
	"github.com/billfold/billfold/internal/billing"
	"github.com/billfold/billfold/internal/domain"
	"github.com/billfold/billfold/internal/ledger"
	"github.com/billfold/billfold/internal/notify"
	"github.com/billfold/billfold/internal/repository"
	"github.com/billfold/billfold/internal/routes"
	"github.com/billfold/billfold/internal/service"
	"github.com/billfold/billfold/internal/sweeper"
	"github.com/billfold/billfold/internal/telemetry"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Register business metrics before anything can emit them
	telemetry.InitBusinessMetrics("billfold")

	// Initialize database/sql connection for migrations
	logger.Info("Connecting to database...")
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	// Verify database connection
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("Database connection established")

	// Run migrations
	logger.Info("Running database migrations...")
	if err := internal.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database migrations completed successfully")

	// Initialize pgx connection pool for application
	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	// Initialize repository
	repo := repository.NewStore(pool)

	// Entitlement change notifications (optional)
	var publisher notify.Publisher = notify.NopPublisher{}
	if cfg.Nats.URL != "" {
		natsPublisher, err := notify.NewNatsPublisher(cfg.Nats.URL, cfg.Nats.SubjectPrefix, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		publisher = natsPublisher
		logger.Info("NATS publisher initialized", "url", cfg.Nats.URL)
	} else {
		logger.Info("NATS not configured, entitlement notifications disabled")
	}
	defer publisher.Close()

	// Initialize outbound billing providers. The App Store provider only
	// reports that server-side refunds are unsupported.
	billingProviders := map[domain.PaymentProvider]billing.Provider{
		domain.ProviderCard:      billing.NewStripeProvider(cfg.Stripe.SecretKey),
		domain.ProviderMobileIAP: billing.NewAppStoreProvider(),
	}
	logger.Info("Billing providers initialized")

	// App Store signature verification roots
	roots, err := loadAppleRoots(cfg.AppStore.RootCAFile)
	if err != nil {
		return fmt.Errorf("failed to load App Store root certificates: %w", err)
	}
	if roots == nil {
		logger.Warn("App Store chain verification disabled, no root CA file configured")
	}

	// Webhook adapters
	stripeAdapter := adapter.NewStripeAdapter(cfg.Stripe.WebhookSecret, repo, logger)
	appStoreAdapter := adapter.NewAppStoreAdapter(cfg.AppStore.BundleID, cfg.AppStore.Environment, roots, repo, logger)

	// Event ledger
	eventLedger := ledger.New(repo, logger)

	// Initialize services
	subscriptionService := service.NewSubscriptionEngine(repo, publisher, logger, cfg.Sweep.GraceDays)
	renewalService := service.NewRenewalEngine(repo, subscriptionService, logger, cfg.Limits.FreeItemLimit)
	refundService := service.NewRefundEngine(repo, billingProviders, publisher, logger)
	logger.Info("Billing services initialized")

	// Background sweep of lapsed subscriptions
	sweep := sweeper.New(subscriptionService, logger, time.Duration(cfg.Sweep.IntervalSeconds)*time.Second)
	go sweep.Run(ctx)

	// Create router and register routes
	r := routes.New(routes.Deps{
		Logger:          logger,
		Subscriptions:   subscriptionService,
		Renewals:        renewalService,
		Refunds:         refundService,
		Ledger:          eventLedger,
		StripeAdapter:   stripeAdapter,
		AppStoreAdapter: appStoreAdapter,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}

// loadAppleRoots reads the Apple root certificate pool used to verify signed
// App Store payloads. Returns nil when no file is configured, which disables
// chain verification (development only; production config requires the file).
func loadAppleRoots(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
