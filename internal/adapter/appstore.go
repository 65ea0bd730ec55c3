package adapter

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/billfold/billfold/internal/domain"
	"github.com/billfold/billfold/internal/repository"
)

// AppStoreAdapter verifies App Store Server Notifications (v2) and maps
// notification types onto the billing event taxonomy.
//
// The notification body wraps a JWS whose x5c header carries the signing
// certificate chain; authenticity comes from verifying that chain up to the
// Apple root, not from a shared-secret header.
type AppStoreAdapter struct {
	bundleID    string
	environment string

	// roots holds the Apple root certificates. Nil skips chain verification
	// (local development and tests only).
	roots *x509.CertPool

	repo   repository.Querier
	logger *slog.Logger
}

var _ Adapter = (*AppStoreAdapter)(nil)

func NewAppStoreAdapter(bundleID, environment string, roots *x509.CertPool, repo repository.Querier, logger *slog.Logger) *AppStoreAdapter {
	return &AppStoreAdapter{
		bundleID:    bundleID,
		environment: environment,
		roots:       roots,
		repo:        repo,
		logger:      logger,
	}
}

func (a *AppStoreAdapter) Provider() domain.PaymentProvider {
	return domain.ProviderMobileIAP
}

type notificationBody struct {
	SignedPayload string `json:"signedPayload"`
}

type notificationPayload struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	SignedDate       int64  `json:"signedDate"`
	Data             struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo"`
	} `json:"data"`
	jwt.RegisteredClaims
}

type transactionInfo struct {
	OriginalTransactionID string `json:"originalTransactionId"`
	TransactionID         string `json:"transactionId"`
	AppAccountToken       string `json:"appAccountToken"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"` // milliseconds
	ExpiresDate           int64  `json:"expiresDate"`  // milliseconds
	Price                 int64  `json:"price"`        // milliunits of currency
	Currency              string `json:"currency"`
	jwt.RegisteredClaims
}

type renewalInfo struct {
	OriginalTransactionID string `json:"originalTransactionId"`
	AutoRenewStatus       int    `json:"autoRenewStatus"`
	jwt.RegisteredClaims
}

// Parse verifies the signed payload and normalizes the notification.
func (a *AppStoreAdapter) Parse(ctx context.Context, payload []byte, header http.Header) (*domain.BillingEvent, error) {
	var body notificationBody
	if err := json.Unmarshal(payload, &body); err != nil || body.SignedPayload == "" {
		return nil, domain.Invalid("adapter.appstore", "malformed notification body")
	}

	var note notificationPayload
	if err := a.verifyJWS(body.SignedPayload, &note); err != nil {
		return nil, domain.Unauthorized("adapter.appstore", "invalid signed payload")
	}

	if note.Data.BundleID != a.bundleID || !strings.EqualFold(note.Data.Environment, a.environment) {
		a.logger.Warn("app store notification for wrong bundle or environment",
			slog.String("bundle_id", note.Data.BundleID),
			slog.String("environment", note.Data.Environment),
		)
		return nil, ErrIgnoreEvent
	}

	kind, ok := mapNotificationType(note.NotificationType)
	if !ok {
		a.logger.Debug("app store notification ignored",
			slog.String("type", note.NotificationType),
			slog.String("subtype", note.Subtype),
		)
		return nil, ErrIgnoreEvent
	}

	ev := &domain.BillingEvent{
		ProviderEventID: "appstore:" + note.NotificationUUID,
		Provider:        domain.ProviderMobileIAP,
		Kind:            kind,
		OccurredAt:      time.UnixMilli(note.SignedDate).UTC(),
		RawPayload:      payload,
	}

	var txn transactionInfo
	if note.Data.SignedTransactionInfo != "" {
		if err := a.verifyJWS(note.Data.SignedTransactionInfo, &txn); err != nil {
			return nil, domain.Unauthorized("adapter.appstore", "invalid transaction info")
		}
		ev.ChargeID = txn.TransactionID
		ev.OriginalTransactionID = txn.OriginalTransactionID
		ev.AmountCents = txn.Price / 10
		ev.Currency = strings.ToLower(txn.Currency)
		ev.BillingCycle = productCycle(txn.ProductID)
		if txn.PurchaseDate > 0 {
			start := time.UnixMilli(txn.PurchaseDate).UTC()
			ev.PeriodStart = &start
		}
		if txn.ExpiresDate > 0 {
			end := time.UnixMilli(txn.ExpiresDate).UTC()
			ev.PeriodEnd = &end
		}
	}

	if kind == domain.EventAutoRenewChange {
		enabled := note.Subtype == "AUTO_RENEW_ENABLED"
		if note.Data.SignedRenewalInfo != "" {
			var ren renewalInfo
			if err := a.verifyJWS(note.Data.SignedRenewalInfo, &ren); err != nil {
				return nil, domain.Unauthorized("adapter.appstore", "invalid renewal info")
			}
			enabled = ren.AutoRenewStatus == 1
			if ev.OriginalTransactionID == "" {
				ev.OriginalTransactionID = ren.OriginalTransactionID
			}
		}
		ev.AutoRenewEnabled = &enabled
	}

	if err := a.resolveUser(ctx, ev, txn.AppAccountToken); err != nil {
		return ev, err
	}

	// Audit the verified transaction so later notifications on this
	// purchase chain can resolve the user even after the profile linkage
	// moves or clears.
	if ev.OriginalTransactionID != "" && ev.ChargeID != "" {
		if err := a.repo.InsertIapTransaction(ctx, repository.InsertIapTransactionParams{
			OriginalTransactionID: ev.OriginalTransactionID,
			TransactionID:         ev.ChargeID,
			UserID:                repository.UUID(ev.UserID),
		}); err != nil {
			a.logger.Warn("failed to audit iap transaction",
				slog.String("original_transaction_id", ev.OriginalTransactionID),
				slog.String("error", err.Error()),
			)
		}
	}

	return ev, nil
}

// resolveUser maps the purchase chain onto an internal user: the app account
// token set at purchase time, then the profile linkage, then the audit table.
func (a *AppStoreAdapter) resolveUser(ctx context.Context, ev *domain.BillingEvent, appAccountToken string) error {
	if appAccountToken != "" {
		if uid, err := uuid.Parse(appAccountToken); err == nil && uid != uuid.Nil {
			ev.UserID = uid
			return nil
		}
	}

	if ev.OriginalTransactionID == "" {
		return fmt.Errorf("%w: notification carries no transaction reference", ErrUserResolution)
	}

	sub, err := a.repo.GetUserSubscriptionByOriginalTransaction(ctx, ev.OriginalTransactionID)
	if err == nil {
		ev.UserID = repository.FromUUID(sub.UserID)
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Internal(err, "adapter.appstore", "subscription lookup failed")
	}

	uid, err := a.repo.GetIapUserByOriginalTransaction(ctx, ev.OriginalTransactionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: unknown original transaction %s", ErrUserResolution, ev.OriginalTransactionID)
		}
		return domain.Internal(err, "adapter.appstore", "iap audit lookup failed")
	}
	ev.UserID = repository.FromUUID(uid)
	return nil
}

// verifyJWS parses one ES256 JWS, checking the x5c certificate chain against
// the Apple roots when configured.
func (a *AppStoreAdapter) verifyJWS(token string, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(token, claims, a.keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
	)
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return errors.New("token is invalid")
	}
	return nil
}

func (a *AppStoreAdapter) keyfunc(token *jwt.Token) (interface{}, error) {
	x5cRaw, ok := token.Header["x5c"].([]interface{})
	if !ok || len(x5cRaw) == 0 {
		return nil, errors.New("missing x5c certificate chain")
	}

	certs := make([]*x509.Certificate, 0, len(x5cRaw))
	for _, entry := range x5cRaw {
		s, ok := entry.(string)
		if !ok {
			return nil, errors.New("malformed x5c entry")
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode x5c certificate: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse x5c certificate: %w", err)
		}
		certs = append(certs, cert)
	}

	leaf := certs[0]
	if a.roots != nil {
		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		if _, err := leaf.Verify(x509.VerifyOptions{
			Roots:         a.roots,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			return nil, fmt.Errorf("verify certificate chain: %w", err)
		}
	}
	return leaf.PublicKey, nil
}

// mapNotificationType translates an App Store notification type onto the
// event taxonomy.
func mapNotificationType(notificationType string) (domain.EventKind, bool) {
	switch notificationType {
	case "SUBSCRIBED":
		return domain.EventCreated, true
	case "DID_RENEW":
		return domain.EventRenewed, true
	case "DID_FAIL_TO_RENEW":
		return domain.EventFailed, true
	case "DID_CHANGE_RENEWAL_STATUS":
		return domain.EventAutoRenewChange, true
	case "EXPIRED", "GRACE_PERIOD_EXPIRED":
		return domain.EventExpired, true
	case "REFUND", "REVOKE":
		return domain.EventRefunded, true
	}
	return "", false
}

func productCycle(productID string) string {
	lower := strings.ToLower(productID)
	switch {
	case strings.Contains(lower, "year") || strings.Contains(lower, "annual"):
		return "yearly"
	case strings.Contains(lower, "month"):
		return "monthly"
	}
	return ""
}
