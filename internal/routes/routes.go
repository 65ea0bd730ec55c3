// Package routes wires the HTTP surface: webhook ingestion, the JSON API,
// and the operational endpoints.
package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/billfold/billfold/internal/adapter"
	"github.com/billfold/billfold/internal/handler"
	"github.com/billfold/billfold/internal/handler/api"
	"github.com/billfold/billfold/internal/handler/webhook"
	"github.com/billfold/billfold/internal/ledger"
	"github.com/billfold/billfold/internal/router"
	"github.com/billfold/billfold/internal/service"
)

// maxWebhookBody caps webhook payload size at 1 MiB, matching what the
// providers actually send with generous headroom.
const maxWebhookBody = 1 << 20

// webhookTimeout bounds one delivery end to end, including the ledger's
// duplicate wait. Providers redeliver on timeout, so failing fast beats
// holding their connection.
const webhookTimeout = 5 * time.Second

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Logger *slog.Logger

	Subscriptions service.SubscriptionService
	Renewals      service.RenewalService
	Refunds       service.RefundService

	Ledger          *ledger.Ledger
	StripeAdapter   adapter.Adapter
	AppStoreAdapter adapter.Adapter

	AllowedOrigins []string
}

// New builds the router with all routes registered.
func New(deps Deps) *router.Router {
	r := router.New(
		router.Recovery(deps.Logger),
		router.Logger(deps.Logger),
		router.Metrics(),
	)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		handler.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle(http.MethodGet, "/metrics", promhttp.Handler())

	// Webhooks authenticate per-request via provider signatures; the body cap
	// runs before any parsing and the deadline covers the ledger's duplicate
	// wait.
	webhooks := r.Group(router.MaxBytes(maxWebhookBody), router.Timeout(webhookTimeout))
	stripeHook := webhook.NewHandler(deps.StripeAdapter, deps.Ledger, deps.Subscriptions, deps.Logger)
	appStoreHook := webhook.NewHandler(deps.AppStoreAdapter, deps.Ledger, deps.Subscriptions, deps.Logger)
	webhooks.Post("/webhooks/stripe", stripeHook.Handle)
	webhooks.Post("/webhooks/appstore", appStoreHook.Handle)

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	apiGroup := r.Group(router.CORS(origins))
	apiHandler := api.NewHandler(deps.Subscriptions, deps.Renewals, deps.Refunds, deps.Logger)

	apiGroup.Get("/api/users/{userID}/subscription", apiHandler.GetSubscription)

	apiGroup.Get("/api/users/{userID}/recurring/can-add", apiHandler.CanAddItem)
	apiGroup.Get("/api/users/{userID}/recurring/past-due", apiHandler.ListPastDue)
	apiGroup.Post("/api/users/{userID}/recurring", apiHandler.CreateItem)
	apiGroup.Post("/api/users/{userID}/recurring/{itemID}/confirm", apiHandler.ConfirmItem)
	apiGroup.Post("/api/users/{userID}/recurring/{itemID}/dismiss", apiHandler.DismissItem)
	apiGroup.Get("/api/users/{userID}/recurring/{itemID}/history", apiHandler.ItemHistory)

	apiGroup.Get("/api/users/{userID}/refund/eligibility", apiHandler.RefundEligibility)
	apiGroup.Post("/api/users/{userID}/refund", apiHandler.RequestRefund)

	return r
}
