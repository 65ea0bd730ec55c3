// Package api exposes the user-facing JSON endpoints: subscription status,
// recurring item tracking, and self-serve refunds.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/billfold/billfold/internal/domain"
	"github.com/billfold/billfold/internal/handler"
	"github.com/billfold/billfold/internal/service"
)

// Handler serves the JSON API on top of the billing services.
type Handler struct {
	subscriptions service.SubscriptionService
	renewals      service.RenewalService
	refunds       service.RefundService
	validate      *validator.Validate
	logger        *slog.Logger

	now func() time.Time
}

func NewHandler(subscriptions service.SubscriptionService, renewals service.RenewalService, refunds service.RefundService, logger *slog.Logger) *Handler {
	return &Handler{
		subscriptions: subscriptions,
		renewals:      renewals,
		refunds:       refunds,
		validate:      validator.New(),
		logger:        logger,
		now:           time.Now,
	}
}

// GetSubscription returns the user's subscription read model.
// GET /api/users/{userID}/subscription
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUUID(r, "userID")
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}

	view, err := h.subscriptions.GetStatus(r.Context(), userID)
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}
	handler.JSON(w, http.StatusOK, view)
}

// CanAddItem reports whether the user may track another recurring item.
// GET /api/users/{userID}/recurring/can-add
func (h *Handler) CanAddItem(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUUID(r, "userID")
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}

	view, err := h.renewals.CanAdd(r.Context(), userID)
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}
	handler.JSON(w, http.StatusOK, view)
}

// ListPastDue returns the user's items due strictly before today.
// GET /api/users/{userID}/recurring/past-due
func (h *Handler) ListPastDue(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUUID(r, "userID")
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}

	items, err := h.renewals.ListPastDue(r.Context(), userID, h.now().UTC())
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}

	out := make([]itemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toItemResponse(item))
	}
	handler.JSON(w, http.StatusOK, map[string]any{"items": out})
}

type createItemRequest struct {
	Name           string `json:"name" validate:"required,max=200"`
	CostCents      int64  `json:"cost_cents" validate:"gte=0"`
	Currency       string `json:"currency" validate:"omitempty,len=3"`
	RepeatInterval string `json:"repeat_interval" validate:"required"`
	RenewalDate    string `json:"renewal_date" validate:"required,datetime=2006-01-02"`
}

// CreateItem adds a tracked recurring item.
// POST /api/users/{userID}/recurring
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUUID(r, "userID")
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}

	var req createItemRequest
	if err := h.decode(r, &req); err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}
	renewalDate, err := time.Parse("2006-01-02", req.RenewalDate)
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, domain.Invalid("api.create_item", "renewal_date must be a YYYY-MM-DD date"))
		return
	}

	item, err := h.renewals.CreateItem(r.Context(), service.CreateItemParams{
		UserID:         userID,
		Name:           req.Name,
		CostCents:      req.CostCents,
		Currency:       req.Currency,
		RepeatInterval: domain.RepeatInterval(req.RepeatInterval),
		RenewalDate:    renewalDate,
	})
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}
	handler.JSON(w, http.StatusCreated, toItemResponse(item))
}

type confirmRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=paid skipped"`
}

// ConfirmItem records the user's paid/skipped answer and advances the item.
// POST /api/users/{userID}/recurring/{itemID}/confirm
func (h *Handler) ConfirmItem(w http.ResponseWriter, r *http.Request) {
	userID, itemID, err := pathUserItem(r)
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}

	var req confirmRequest
	if err := h.decode(r, &req); err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}

	item, err := h.renewals.ConfirmPayment(r.Context(), userID, itemID, service.ConfirmOutcome(req.Outcome), h.now().UTC())
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}
	handler.JSON(w, http.StatusOK, toItemResponse(item))
}

// DismissItem removes a one-time charge without a payment record.
// POST /api/users/{userID}/recurring/{itemID}/dismiss
func (h *Handler) DismissItem(w http.ResponseWriter, r *http.Request) {
	userID, itemID, err := pathUserItem(r)
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}

	if err := h.renewals.DismissOneTime(r.Context(), userID, itemID, h.now().UTC()); err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}
	handler.JSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

// ItemHistory lists the confirmation records for one item.
// GET /api/users/{userID}/recurring/{itemID}/history
func (h *Handler) ItemHistory(w http.ResponseWriter, r *http.Request) {
	userID, itemID, err := pathUserItem(r)
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}

	entries, err := h.renewals.History(r.Context(), userID, itemID)
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}

	out := make([]historyResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, toHistoryResponse(entry))
	}
	handler.JSON(w, http.StatusOK, map[string]any{"history": out})
}

// RefundEligibility reports whether the user's latest payment is refundable.
// GET /api/users/{userID}/refund/eligibility
func (h *Handler) RefundEligibility(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUUID(r, "userID")
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}

	eligibility, err := h.refunds.CheckEligibility(r.Context(), userID)
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}
	handler.JSON(w, http.StatusOK, eligibility)
}

type refundRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// RequestRefund issues a refund of the user's latest payment.
// POST /api/users/{userID}/refund
func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUUID(r, "userID")
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}

	var req refundRequest
	if err := h.decode(r, &req); err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}

	request, err := h.refunds.ProcessRefund(r.Context(), userID, req.Reason)
	if err != nil {
		handler.ErrorResponse(w, r, h.logger, err)
		return
	}
	handler.JSON(w, http.StatusOK, refundResponse{
		RequestID:        request.ID,
		Status:           string(request.Status),
		AmountCents:      request.AmountCents,
		Currency:         request.Currency,
		ProviderRefundID: request.ProviderRefundID,
	})
}

// decode unmarshals and validates a JSON request body.
func (h *Handler) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Invalid("api.decode", "invalid JSON body")
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field := verrs[0]
			return domain.Invalid("api.validate", fmt.Sprintf("field %s failed validation: %s", field.Field(), field.Tag()))
		}
		return domain.Invalid("api.validate", "request validation failed")
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, domain.Invalid("api.path", fmt.Sprintf("%s must be a UUID", name))
	}
	return id, nil
}

func pathUserItem(r *http.Request) (uuid.UUID, uuid.UUID, error) {
	userID, err := pathUUID(r, "userID")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	itemID, err := pathUUID(r, "itemID")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return userID, itemID, nil
}

type itemResponse struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	CostCents      int64     `json:"cost_cents"`
	Currency       string    `json:"currency"`
	RepeatInterval string    `json:"repeat_interval"`
	RenewalDate    string    `json:"renewal_date"`
	Status         string    `json:"status"`
}

func toItemResponse(item *domain.RecurringItem) itemResponse {
	return itemResponse{
		ID:             item.ID,
		Name:           item.Name,
		CostCents:      item.CostCents,
		Currency:       item.Currency,
		RepeatInterval: string(item.RepeatInterval),
		RenewalDate:    item.RenewalDate.Format("2006-01-02"),
		Status:         string(item.Status),
	}
}

type historyResponse struct {
	ID          uuid.UUID `json:"id"`
	DueDate     string    `json:"due_date"`
	PaymentDate string    `json:"payment_date"`
	Status      string    `json:"status"`
	AmountCents int64     `json:"amount_cents"`
	Notes       string    `json:"notes,omitempty"`
}

func toHistoryResponse(entry domain.PaymentHistoryEntry) historyResponse {
	return historyResponse{
		ID:          entry.ID,
		DueDate:     entry.DueDate.Format("2006-01-02"),
		PaymentDate: entry.PaymentDate.Format("2006-01-02"),
		Status:      string(entry.Status),
		AmountCents: entry.AmountCents,
		Notes:       entry.Notes,
	}
}

type refundResponse struct {
	RequestID        uuid.UUID `json:"request_id"`
	Status           string    `json:"status"`
	AmountCents      int64     `json:"amount_cents"`
	Currency         string    `json:"currency"`
	ProviderRefundID string    `json:"provider_refund_id,omitempty"`
}
