package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/authz"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/services"
)

const manualPaymentSource = "admin"

type createPaymentRequest struct {
	Method                string `json:"method" validate:"required,oneof=card bank_transfer cash_on_delivery wallet"`
	Provider              string `json:"provider" validate:"max=40"`
	Amount                int64  `json:"amount" validate:"gte=0"`
	ExternalTransactionID string `json:"external_transaction_id" validate:"max=200"`
}

type recordPaymentResultRequest struct {
	Outcome               string `json:"outcome" validate:"required,oneof=success failed cancelled"`
	OrderID               string `json:"order_id"`
	ExternalTransactionID string `json:"external_transaction_id" validate:"max=200"`
	FailureReason         string `json:"failure_reason" validate:"max=500"`
}

// PaymentHandlers exposes payment attempts nested under customer orders and the admin endpoint
// that records a payment outcome by hand.
type PaymentHandlers struct {
	payments    services.PaymentService
	enforcer    *authz.Enforcer
	idempotency func(http.Handler) http.Handler
}

// PaymentHandlersOption customises PaymentHandlers.
type PaymentHandlersOption func(*PaymentHandlers)

// WithPaymentIdempotency guards payment creation with the given middleware.
func WithPaymentIdempotency(mw func(http.Handler) http.Handler) PaymentHandlersOption {
	return func(h *PaymentHandlers) {
		h.idempotency = mw
	}
}

// NewPaymentHandlers constructs PaymentHandlers.
func NewPaymentHandlers(payments services.PaymentService, enforcer *authz.Enforcer, opts ...PaymentHandlersOption) *PaymentHandlers {
	h := &PaymentHandlers{payments: payments, enforcer: enforcer}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// OrderRoutes registers /orders/{orderID}/payments on the customer order group.
func (h *PaymentHandlers) OrderRoutes(r chi.Router) {
	if r == nil {
		return
	}
	create := http.Handler(http.HandlerFunc(h.createPayment))
	if h.idempotency != nil {
		create = h.idempotency(create)
	}
	r.Method(http.MethodPost, "/{orderID}/payments", create)
	r.Get("/{orderID}/payments", h.listPayments)
}

// AdminRoutes registers the manual payment endpoints on the admin group.
func (h *PaymentHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(h.enforcer.Require(authz.ResourcePayments, authz.ActionRead)).Get("/payments/{paymentID}", h.getPayment)
	r.With(h.enforcer.Require(authz.ResourcePayments, authz.ActionUpdate)).Post("/payments/{paymentID}:result", h.recordResult)
}

func (h *PaymentHandlers) createPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if !h.enforcer.Allowed(identity.Roles, authz.ResourcePayments, authz.ActionCreate) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "creating payments is not permitted", http.StatusForbidden))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		writeBadRequest(ctx, w, "order id is required")
		return
	}

	var req createPaymentRequest
	if !decodeRequest(ctx, w, r, &req) {
		return
	}
	method, _ := domain.ParsePaymentMethod(req.Method)

	payment, err := h.payments.CreatePayment(ctx, services.CreatePaymentCommand{
		OrderID:               orderID,
		UserID:                identity.UID,
		ActorID:               identity.ActorID(),
		Provider:              req.Provider,
		Method:                method,
		Amount:                req.Amount,
		ExternalTransactionID: req.ExternalTransactionID,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/orders/%s/payments/%s", orderID, payment.ID))
	writeJSONResponse(w, http.StatusCreated, paymentResponse{
		Message: "payment created",
		Payment: buildPaymentPayload(payment),
	})
}

func (h *PaymentHandlers) listPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		writeBadRequest(ctx, w, "order id is required")
		return
	}

	payments, err := h.payments.ListPayments(ctx, orderID, services.PaymentReadOptions{UserID: identity.UID})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	items := make([]paymentPayload, 0, len(payments))
	for _, payment := range payments {
		items = append(items, buildPaymentPayload(payment))
	}
	writeJSONResponse(w, http.StatusOK, paymentListResponse{Items: items})
}

func (h *PaymentHandlers) getPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	payment, err := h.payments.GetPayment(ctx, chi.URLParam(r, "paymentID"), services.PaymentReadOptions{})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, paymentResponse{Payment: buildPaymentPayload(payment)})
}

func (h *PaymentHandlers) recordResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	paymentID := strings.TrimSpace(chi.URLParam(r, "paymentID"))
	if paymentID == "" {
		writeBadRequest(ctx, w, "payment id is required")
		return
	}

	var req recordPaymentResultRequest
	if !decodeRequest(ctx, w, r, &req) {
		return
	}
	outcome, _ := domain.ParsePaymentStatus(req.Outcome)

	result, err := h.payments.RecordPaymentResult(ctx, services.RecordPaymentResultCommand{
		PaymentID:             paymentID,
		OrderID:               req.OrderID,
		Outcome:               outcome,
		ExternalTransactionID: req.ExternalTransactionID,
		FailureReason:         req.FailureReason,
		ActorID:               identity.ActorID(),
		Source:                manualPaymentSource,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPaymentResultResponse(result, true))
}

type paymentResponse struct {
	Message string         `json:"message,omitempty"`
	Payment paymentPayload `json:"payment"`
}

type paymentListResponse struct {
	Items []paymentPayload `json:"items"`
}

type paymentPayload struct {
	ID                    string `json:"id"`
	OrderID               string `json:"order_id"`
	Provider              string `json:"provider"`
	Method                string `json:"method"`
	Status                string `json:"status"`
	Amount                int64  `json:"amount"`
	Currency              string `json:"currency"`
	ExternalTransactionID string `json:"external_transaction_id,omitempty"`
	FailureReason         string `json:"failure_reason,omitempty"`
	CreatedAt             string `json:"created_at"`
	UpdatedAt             string `json:"updated_at"`
	SettledAt             string `json:"settled_at,omitempty"`
}

type paymentResultResponse struct {
	Message        string         `json:"message"`
	Payment        paymentPayload `json:"payment"`
	Order          orderPayload   `json:"order"`
	NoOp           bool           `json:"noop,omitempty"`
	OrderChanged   bool           `json:"order_changed"`
	Overpaid       bool           `json:"overpaid,omitempty"`
	RequiresReview bool           `json:"requires_review,omitempty"`
}

func buildPaymentPayload(payment services.Payment) paymentPayload {
	return paymentPayload{
		ID:                    payment.ID,
		OrderID:               payment.OrderID,
		Provider:              payment.Provider,
		Method:                string(payment.Method),
		Status:                string(payment.Status),
		Amount:                payment.Amount,
		Currency:              payment.Currency,
		ExternalTransactionID: payment.ExternalTransactionID,
		FailureReason:         payment.FailureReason,
		CreatedAt:             formatTime(payment.CreatedAt),
		UpdatedAt:             formatTime(payment.UpdatedAt),
		SettledAt:             formatTimePtr(payment.SettledAt),
	}
}

func buildPaymentResultResponse(result services.PaymentResult, operator bool) paymentResultResponse {
	resp := paymentResultResponse{
		Message:        fmt.Sprintf("payment recorded as %s", result.Payment.Status),
		Payment:        buildPaymentPayload(result.Payment),
		Order:          buildOrderPayload(result.Order, operator),
		NoOp:           result.NoOp,
		OrderChanged:   result.OrderChanged,
		Overpaid:       result.Overpaid,
		RequiresReview: result.RequiresReview,
	}
	switch {
	case result.NoOp:
		resp.Message = fmt.Sprintf("payment already recorded as %s", result.Payment.Status)
	case result.RequiresReview:
		resp.Message = "payment recorded; order requires manual review"
	}
	return resp
}

var paymentErrorRules = httpx.Rules{
	{Target: services.ErrPaymentInvalidInput, Code: "invalid_request", Status: http.StatusBadRequest},
	{Target: services.ErrPaymentNotFound, Code: "payment_not_found", Status: http.StatusNotFound, Message: "payment not found"},
	{Target: services.ErrPaymentAlreadySettled, Code: "payment_already_settled", Status: http.StatusConflict},
	{Target: services.ErrPaymentNotAccepted, Code: "payment_not_accepted", Status: http.StatusConflict},
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if e, ok := paymentErrorRules.Match(err); ok {
		httpx.WriteError(ctx, w, e)
		return
	}
	writeOrderError(ctx, w, err)
}
