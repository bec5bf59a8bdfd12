package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/authz"
	"github.com/hanko-field/orders/internal/services"
)

type adminTransitionRequest struct {
	Status         string         `json:"status" validate:"required"`
	Note           string         `json:"note" validate:"max=500"`
	Reason         string         `json:"reason" validate:"max=500"`
	ExpectedStatus string         `json:"expected_status"`
	Metadata       map[string]any `json:"metadata"`
}

// AdminOrderHandlers lets staff and admins read any order and drive the lifecycle. Which edges a
// role may use is decided by the authz policy.
type AdminOrderHandlers struct {
	orders   services.OrderService
	reports  services.ReportingService
	enforcer *authz.Enforcer
}

// NewAdminOrderHandlers constructs the admin order endpoints.
func NewAdminOrderHandlers(orders services.OrderService, reports services.ReportingService, enforcer *authz.Enforcer) *AdminOrderHandlers {
	return &AdminOrderHandlers{orders: orders, reports: reports, enforcer: enforcer}
}

// Routes registers /admin/orders.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	read := h.enforcer.Require(authz.ResourceOrders, authz.ActionRead)
	r.With(read).Get("/orders", h.listOrders)
	r.With(read).Get("/orders/{orderID}", h.getOrder)
	r.With(read).Post("/orders/{orderID}:transition", h.transitionOrder)
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reports == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	filter, problem := parseOrderListQuery(r)
	if problem != "" {
		writeBadRequest(ctx, w, problem)
		return
	}
	filter.UserID = strings.TrimSpace(r.URL.Query().Get("user_id"))

	page, err := h.reports.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		writeBadRequest(ctx, w, "order id is required")
		return
	}
	order, err := h.orders.GetOrder(ctx, orderID, services.OrderReadOptions{})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, true)})
}

func (h *AdminOrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
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

	var req adminTransitionRequest
	if !decodeRequest(ctx, w, r, &req) {
		return
	}
	target, ok := domain.ParseOrderStatus(req.Status)
	if !ok {
		writeBadRequest(ctx, w, "status must be a valid order status")
		return
	}

	performTransition(ctx, w, transitionCall{
		orders:   h.orders,
		enforcer: h.enforcer,
		identity: identity,
		orderID:  orderID,
		target:   target,
		expected: req.ExpectedStatus,
		apply: func(expected *services.OrderStatus) (services.TransitionResult, error) {
			if target == domain.OrderStatusCancelled {
				return h.orders.Cancel(ctx, services.CancelOrderCommand{
					OrderID:        orderID,
					ActorID:        identity.ActorID(),
					Reason:         firstNonBlank(req.Reason, req.Note),
					ExpectedStatus: expected,
				})
			}
			return h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
				OrderID:        orderID,
				TargetStatus:   target,
				ActorID:        identity.ActorID(),
				Note:           req.Note,
				ExpectedStatus: expected,
				Metadata:       req.Metadata,
			})
		},
	})
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
