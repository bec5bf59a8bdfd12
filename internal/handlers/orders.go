package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/authz"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/services"
)

// createOrderRequest mirrors the order service limits. Currency may be omitted, in which case
// the order takes the currency the items are priced in.
type createOrderRequest struct {
	Currency        string                   `json:"currency" validate:"omitempty,currency"`
	Items           []createOrderItemRequest `json:"items" validate:"required,min=1,max=100,dive"`
	Contact         contactRequest           `json:"contact" validate:"required"`
	ShippingAddress addressRequest           `json:"shipping_address" validate:"required"`
	Note            string                   `json:"note" validate:"max=500"`
}

type createOrderItemRequest struct {
	ProductID string `json:"product_id" validate:"required,max=128"`
	VariantID string `json:"variant_id" validate:"max=128"`
	Quantity  int    `json:"quantity" validate:"gt=0,max=999"`
}

type contactRequest struct {
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone" validate:"max=32"`
}

type addressRequest struct {
	Recipient  string `json:"recipient" validate:"required,max=120"`
	Line1      string `json:"line1" validate:"required,max=200"`
	Line2      string `json:"line2" validate:"max=200"`
	City       string `json:"city" validate:"required,max=120"`
	State      string `json:"state" validate:"max=120"`
	PostalCode string `json:"postal_code" validate:"required,max=20"`
	Country    string `json:"country" validate:"required,len=2"`
}

type transitionOrderRequest struct {
	Status         string `json:"status" validate:"required"`
	Note           string `json:"note" validate:"max=500"`
	ExpectedStatus string `json:"expected_status"`
}

type cancelOrderRequest struct {
	Reason         string `json:"reason" validate:"max=500"`
	ExpectedStatus string `json:"expected_status"`
}

type updateCustomerInfoRequest struct {
	Contact         *contactRequest `json:"contact" validate:"required_without=ShippingAddress"`
	ShippingAddress *addressRequest `json:"shipping_address" validate:"required_without=Contact"`
}

// OrderHandlers serves the customer facing /orders endpoints. Every lookup is scoped to the
// caller's own orders; an order owned by someone else reads as not found.
type OrderHandlers struct {
	orders      services.OrderService
	reports     services.ReportingService
	enforcer    *authz.Enforcer
	idempotency func(http.Handler) http.Handler
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderIdempotency guards order creation with the given middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService, reports services.ReportingService, enforcer *authz.Enforcer, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		orders:   orders,
		reports:  reports,
		enforcer: enforcer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints. Authentication is applied by the router group.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	create := http.Handler(http.HandlerFunc(h.createOrder))
	if h.idempotency != nil {
		create = h.idempotency(create)
	}
	r.Method(http.MethodPost, "/", create)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:transition", h.transitionOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Patch("/{orderID}/customer-info", h.updateCustomerInfo)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if !h.enforcer.Allowed(identity.Roles, authz.ResourceOrders, authz.ActionCreate) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "creating orders is not permitted", http.StatusForbidden))
		return
	}

	var req createOrderRequest
	if !decodeRequest(ctx, w, r, &req) {
		return
	}

	items := make([]services.CreateOrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.CreateOrderItem{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
	}

	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		UserID:          identity.UID,
		ActorID:         identity.ActorID(),
		Currency:        req.Currency,
		Items:           items,
		Contact:         req.Contact.toDomain(),
		ShippingAddress: req.ShippingAddress.toDomain(),
		Note:            req.Note,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	writeJSONResponse(w, http.StatusCreated, orderResponse{
		Message: "order created",
		Order:   buildOrderPayload(order, false),
	})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reports == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	filter, problem := parseOrderListQuery(r)
	if problem != "" {
		writeBadRequest(ctx, w, problem)
		return
	}
	filter.UserID = identity.UID

	page, err := h.reports.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
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

	order, err := h.orders.GetOrder(ctx, orderID, services.OrderReadOptions{UserID: identity.UID})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, false)})
}

func (h *OrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
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

	var req transitionOrderRequest
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
		userID:   identity.UID,
		target:   target,
		expected: req.ExpectedStatus,
		apply: func(expected *services.OrderStatus) (services.TransitionResult, error) {
			return h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
				OrderID:        orderID,
				TargetStatus:   target,
				ActorID:        identity.ActorID(),
				Note:           req.Note,
				UserID:         identity.UID,
				ExpectedStatus: expected,
			})
		},
	})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
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

	var req cancelOrderRequest
	if r.ContentLength != 0 {
		if !decodeRequest(ctx, w, r, &req) {
			return
		}
	}

	performTransition(ctx, w, transitionCall{
		orders:   h.orders,
		enforcer: h.enforcer,
		identity: identity,
		orderID:  orderID,
		userID:   identity.UID,
		target:   domain.OrderStatusCancelled,
		expected: req.ExpectedStatus,
		apply: func(expected *services.OrderStatus) (services.TransitionResult, error) {
			return h.orders.Cancel(ctx, services.CancelOrderCommand{
				OrderID:        orderID,
				ActorID:        identity.ActorID(),
				Reason:         req.Reason,
				UserID:         identity.UID,
				ExpectedStatus: expected,
			})
		},
	})
}

func (h *OrderHandlers) updateCustomerInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if !h.enforcer.Allowed(identity.Roles, authz.ResourceOrders, authz.ActionUpdate) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "updating orders is not permitted", http.StatusForbidden))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		writeBadRequest(ctx, w, "order id is required")
		return
	}

	var req updateCustomerInfoRequest
	if !decodeRequest(ctx, w, r, &req) {
		return
	}
	cmd := services.UpdateCustomerInfoCommand{
		OrderID: orderID,
		ActorID: identity.ActorID(),
		UserID:  identity.UID,
	}
	if req.Contact != nil {
		contact := req.Contact.toDomain()
		cmd.Contact = &contact
	}
	if req.ShippingAddress != nil {
		address := req.ShippingAddress.toDomain()
		cmd.ShippingAddress = &address
	}

	order, err := h.orders.UpdateCustomerInfo(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{
		Message: "customer information updated",
		Order:   buildOrderPayload(order, false),
	})
}

// transitionCall carries what performTransition needs to check policy and apply one edge.
type transitionCall struct {
	orders   services.OrderService
	enforcer *authz.Enforcer
	identity *auth.Identity
	orderID  string
	userID   string
	target   domain.OrderStatus
	expected string
	apply    func(expected *services.OrderStatus) (services.TransitionResult, error)
}

// performTransition loads the order, checks that the caller's role may drive the edge, then applies
// it pinned to the status that was checked. Edges missing from the transition table are left to
// the service so they surface as invalid transitions rather than policy failures.
func performTransition(ctx context.Context, w http.ResponseWriter, call transitionCall) {
	current, err := call.orders.GetOrder(ctx, call.orderID, services.OrderReadOptions{UserID: call.userID})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	expected := current.Status
	if raw := strings.TrimSpace(call.expected); raw != "" {
		parsed, ok := domain.ParseOrderStatus(raw)
		if !ok {
			writeBadRequest(ctx, w, "expected_status must be a valid order status")
			return
		}
		expected = parsed
	}

	if current.Status != call.target &&
		slices.Contains(services.AllowedTransitions(current.Status), call.target) &&
		!call.enforcer.CanTransition(call.identity.Roles, current.Status, call.target) {
		httpx.WriteError(ctx, w, httpx.NewError("transition_forbidden",
			fmt.Sprintf("%s may not move an order from %s to %s", call.identity.PrimaryRole(), current.Status, call.target),
			http.StatusForbidden))
		return
	}

	result, err := call.apply(&expected)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeTransitionResult(w, result, call.identity.IsOperator())
}

func writeTransitionResult(w http.ResponseWriter, result services.TransitionResult, operator bool) {
	resp := orderResponse{
		Message: fmt.Sprintf("order moved from %s to %s", result.PreviousStatus, result.Order.Status),
		Order:   buildOrderPayload(result.Order, operator),
	}
	if result.NoOp {
		resp.Message = fmt.Sprintf("order is already %s", result.Order.Status)
		resp.NoOp = true
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func parseOrderListQuery(r *http.Request) (services.OrderListFilter, string) {
	query := r.URL.Query()
	statuses, problem := parseStatusFilter(query["status"])
	if problem != "" {
		return services.OrderListFilter{}, problem
	}
	dateRange, problem := parseTimeRange(query, "created_after", "created_before")
	if problem != "" {
		return services.OrderListFilter{}, problem
	}
	page, err := parsePagination(query)
	if err != nil {
		return services.OrderListFilter{}, "page_size must be a positive integer and page_token must come from a previous response"
	}
	return services.OrderListFilter{
		Statuses:   statuses,
		DateRange:  dateRange,
		Pagination: page,
	}, ""
}

func (c contactRequest) toDomain() domain.ContactInfo {
	return domain.ContactInfo{Email: c.Email, Phone: c.Phone}
}

func (a addressRequest) toDomain() domain.Address {
	return domain.Address{
		Recipient:  a.Recipient,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

type orderResponse struct {
	Message string       `json:"message,omitempty"`
	Order   orderPayload `json:"order"`
	NoOp    bool         `json:"noop,omitempty"`
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID        string `json:"id"`
	Number    string `json:"number"`
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
	Currency  string `json:"currency"`
	Total     int64  `json:"total"`
	ItemCount int    `json:"item_count"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type orderPayload struct {
	ID                 string               `json:"id"`
	Number             string               `json:"number"`
	UserID             string               `json:"user_id"`
	Status             string               `json:"status"`
	Currency           string               `json:"currency"`
	Total              int64                `json:"total"`
	Items              []orderItemPayload   `json:"items"`
	Contact            orderContactPayload  `json:"contact"`
	ShippingAddress    orderAddressPayload  `json:"shipping_address"`
	StatusHistory      []statusEntryPayload `json:"status_history"`
	AllowedTransitions []string             `json:"allowed_transitions"`
	StockReserved      bool                 `json:"stock_reserved"`
	CancelReason       string               `json:"cancel_reason,omitempty"`
	CreatedAt          string               `json:"created_at"`
	UpdatedAt          string               `json:"updated_at"`
	ConfirmedAt        string               `json:"confirmed_at,omitempty"`
	PaidAt             string               `json:"paid_at,omitempty"`
	ShippedAt          string               `json:"shipped_at,omitempty"`
	DeliveredAt        string               `json:"delivered_at,omitempty"`
	CancelledAt        string               `json:"cancelled_at,omitempty"`
	FailedAt           string               `json:"failed_at,omitempty"`
}

type orderItemPayload struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Subtotal  int64  `json:"subtotal"`
}

type orderContactPayload struct {
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type orderAddressPayload struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type statusEntryPayload struct {
	Status string `json:"status"`
	At     string `json:"at"`
	Actor  string `json:"actor,omitempty"`
	Note   string `json:"note,omitempty"`
}

func buildOrderListResponse(page domain.CursorPage[services.Order]) orderListResponse {
	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, orderSummaryPayload{
			ID:        order.ID,
			Number:    order.Number,
			UserID:    order.UserID,
			Status:    string(order.Status),
			Currency:  order.Currency,
			Total:     order.Total,
			ItemCount: len(order.Items),
			CreatedAt: formatTime(order.CreatedAt),
			UpdatedAt: formatTime(order.UpdatedAt),
		})
	}
	return orderListResponse{Items: items, NextPageToken: page.NextPageToken}
}

// buildOrderPayload renders an order. Actors in the status history are only shown to operators.
func buildOrderPayload(order services.Order, operator bool) orderPayload {
	payload := orderPayload{
		ID:       order.ID,
		Number:   order.Number,
		UserID:   order.UserID,
		Status:   string(order.Status),
		Currency: order.Currency,
		Total:    order.Total,
		Items:    make([]orderItemPayload, 0, len(order.Items)),
		Contact: orderContactPayload{
			Email: order.Contact.Email,
			Phone: order.Contact.Phone,
		},
		ShippingAddress: orderAddressPayload{
			Recipient:  order.ShippingAddress.Recipient,
			Line1:      order.ShippingAddress.Line1,
			Line2:      order.ShippingAddress.Line2,
			City:       order.ShippingAddress.City,
			State:      order.ShippingAddress.State,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
		},
		StatusHistory:      make([]statusEntryPayload, 0, len(order.StatusHistory)),
		AllowedTransitions: []string{},
		StockReserved:      order.StockReserved,
		CancelReason:       order.CancelReason,
		CreatedAt:          formatTime(order.CreatedAt),
		UpdatedAt:          formatTime(order.UpdatedAt),
		ConfirmedAt:        formatTimePtr(order.ConfirmedAt),
		PaidAt:             formatTimePtr(order.PaidAt),
		ShippedAt:          formatTimePtr(order.ShippedAt),
		DeliveredAt:        formatTimePtr(order.DeliveredAt),
		CancelledAt:        formatTimePtr(order.CancelledAt),
		FailedAt:           formatTimePtr(order.FailedAt),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Subtotal:  item.Subtotal,
		})
	}
	for _, entry := range order.StatusHistory {
		view := statusEntryPayload{
			Status: string(entry.Status),
			At:     formatTime(entry.At),
			Note:   entry.Note,
		}
		if operator {
			view.Actor = entry.Actor
		}
		payload.StatusHistory = append(payload.StatusHistory, view)
	}
	for _, next := range services.AllowedTransitions(order.Status) {
		payload.AllowedTransitions = append(payload.AllowedTransitions, string(next))
	}
	return payload
}

var orderErrorRules = httpx.Rules{
	{Target: services.ErrInsufficientStock, Code: "insufficient_stock", Status: http.StatusConflict},
	{Target: services.ErrOrderInvalidTransition, Code: "invalid_transition", Status: http.StatusBadRequest},
	{Target: services.ErrOrderNotEditable, Code: "order_not_editable", Status: http.StatusBadRequest},
	{Target: services.ErrOrderInvalidInput, Code: "invalid_request", Status: http.StatusBadRequest},
	{Target: services.ErrInventoryInvalidInput, Code: "invalid_request", Status: http.StatusBadRequest},
	{Target: services.ErrOrderNotFound, Code: "order_not_found", Status: http.StatusNotFound, Message: "order not found"},
	{Target: services.ErrInventoryNotFound, Code: "inventory_not_found", Status: http.StatusNotFound},
	{Target: services.ErrOrderConflict, Code: "order_conflict", Status: http.StatusConflict},
	{Target: services.ErrReportInvalidInput, Code: "invalid_request", Status: http.StatusBadRequest},
	{Target: services.ErrCounterUnavailable, Code: "order_number_unavailable", Status: http.StatusServiceUnavailable, Message: "order numbers are temporarily unavailable"},
	{Target: context.DeadlineExceeded, Code: "timeout", Status: http.StatusGatewayTimeout, Message: "request timed out"},
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var shortage *services.StockShortageError
	if errors.As(err, &shortage) {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict).WithDetails(map[string]any{
			"item": map[string]any{
				"product_id": shortage.ProductID,
				"variant_id": shortage.VariantID,
				"requested":  shortage.Requested,
				"available":  shortage.Available,
			},
		}))
		return
	}
	if e, ok := orderErrorRules.Match(err); ok {
		httpx.WriteError(ctx, w, e)
		return
	}
	writeInternalError(ctx, w, err)
}
