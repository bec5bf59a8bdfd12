package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/services"
)

type expirePendingRequest struct {
	OlderThan string `json:"older_than"`
	Limit     int    `json:"limit" validate:"gte=0,max=1000"`
}

// InternalHandlers serves scheduler-triggered jobs. The router group authenticates callers with
// OIDC before these handlers run.
type InternalHandlers struct {
	orders     services.OrderService
	pendingTTL time.Duration
	batch      int
}

// NewInternalHandlers constructs the internal job endpoints. pendingTTL and batch are the defaults
// used when a request does not override them.
func NewInternalHandlers(orders services.OrderService, pendingTTL time.Duration, batch int) *InternalHandlers {
	return &InternalHandlers{orders: orders, pendingTTL: pendingTTL, batch: batch}
}

// Routes registers /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/expire-pending", h.expirePending)
}

func (h *InternalHandlers) expirePending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}

	var req expirePendingRequest
	if r.ContentLength != 0 {
		if !decodeRequest(ctx, w, r, &req) {
			return
		}
	}
	olderThan := h.pendingTTL
	if req.OlderThan != "" {
		parsed, err := time.ParseDuration(req.OlderThan)
		if err != nil || parsed <= 0 {
			writeBadRequest(ctx, w, "older_than must be a positive duration such as 30m")
			return
		}
		olderThan = parsed
	}
	limit := h.batch
	if req.Limit > 0 {
		limit = req.Limit
	}

	cmd := services.ExpirePendingOrdersCommand{OlderThan: olderThan, Limit: limit}
	if caller, ok := auth.ServiceIdentityFromContext(ctx); ok {
		requestctx.Logger(ctx).Info("pending order expiry triggered", zap.String("caller", caller.ActorID()))
	}

	result, err := h.orders.ExpirePendingOrders(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	failed := result.Failed
	if failed == nil {
		failed = []string{}
	}
	writeJSONResponse(w, http.StatusOK, expirePendingResponse{
		Examined: result.Examined,
		Failed:   failed,
		Skipped:  result.Skipped,
	})
}

type expirePendingResponse struct {
	Examined int      `json:"examined"`
	Failed   []string `json:"failed"`
	Skipped  int      `json:"skipped"`
}
