package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/authz"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/services"
)

type upsertInventoryRequest struct {
	Name      *string `json:"name" validate:"omitempty,min=1,max=200"`
	UnitPrice *int64  `json:"unit_price" validate:"omitempty,gte=0"`
	Currency  *string `json:"currency" validate:"omitempty,currency"`
	Stock     *int64  `json:"stock" validate:"omitempty,gte=0"`
}

type stockAdjustmentRequest struct {
	OrderID string             `json:"order_id" validate:"max=64"`
	Lines   []stockLineRequest `json:"lines" validate:"required,min=1,max=100,dive"`
}

type stockLineRequest struct {
	ProductID string `json:"product_id" validate:"required,max=128"`
	VariantID string `json:"variant_id" validate:"max=128"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

// AdminInventoryHandlers manages stock records and manual reservations.
type AdminInventoryHandlers struct {
	inventory services.InventoryService
	enforcer  *authz.Enforcer
}

// NewAdminInventoryHandlers constructs the inventory endpoints.
func NewAdminInventoryHandlers(inventory services.InventoryService, enforcer *authz.Enforcer) *AdminInventoryHandlers {
	return &AdminInventoryHandlers{inventory: inventory, enforcer: enforcer}
}

// Routes registers /admin/inventory.
func (h *AdminInventoryHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	read := h.enforcer.Require(authz.ResourceInventory, authz.ActionRead)
	write := h.enforcer.Require(authz.ResourceInventory, authz.ActionWrite)
	r.With(read).Get("/inventory", h.listItems)
	r.With(write).Post("/inventory:reserve", h.reserve)
	r.With(write).Post("/inventory:release", h.release)
	r.With(read).Get("/inventory/{key}", h.getItem)
	r.With(write).Put("/inventory/{key}", h.upsertItem)
}

func (h *AdminInventoryHandlers) listItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		writeServiceUnavailable(ctx, w, "inventory")
		return
	}
	query := r.URL.Query()
	page, err := parsePagination(query)
	if err != nil {
		writeBadRequest(ctx, w, "page_size must be a positive integer and page_token must come from a previous response")
		return
	}
	filter := services.InventoryListFilter{
		ProductID:  strings.TrimSpace(query.Get("product_id")),
		Pagination: page,
	}
	if raw := strings.TrimSpace(query.Get("max_stock")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value < 0 {
			writeBadRequest(ctx, w, "max_stock must be a non-negative integer")
			return
		}
		filter.MaxStock = &value
	}

	result, err := h.inventory.ListItems(ctx, filter)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}
	items := make([]inventoryPayload, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, buildInventoryPayload(item))
	}
	writeJSONResponse(w, http.StatusOK, inventoryListResponse{Items: items, NextPageToken: result.NextPageToken})
}

func (h *AdminInventoryHandlers) getItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		writeServiceUnavailable(ctx, w, "inventory")
		return
	}
	productID, variantID := domain.SplitStockKey(chi.URLParam(r, "key"))
	item, err := h.inventory.GetItem(ctx, productID, variantID)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, inventoryResponse{Item: buildInventoryPayload(item)})
}

func (h *AdminInventoryHandlers) upsertItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		writeServiceUnavailable(ctx, w, "inventory")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	productID, variantID := domain.SplitStockKey(chi.URLParam(r, "key"))

	var req upsertInventoryRequest
	if !decodeRequest(ctx, w, r, &req) {
		return
	}
	item, err := h.inventory.UpsertItem(ctx, services.UpsertInventoryItemCommand{
		ProductID: productID,
		VariantID: variantID,
		Name:      req.Name,
		UnitPrice: req.UnitPrice,
		Currency:  req.Currency,
		Stock:     req.Stock,
		ActorID:   identity.ActorID(),
	})
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, inventoryResponse{Message: "inventory updated", Item: buildInventoryPayload(item)})
}

func (h *AdminInventoryHandlers) reserve(w http.ResponseWriter, r *http.Request) {
	if h.inventory == nil {
		writeServiceUnavailable(r.Context(), w, "inventory")
		return
	}
	h.adjust(w, r, "stock reserved", h.inventory.ReserveStock)
}

func (h *AdminInventoryHandlers) release(w http.ResponseWriter, r *http.Request) {
	if h.inventory == nil {
		writeServiceUnavailable(r.Context(), w, "inventory")
		return
	}
	h.adjust(w, r, "stock released", h.inventory.ReleaseStock)
}

func (h *AdminInventoryHandlers) adjust(w http.ResponseWriter, r *http.Request, message string, apply func(context.Context, services.InventoryStockCommand) ([]services.InventoryItem, error)) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req stockAdjustmentRequest
	if !decodeRequest(ctx, w, r, &req) {
		return
	}
	lines := make([]services.StockLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, services.StockLine{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
		})
	}

	updated, err := apply(ctx, services.InventoryStockCommand{
		OrderID: req.OrderID,
		ActorID: identity.ActorID(),
		Lines:   lines,
	})
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}
	items := make([]inventoryPayload, 0, len(updated))
	for _, item := range updated {
		items = append(items, buildInventoryPayload(item))
	}
	writeJSONResponse(w, http.StatusOK, stockAdjustmentResponse{Message: message, Items: items})
}

type inventoryPayload struct {
	Key       string `json:"key"`
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Currency  string `json:"currency"`
	Stock     int64  `json:"stock"`
	UpdatedAt string `json:"updated_at"`
}

type inventoryResponse struct {
	Message string           `json:"message,omitempty"`
	Item    inventoryPayload `json:"item"`
}

type inventoryListResponse struct {
	Items         []inventoryPayload `json:"items"`
	NextPageToken string             `json:"next_page_token,omitempty"`
}

type stockAdjustmentResponse struct {
	Message string             `json:"message"`
	Items   []inventoryPayload `json:"items"`
}

func buildInventoryPayload(item services.InventoryItem) inventoryPayload {
	return inventoryPayload{
		Key:       item.Key,
		ProductID: item.ProductID,
		VariantID: item.VariantID,
		Name:      item.Name,
		UnitPrice: item.UnitPrice,
		Currency:  item.Currency,
		Stock:     item.Stock,
		UpdatedAt: formatTime(item.UpdatedAt),
	}
}

var inventoryErrorRules = httpx.Rules{
	{Target: services.ErrInventoryInvalidInput, Code: "invalid_request", Status: http.StatusBadRequest},
	{Target: services.ErrInventoryNotFound, Code: "inventory_not_found", Status: http.StatusNotFound},
}

func writeInventoryError(ctx context.Context, w http.ResponseWriter, err error) {
	if e, ok := inventoryErrorRules.Match(err); ok {
		httpx.WriteError(ctx, w, e)
		return
	}
	writeOrderError(ctx, w, err)
}
