package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/services"
)

func newAdminInventoryRouter(t *testing.T, inventory services.InventoryService, roles ...string) chi.Router {
	t.Helper()
	handler := NewAdminInventoryHandlers(inventory, newTestEnforcer(t))
	router := chi.NewRouter()
	router.Use(asIdentity("op-1", roles...))
	router.Route("/admin", handler.Routes)
	return router
}

func TestAdminInventoryHandlersReserveShortage(t *testing.T) {
	service := &stubInventoryService{
		reserveFn: func(_ context.Context, cmd services.InventoryStockCommand) ([]services.InventoryItem, error) {
			if len(cmd.Lines) != 2 {
				t.Fatalf("expected two lines, got %d", len(cmd.Lines))
			}
			return nil, &services.StockShortageError{ProductID: "prod_b", Requested: 5, Available: 3}
		},
	}
	router := newAdminInventoryRouter(t, service, auth.RoleAdmin)

	rr := serve(t, router, http.MethodPost, "/admin/inventory:reserve", map[string]any{
		"order_id": "ord_1",
		"lines": []map[string]any{
			{"product_id": "prod_a", "quantity": 1},
			{"product_id": "prod_b", "quantity": 5},
		},
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
	item, ok := decodeBody(t, rr)["item"].(map[string]any)
	if !ok || item["product_id"] != "prod_b" || item["requested"] != float64(5) {
		t.Fatalf("expected shortage details, got %#v", item)
	}
}

func TestAdminInventoryHandlersRelease(t *testing.T) {
	var captured services.InventoryStockCommand
	service := &stubInventoryService{
		releaseFn: func(_ context.Context, cmd services.InventoryStockCommand) ([]services.InventoryItem, error) {
			captured = cmd
			return []services.InventoryItem{{Key: "prod_a", ProductID: "prod_a", Stock: 4, UpdatedAt: testNow}}, nil
		},
	}
	router := newAdminInventoryRouter(t, service, auth.RoleAdmin)

	rr := serve(t, router, http.MethodPost, "/admin/inventory:release", map[string]any{
		"lines": []map[string]any{{"product_id": "prod_a", "quantity": 1}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ActorID != "admin:op-1" || captured.Lines[0].Quantity != 1 {
		t.Fatalf("unexpected command %#v", captured)
	}
	body := decodeBody(t, rr)
	if body["message"] != "stock released" {
		t.Fatalf("unexpected message %v", body["message"])
	}
}

func TestAdminInventoryHandlersStaffCannotWrite(t *testing.T) {
	router := newAdminInventoryRouter(t, &stubInventoryService{}, auth.RoleStaff)
	rr := serve(t, router, http.MethodPost, "/admin/inventory:reserve", map[string]any{
		"lines": []map[string]any{{"product_id": "prod_a", "quantity": 1}},
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestAdminInventoryHandlersRejectsBadLines(t *testing.T) {
	router := newAdminInventoryRouter(t, &stubInventoryService{}, auth.RoleAdmin)
	rr := serve(t, router, http.MethodPost, "/admin/inventory:reserve", map[string]any{
		"lines": []map[string]any{{"product_id": "prod_a", "quantity": -1}},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	rr = serve(t, router, http.MethodPost, "/admin/inventory:reserve", map[string]any{"lines": []map[string]any{}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty lines, got %d", rr.Code)
	}
}

func TestAdminInventoryHandlersGetAndUpsertByKey(t *testing.T) {
	var gotProduct, gotVariant string
	var upsert services.UpsertInventoryItemCommand
	service := &stubInventoryService{
		getFn: func(_ context.Context, productID, variantID string) (services.InventoryItem, error) {
			gotProduct, gotVariant = productID, variantID
			return services.InventoryItem{Key: domain.StockKey(productID, variantID), ProductID: productID, VariantID: variantID, Stock: 7}, nil
		},
		upsertFn: func(_ context.Context, cmd services.UpsertInventoryItemCommand) (services.InventoryItem, error) {
			upsert = cmd
			return services.InventoryItem{Key: "prod_a~red", ProductID: cmd.ProductID, VariantID: cmd.VariantID, Stock: *cmd.Stock}, nil
		},
	}
	router := newAdminInventoryRouter(t, service, auth.RoleAdmin)

	rr := serve(t, router, http.MethodGet, "/admin/inventory/prod_a~red", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if gotProduct != "prod_a" || gotVariant != "red" {
		t.Fatalf("expected key split into prod_a/red, got %s/%s", gotProduct, gotVariant)
	}

	rr = serve(t, router, http.MethodPut, "/admin/inventory/prod_a~red", map[string]any{"stock": 12})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if upsert.Stock == nil || *upsert.Stock != 12 || upsert.Name != nil {
		t.Fatalf("expected only stock to be set, got %#v", upsert)
	}

	rr = serve(t, router, http.MethodPut, "/admin/inventory/prod_a~red", map[string]any{"stock": -3})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative stock, got %d", rr.Code)
	}
}

func TestAdminInventoryHandlersListLowStock(t *testing.T) {
	var captured services.InventoryListFilter
	service := &stubInventoryService{
		listFn: func(_ context.Context, filter services.InventoryListFilter) (domain.CursorPage[services.InventoryItem], error) {
			captured = filter
			return domain.CursorPage[services.InventoryItem]{}, nil
		},
	}
	router := newAdminInventoryRouter(t, service, auth.RoleStaff)

	rr := serve(t, router, http.MethodGet, "/admin/inventory?max_stock=3", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if captured.MaxStock == nil || *captured.MaxStock != 3 {
		t.Fatalf("expected max stock 3, got %v", captured.MaxStock)
	}
	body := decodeBody(t, rr)
	if items, ok := body["items"].([]any); !ok || len(items) != 0 {
		t.Fatalf("expected empty items array, got %#v", body["items"])
	}

	rr = serve(t, router, http.MethodGet, "/admin/inventory?max_stock=-1", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
