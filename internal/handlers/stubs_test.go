package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/authz"
	"github.com/hanko-field/orders/internal/services"
)

var errNotStubbed = errors.New("not implemented")

type stubOrderService struct {
	createFn     func(context.Context, services.CreateOrderCommand) (services.Order, error)
	getFn        func(context.Context, string, services.OrderReadOptions) (services.Order, error)
	transitionFn func(context.Context, services.OrderStatusTransitionCommand) (services.TransitionResult, error)
	cancelFn     func(context.Context, services.CancelOrderCommand) (services.TransitionResult, error)
	updateFn     func(context.Context, services.UpdateCustomerInfoCommand) (services.Order, error)
	expireFn     func(context.Context, services.ExpirePendingOrdersCommand) (services.ExpirePendingOrdersResult, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID, opts)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.TransitionResult, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.TransitionResult{}, errNotStubbed
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.TransitionResult, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.TransitionResult{}, errNotStubbed
}

func (s *stubOrderService) UpdateCustomerInfo(ctx context.Context, cmd services.UpdateCustomerInfoCommand) (services.Order, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return services.Order{}, errNotStubbed
}

func (s *stubOrderService) ExpirePendingOrders(ctx context.Context, cmd services.ExpirePendingOrdersCommand) (services.ExpirePendingOrdersResult, error) {
	if s.expireFn != nil {
		return s.expireFn(ctx, cmd)
	}
	return services.ExpirePendingOrdersResult{}, errNotStubbed
}

type stubReportingService struct {
	listFn      func(context.Context, services.OrderListFilter) (domain.CursorPage[services.Order], error)
	summarizeFn func(context.Context, services.OrderSummaryFilter) (services.OrderSummary, error)
	exportFn    func(context.Context, services.OrderSummaryFilter) (services.ReportExport, error)
}

func (s *stubReportingService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubReportingService) SummarizeOrders(ctx context.Context, filter services.OrderSummaryFilter) (services.OrderSummary, error) {
	if s.summarizeFn != nil {
		return s.summarizeFn(ctx, filter)
	}
	return services.OrderSummary{}, errNotStubbed
}

func (s *stubReportingService) ExportSummary(ctx context.Context, filter services.OrderSummaryFilter) (services.ReportExport, error) {
	if s.exportFn != nil {
		return s.exportFn(ctx, filter)
	}
	return services.ReportExport{}, errNotStubbed
}

type stubPaymentService struct {
	createFn func(context.Context, services.CreatePaymentCommand) (services.Payment, error)
	getFn    func(context.Context, string, services.PaymentReadOptions) (services.Payment, error)
	listFn   func(context.Context, string, services.PaymentReadOptions) ([]services.Payment, error)
	recordFn func(context.Context, services.RecordPaymentResultCommand) (services.PaymentResult, error)
}

func (s *stubPaymentService) CreatePayment(ctx context.Context, cmd services.CreatePaymentCommand) (services.Payment, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Payment{}, errNotStubbed
}

func (s *stubPaymentService) GetPayment(ctx context.Context, paymentID string, opts services.PaymentReadOptions) (services.Payment, error) {
	if s.getFn != nil {
		return s.getFn(ctx, paymentID, opts)
	}
	return services.Payment{}, errNotStubbed
}

func (s *stubPaymentService) ListPayments(ctx context.Context, orderID string, opts services.PaymentReadOptions) ([]services.Payment, error) {
	if s.listFn != nil {
		return s.listFn(ctx, orderID, opts)
	}
	return nil, errNotStubbed
}

func (s *stubPaymentService) RecordPaymentResult(ctx context.Context, cmd services.RecordPaymentResultCommand) (services.PaymentResult, error) {
	if s.recordFn != nil {
		return s.recordFn(ctx, cmd)
	}
	return services.PaymentResult{}, errNotStubbed
}

type stubInventoryService struct {
	reserveFn func(context.Context, services.InventoryStockCommand) ([]services.InventoryItem, error)
	releaseFn func(context.Context, services.InventoryStockCommand) ([]services.InventoryItem, error)
	getFn     func(context.Context, string, string) (services.InventoryItem, error)
	listFn    func(context.Context, services.InventoryListFilter) (domain.CursorPage[services.InventoryItem], error)
	upsertFn  func(context.Context, services.UpsertInventoryItemCommand) (services.InventoryItem, error)
}

func (s *stubInventoryService) ReserveStock(ctx context.Context, cmd services.InventoryStockCommand) ([]services.InventoryItem, error) {
	if s.reserveFn != nil {
		return s.reserveFn(ctx, cmd)
	}
	return nil, errNotStubbed
}

func (s *stubInventoryService) ReleaseStock(ctx context.Context, cmd services.InventoryStockCommand) ([]services.InventoryItem, error) {
	if s.releaseFn != nil {
		return s.releaseFn(ctx, cmd)
	}
	return nil, errNotStubbed
}

func (s *stubInventoryService) GetItem(ctx context.Context, productID, variantID string) (services.InventoryItem, error) {
	if s.getFn != nil {
		return s.getFn(ctx, productID, variantID)
	}
	return services.InventoryItem{}, errNotStubbed
}

func (s *stubInventoryService) LookupItems(context.Context, []string) (map[string]services.InventoryItem, error) {
	return nil, errNotStubbed
}

func (s *stubInventoryService) ListItems(ctx context.Context, filter services.InventoryListFilter) (domain.CursorPage[services.InventoryItem], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.InventoryItem]{}, nil
}

func (s *stubInventoryService) UpsertItem(ctx context.Context, cmd services.UpsertInventoryItemCommand) (services.InventoryItem, error) {
	if s.upsertFn != nil {
		return s.upsertFn(ctx, cmd)
	}
	return services.InventoryItem{}, errNotStubbed
}

type stubAuditService struct {
	listFn func(context.Context, services.AuditLogFilter) (domain.CursorPage[services.AuditLogEntry], error)
}

func (s *stubAuditService) Record(context.Context, services.AuditLogRecord) {}

func (s *stubAuditService) List(ctx context.Context, filter services.AuditLogFilter) (domain.CursorPage[services.AuditLogEntry], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.AuditLogEntry]{}, nil
}

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

// asIdentity injects a verified identity the way auth.Authenticator would.
func asIdentity(uid string, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := &auth.Identity{UID: uid, Roles: roles}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
		})
	}
}

func newTestEnforcer(t *testing.T) *authz.Enforcer {
	t.Helper()
	enforcer, err := authz.New()
	if err != nil {
		t.Fatalf("authz.New: %v", err)
	}
	return enforcer
}

func serve(t *testing.T, handler http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

var testNow = time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

func sampleOrder(status domain.OrderStatus) services.Order {
	return services.Order{
		ID:       "ord_1",
		Number:   "ORD-2026-000001",
		UserID:   "user-1",
		Status:   status,
		Currency: "JPY",
		Total:    2400,
		Items: []services.OrderLineItem{
			{ProductID: "prod_a", Name: "Stamp", Quantity: 2, UnitPrice: 1200, Subtotal: 2400},
		},
		Contact: services.ContactInfo{Email: "buyer@example.com"},
		ShippingAddress: services.Address{
			Recipient: "Buyer", Line1: "1-1", City: "Tokyo", PostalCode: "100-0001", Country: "JP",
		},
		StatusHistory: []services.StatusHistoryEntry{
			{Status: domain.OrderStatusPending, At: testNow, Actor: "user:user-1"},
		},
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
}
