package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/services"
)

func samplePayment(status domain.PaymentStatus) services.Payment {
	return services.Payment{
		ID:        "pay_1",
		OrderID:   "ord_1",
		UserID:    "user-1",
		Provider:  "stripe",
		Method:    domain.PaymentMethodCard,
		Status:    status,
		Amount:    2400,
		Currency:  "JPY",
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
}

func TestPaymentHandlersCreatePayment(t *testing.T) {
	var captured services.CreatePaymentCommand
	service := &stubPaymentService{
		createFn: func(_ context.Context, cmd services.CreatePaymentCommand) (services.Payment, error) {
			captured = cmd
			return samplePayment(domain.PaymentStatusPending), nil
		},
	}
	handler := NewPaymentHandlers(service, newTestEnforcer(t))
	router := chi.NewRouter()
	router.Use(asIdentity("user-1", auth.RoleCustomer))
	router.Route("/orders", handler.OrderRoutes)

	rr := serve(t, router, http.MethodPost, "/orders/ord_1/payments", map[string]any{
		"method":   "card",
		"provider": "stripe",
		"amount":   2400,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/api/v1/orders/ord_1/payments/pay_1" {
		t.Fatalf("unexpected location %q", loc)
	}
	if captured.OrderID != "ord_1" || captured.UserID != "user-1" || captured.Method != domain.PaymentMethodCard {
		t.Fatalf("unexpected command %#v", captured)
	}

	rr = serve(t, router, http.MethodPost, "/orders/ord_1/payments", map[string]any{"method": "barter"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown method, got %d", rr.Code)
	}
}

func TestPaymentHandlersListPaymentsForeignOrder(t *testing.T) {
	service := &stubPaymentService{
		listFn: func(_ context.Context, _ string, opts services.PaymentReadOptions) ([]services.Payment, error) {
			if opts.UserID != "user-2" {
				t.Fatalf("expected lookup scoped to caller, got %q", opts.UserID)
			}
			return nil, services.ErrOrderNotFound
		},
	}
	handler := NewPaymentHandlers(service, newTestEnforcer(t))
	router := chi.NewRouter()
	router.Use(asIdentity("user-2", auth.RoleCustomer))
	router.Route("/orders", handler.OrderRoutes)

	rr := serve(t, router, http.MethodGet, "/orders/ord_1/payments", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestPaymentHandlersRecordResult(t *testing.T) {
	var captured services.RecordPaymentResultCommand
	service := &stubPaymentService{
		recordFn: func(_ context.Context, cmd services.RecordPaymentResultCommand) (services.PaymentResult, error) {
			captured = cmd
			return services.PaymentResult{
				Payment:      samplePayment(domain.PaymentStatusSuccess),
				Order:        sampleOrder(domain.OrderStatusPaid),
				OrderChanged: true,
			}, nil
		},
	}
	handler := NewPaymentHandlers(service, newTestEnforcer(t))
	router := chi.NewRouter()
	router.Use(asIdentity("op-1", auth.RoleAdmin))
	router.Route("/admin", handler.AdminRoutes)

	rr := serve(t, router, http.MethodPost, "/admin/payments/pay_1:result", map[string]any{
		"outcome":                 "success",
		"external_transaction_id": "txn_1",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.PaymentID != "pay_1" || captured.Outcome != domain.PaymentStatusSuccess {
		t.Fatalf("unexpected command %#v", captured)
	}
	if captured.Source != "admin" || captured.ActorID != "admin:op-1" {
		t.Fatalf("unexpected source or actor %#v", captured)
	}

	var resp paymentResultResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.OrderChanged || resp.Order.Status != "paid" || resp.Payment.Status != "success" {
		t.Fatalf("unexpected response %#v", resp)
	}
}

func TestPaymentHandlersRecordResultErrors(t *testing.T) {
	tests := []struct {
		name       string
		roles      []string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"already settled", []string{auth.RoleAdmin}, services.ErrPaymentAlreadySettled, http.StatusConflict, "payment_already_settled"},
		{"not found", []string{auth.RoleAdmin}, services.ErrPaymentNotFound, http.StatusNotFound, "payment_not_found"},
		{"order moved on", []string{auth.RoleAdmin}, services.ErrPaymentNotAccepted, http.StatusConflict, "payment_not_accepted"},
		{"staff may not record", []string{auth.RoleStaff}, nil, http.StatusForbidden, "forbidden"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubPaymentService{
				recordFn: func(context.Context, services.RecordPaymentResultCommand) (services.PaymentResult, error) {
					return services.PaymentResult{}, tc.err
				},
			}
			handler := NewPaymentHandlers(service, newTestEnforcer(t))
			router := chi.NewRouter()
			router.Use(asIdentity("op-1", tc.roles...))
			router.Route("/admin", handler.AdminRoutes)

			rr := serve(t, router, http.MethodPost, "/admin/payments/pay_1:result", map[string]any{"outcome": "failed"})
			if rr.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, rr.Code, rr.Body.String())
			}
			if got := decodeBody(t, rr)["error"]; got != tc.wantCode {
				t.Fatalf("expected %s, got %v", tc.wantCode, got)
			}
		})
	}
}
