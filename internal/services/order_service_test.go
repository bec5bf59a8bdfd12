package services

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

type stubOrderRepo struct {
	insertFn func(context.Context, domain.Order) error
	updateFn func(context.Context, domain.Order) error
	findFn   func(context.Context, string) (domain.Order, error)
	listFn   func(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) Update(ctx context.Context, order domain.Order) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func TestOrderServiceCreateOrderSnapshotsPrices(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, "P", 1200, 5)
	env.seedStock(t, "Q", 800, 2)

	order := env.createOrder(t, "user-1",
		CreateOrderItem{ProductID: "P", Quantity: 1},
		CreateOrderItem{ProductID: "Q", Quantity: 3},
	)

	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", order.Status)
	}
	if order.ID != "ord_ID0001" {
		t.Fatalf("unexpected id %q", order.ID)
	}
	if order.Number != "ORD-2026-000001" {
		t.Fatalf("unexpected number %q", order.Number)
	}
	if order.Total != 1200+3*800 || order.Currency != "USD" {
		t.Fatalf("unexpected total %d %s", order.Total, order.Currency)
	}
	if order.Items[1].UnitPrice != 800 || order.Items[1].Subtotal != 2400 {
		t.Fatalf("unexpected line snapshot %#v", order.Items[1])
	}
	if order.ShippingAddress.Country != "US" {
		t.Fatalf("expected normalised country, got %q", order.ShippingAddress.Country)
	}
	assertHistoryMatchesStatus(t, order)
	if env.stockOf(t, "P") != 5 || env.stockOf(t, "Q") != 2 {
		t.Fatalf("creation must not touch stock")
	}
	if got := env.events.orderTypes(); !slices.Equal(got, []string{"order.created:pending"}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestOrderServiceCreateOrderValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, "P", 100, 5)

	cases := []struct {
		name string
		cmd  CreateOrderCommand
		want error
	}{
		{name: "missing user", cmd: CreateOrderCommand{Items: []CreateOrderItem{{ProductID: "P", Quantity: 1}}}, want: ErrOrderInvalidInput},
		{name: "no items", cmd: CreateOrderCommand{UserID: "u"}, want: ErrOrderInvalidInput},
		{name: "zero quantity", cmd: CreateOrderCommand{UserID: "u", Items: []CreateOrderItem{{ProductID: "P"}}}, want: ErrOrderInvalidInput},
		{name: "unknown product", cmd: CreateOrderCommand{UserID: "u", Items: []CreateOrderItem{{ProductID: "missing", Quantity: 1}}}, want: ErrInventoryNotFound},
		{name: "currency mismatch", cmd: CreateOrderCommand{UserID: "u", Currency: "JPY", Items: []CreateOrderItem{{ProductID: "P", Quantity: 1}}}, want: ErrOrderInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := tc.cmd
			cmd.Contact = ContactInfo{Email: "a@example.com"}
			cmd.ShippingAddress = Address{Recipient: "A", Line1: "1 St", City: "X", Country: "JP"}
			if _, err := env.orders.CreateOrder(context.Background(), cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	_, err := env.orders.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:          "u",
		Items:           []CreateOrderItem{{ProductID: "P", Quantity: 1}},
		Contact:         ContactInfo{Email: "not-an-email"},
		ShippingAddress: Address{Recipient: "A", Line1: "1 St", City: "X", Country: "JP"},
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid email rejection, got %v", err)
	}
}

func TestOrderServiceConfirmInsufficientStockLeavesEverythingUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, "P", 1000, 5)
	env.seedStock(t, "Q", 500, 2)
	order := env.createOrder(t, "user-1",
		CreateOrderItem{ProductID: "P", Quantity: 1},
		CreateOrderItem{ProductID: "Q", Quantity: 3},
	)

	_, err := env.orders.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      order.ID,
		TargetStatus: domain.OrderStatusConfirmed,
		ActorID:      "user-1",
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	var shortage *StockShortageError
	if !errors.As(err, &shortage) || shortage.ProductID != "Q" || shortage.Requested != 3 || shortage.Available != 2 {
		t.Fatalf("expected shortage naming Q, got %#v", shortage)
	}

	stored := env.loadOrder(t, order.ID)
	if stored.Status != domain.OrderStatusPending || len(stored.StatusHistory) != 1 || stored.StockReserved {
		t.Fatalf("order mutated after failed confirm: %#v", stored)
	}
	if env.stockOf(t, "P") != 5 || env.stockOf(t, "Q") != 2 {
		t.Fatalf("stock mutated: P=%d Q=%d", env.stockOf(t, "P"), env.stockOf(t, "Q"))
	}
}

func TestOrderServiceConfirmCancelRestoresStock(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, "P", 1000, 5)
	env.seedStock(t, "Q", 500, 5)
	order := env.createOrder(t, "user-1",
		CreateOrderItem{ProductID: "P", Quantity: 1},
		CreateOrderItem{ProductID: "Q", Quantity: 3},
	)

	env.clock.Advance(time.Minute)
	result, err := env.orders.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      order.ID,
		TargetStatus: domain.OrderStatusConfirmed,
		ActorID:      "user-1",
		Note:         "looks good",
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if result.NoOp || result.PreviousStatus != domain.OrderStatusPending {
		t.Fatalf("unexpected result %#v", result)
	}
	confirmed := result.Order
	if confirmed.Status != domain.OrderStatusConfirmed || len(confirmed.StatusHistory) != 2 {
		t.Fatalf("unexpected confirmed order %#v", confirmed)
	}
	if confirmed.ConfirmedAt == nil || !confirmed.UpdatedAt.Equal(env.clock.Now()) {
		t.Fatalf("timestamps not updated")
	}
	if entry := confirmed.StatusHistory[1]; entry.Actor != "user-1" || entry.Note != "looks good" {
		t.Fatalf("unexpected history entry %#v", entry)
	}
	if env.stockOf(t, "P") != 4 || env.stockOf(t, "Q") != 2 {
		t.Fatalf("unexpected stock after confirm: P=%d Q=%d", env.stockOf(t, "P"), env.stockOf(t, "Q"))
	}
	assertHistoryMatchesStatus(t, env.loadOrder(t, order.ID))

	cancelled, err := env.orders.Cancel(context.Background(), CancelOrderCommand{
		OrderID: order.ID,
		ActorID: "user-1",
		Reason:  "changed my mind",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Order.Status != domain.OrderStatusCancelled || cancelled.Order.CancelReason != "changed my mind" {
		t.Fatalf("unexpected cancelled order %#v", cancelled.Order)
	}
	if env.stockOf(t, "P") != 5 || env.stockOf(t, "Q") != 5 {
		t.Fatalf("stock not restored: P=%d Q=%d", env.stockOf(t, "P"), env.stockOf(t, "Q"))
	}
	if cancelled.Order.StockReserved {
		t.Fatalf("expected reservation flag cleared")
	}

	_, err = env.orders.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      order.ID,
		TargetStatus: domain.OrderStatusConfirmed,
		ActorID:      "user-1",
	})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition from cancelled, got %v", err)
	}
	if env.stockOf(t, "P") != 5 || env.stockOf(t, "Q") != 5 {
		t.Fatalf("rejected transition touched stock")
	}

	want := []string{"order.created:pending", "order.status.changed:confirmed", "order.status.changed:cancelled"}
	if got := env.events.orderTypes(); !slices.Equal(got, want) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestOrderServiceTransitionNoOp(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, "P", 100, 3)
	order := env.createOrder(t, "user-1", CreateOrderItem{ProductID: "P", Quantity: 1})

	for i := 0; i < 2; i++ {
		result, err := env.orders.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
			OrderID:      order.ID,
			TargetStatus: domain.OrderStatusPending,
			ActorID:      "admin:ops",
		})
		if err != nil {
			t.Fatalf("noop transition %d: %v", i, err)
		}
		if !result.NoOp {
			t.Fatalf("expected NoOp on call %d", i)
		}
		if stored := env.loadOrder(t, order.ID); len(stored.StatusHistory) != 1 || !stored.UpdatedAt.Equal(order.UpdatedAt) {
			t.Fatalf("noop mutated order: %#v", stored)
		}
	}
	if !env.logs.has("order.transition.noop") {
		t.Fatalf("expected noop log event")
	}
	if len(env.events.orderTypes()) != 1 {
		t.Fatalf("noop must not publish events")
	}
}

func TestOrderServiceTransitionTableConformance(t *testing.T) {
	statuses := domain.OrderStatuses()
	for _, from := range statuses {
		for _, to := range statuses {
			if from == to {
				continue
			}
			allowed := canTransition(from, to)
			env := newTestEnv(t)
			env.seedStock(t, "P", 100, 10)
			order := env.createOrder(t, "user-1", CreateOrderItem{ProductID: "P", Quantity: 2})

			stored := env.loadOrder(t, order.ID)
			stored.Status = from
			stored.StockReserved = from == domain.OrderStatusConfirmed || from == domain.OrderStatusPaid
			stored.StatusHistory = append(stored.StatusHistory, StatusHistoryEntry{Status: from, At: env.clock.Now(), Actor: "seed"})
			if err := env.reg.Orders().Update(context.Background(), stored); err != nil {
				t.Fatalf("seed status: %v", err)
			}

			_, err := env.orders.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
				OrderID:      order.ID,
				TargetStatus: to,
				ActorID:      "admin:ops",
			})
			after := env.loadOrder(t, order.ID)
			if allowed {
				if err != nil {
					t.Fatalf("%s -> %s should be allowed: %v", from, to, err)
				}
				if after.Status != to {
					t.Fatalf("%s -> %s left status %s", from, to, after.Status)
				}
				assertHistoryMatchesStatus(t, after)
				// Seeded reservations were never taken from stock, so a release shows up as +2.
				want := int64(10)
				if to == domain.OrderStatusConfirmed {
					want -= 2
				}
				if (to == domain.OrderStatusCancelled || to == domain.OrderStatusFailed) && stored.StockReserved {
					want += 2
				}
				if got := env.stockOf(t, "P"); got != want {
					t.Fatalf("%s -> %s left stock %d, want %d", from, to, got, want)
				}
				continue
			}
			if !errors.Is(err, ErrOrderInvalidTransition) {
				t.Fatalf("%s -> %s expected invalid transition, got %v", from, to, err)
			}
			if after.Status != from || len(after.StatusHistory) != len(stored.StatusHistory) {
				t.Fatalf("%s -> %s mutated order", from, to)
			}
			if env.stockOf(t, "P") != 10 {
				t.Fatalf("%s -> %s mutated stock", from, to)
			}
		}
	}
}

func TestOrderServiceCancelAfterPaymentRestoresStock(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, "P", 100, 6)
	order := env.createOrder(t, "user-1", CreateOrderItem{ProductID: "P", Quantity: 4})

	for _, target := range []OrderStatus{domain.OrderStatusConfirmed, domain.OrderStatusPaid} {
		if _, err := env.orders.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
			OrderID:      order.ID,
			TargetStatus: target,
			ActorID:      "admin:ops",
		}); err != nil {
			t.Fatalf("%s: %v", target, err)
		}
	}
	if got := env.stockOf(t, "P"); got != 2 {
		t.Fatalf("stock after payment = %d, want 2", got)
	}

	result, err := env.orders.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      order.ID,
		TargetStatus: domain.OrderStatusCancelled,
		ActorID:      "admin:ops",
		Note:         "refunded",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.Order.Status != domain.OrderStatusCancelled || result.Order.StockReserved {
		t.Fatalf("unexpected order %#v", result.Order)
	}
	if got := env.stockOf(t, "P"); got != 6 {
		t.Fatalf("stock after refund cancel = %d, want 6", got)
	}
	stored := env.loadOrder(t, order.ID)
	if stored.StockReserved || stored.CancelledAt == nil {
		t.Fatalf("cancel not stored: %#v", stored)
	}
	assertHistoryMatchesStatus(t, stored)
}

func TestOrderServiceTransitionOwnershipAndExpectedStatus(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, "P", 100, 3)
	order := env.createOrder(t, "user-1", CreateOrderItem{ProductID: "P", Quantity: 1})

	_, err := env.orders.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      order.ID,
		TargetStatus: domain.OrderStatusCancelled,
		ActorID:      "user-2",
		UserID:       "user-2",
	})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for foreign order, got %v", err)
	}

	expected := domain.OrderStatusConfirmed
	_, err = env.orders.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:        order.ID,
		TargetStatus:   domain.OrderStatusCancelled,
		ActorID:        "admin:ops",
		ExpectedStatus: &expected,
	})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	_, err = env.orders.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      "missing",
		TargetStatus: domain.OrderStatusCancelled,
		ActorID:      "admin:ops",
	})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	_, err = env.orders.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:      order.ID,
		TargetStatus: "archived",
		ActorID:      "admin:ops",
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for unknown status, got %v", err)
	}
}

func TestOrderServiceUpdateCustomerInfo(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, "P", 100, 3)
	order := env.createOrder(t, "user-1", CreateOrderItem{ProductID: "P", Quantity: 1})

	updated, err := env.orders.UpdateCustomerInfo(context.Background(), UpdateCustomerInfoCommand{
		OrderID: order.ID,
		UserID:  "user-1",
		Contact: &ContactInfo{Email: "new@example.com"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Contact.Email != "new@example.com" || updated.ShippingAddress != order.ShippingAddress {
		t.Fatalf("unexpected update %#v", updated)
	}

	stored := env.loadOrder(t, order.ID)
	stored.Status = domain.OrderStatusShipped
	if err := env.reg.Orders().Update(context.Background(), stored); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err = env.orders.UpdateCustomerInfo(context.Background(), UpdateCustomerInfoCommand{
		OrderID:         order.ID,
		ShippingAddress: &Address{Recipient: "B", Line1: "2 St", City: "Y", Country: "US"},
	})
	if !errors.Is(err, ErrOrderNotEditable) {
		t.Fatalf("expected not editable, got %v", err)
	}
}

func TestOrderServiceExpirePendingOrders(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, "P", 100, 10)
	stale := env.createOrder(t, "user-1", CreateOrderItem{ProductID: "P", Quantity: 1})
	confirmedStale := env.createOrder(t, "user-2", CreateOrderItem{ProductID: "P", Quantity: 1})
	if _, err := env.orders.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID: confirmedStale.ID, TargetStatus: domain.OrderStatusConfirmed, ActorID: "user-2",
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	env.clock.Advance(2 * time.Hour)
	fresh := env.createOrder(t, "user-3", CreateOrderItem{ProductID: "P", Quantity: 1})

	result, err := env.orders.ExpirePendingOrders(context.Background(), ExpirePendingOrdersCommand{OlderThan: time.Hour})
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if result.Examined != 1 || !slices.Equal(result.Failed, []string{stale.ID}) {
		t.Fatalf("unexpected result %#v", result)
	}
	failed := env.loadOrder(t, stale.ID)
	if failed.Status != domain.OrderStatusFailed || failed.FailedAt == nil {
		t.Fatalf("expected stale order failed, got %s", failed.Status)
	}
	if last := failed.StatusHistory[len(failed.StatusHistory)-1]; last.Actor != expiryActor {
		t.Fatalf("unexpected actor %q", last.Actor)
	}
	if env.loadOrder(t, fresh.ID).Status != domain.OrderStatusPending {
		t.Fatalf("fresh order must stay pending")
	}
	if env.stockOf(t, "P") != 9 {
		t.Fatalf("expiry must not touch confirmed reservations, stock=%d", env.stockOf(t, "P"))
	}

	if _, err := env.orders.ExpirePendingOrders(context.Background(), ExpirePendingOrdersCommand{}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestOrderServiceMapsRepositoryErrors(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{}, repositories.NewStoreError("order.find", repositories.StoreErrorUnavailable, errors.New("deadline"))
		},
	}
	inventory, err := NewInventoryService(InventoryServiceDeps{Inventory: newTestEnv(t).reg.Inventory()})
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:    repo,
		Counters:  &orderNumbers{seq: &stubCounterRepository{}, now: time.Now, loc: time.UTC, prefix: "ORD"},
		Inventory: inventory,
	})
	if err != nil {
		t.Fatalf("order service: %v", err)
	}

	_, err = svc.GetOrder(context.Background(), "ord_1", OrderReadOptions{})
	if err == nil || errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsUnavailable() {
		t.Fatalf("expected wrapped repository error, got %v", err)
	}
}

func TestOrderServicePublishFailureIsLogged(t *testing.T) {
	env := newTestEnv(t)
	env.events.err = errors.New("broker down")
	env.seedStock(t, "P", 100, 3)

	env.createOrder(t, "user-1", CreateOrderItem{ProductID: "P", Quantity: 1})
	if !env.logs.has("order.event.publish.failed") {
		t.Fatalf("expected publish failure to be logged")
	}
}
