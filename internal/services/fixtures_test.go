package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) New() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("ID%04d", s.next)
}

type captureEvents struct {
	mu       sync.Mutex
	orders   []OrderEvent
	payments []PaymentEvent
	err      error
}

func (c *captureEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = append(c.orders, event)
	return c.err
}

func (c *captureEvents) PublishPaymentEvent(_ context.Context, event PaymentEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payments = append(c.payments, event)
	return c.err
}

func (c *captureEvents) orderTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.orders))
	for _, event := range c.orders {
		out = append(out, event.Type+":"+event.CurrentStatus)
	}
	return out
}

type captureLogger struct {
	mu     sync.Mutex
	events []string
}

func (c *captureLogger) Log(_ context.Context, event string, _ map[string]any) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *captureLogger) has(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, candidate := range c.events {
		if candidate == event {
			return true
		}
	}
	return false
}

type testEnv struct {
	reg       *memory.Registry
	clock     *fakeClock
	events    *captureEvents
	logs      *captureLogger
	orders    OrderService
	payments  PaymentService
	inventory InventoryService
	reports   ReportingService
	audit     AuditLogService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	reg := memory.NewRegistry()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	ids := &sequenceIDs{}
	events := &captureEvents{}
	logs := &captureLogger{}

	audit, err := NewAuditLogService(AuditLogServiceDeps{Repository: reg.AuditLogs(), Clock: clock.Now, IDGenerator: ids.New})
	if err != nil {
		t.Fatalf("audit service: %v", err)
	}
	inventory, err := NewInventoryService(InventoryServiceDeps{Inventory: reg.Inventory(), Audit: audit, Clock: clock.Now, Logger: logs.Log, LowStockThreshold: 1})
	if err != nil {
		t.Fatalf("inventory service: %v", err)
	}
	counters, err := NewCounterService(CounterServiceDeps{Repository: reg.Counters(), Clock: clock.Now})
	if err != nil {
		t.Fatalf("counter service: %v", err)
	}
	orders, err := NewOrderService(OrderServiceDeps{
		Orders:      reg.Orders(),
		Counters:    counters,
		Inventory:   inventory,
		UnitOfWork:  reg,
		Audit:       audit,
		Clock:       clock.Now,
		IDGenerator: ids.New,
		Events:      events,
		Logger:      logs.Log,
	})
	if err != nil {
		t.Fatalf("order service: %v", err)
	}
	payments, err := NewPaymentService(PaymentServiceDeps{
		Payments:    reg.Payments(),
		Orders:      reg.Orders(),
		Inventory:   inventory,
		UnitOfWork:  reg,
		Audit:       audit,
		Clock:       clock.Now,
		IDGenerator: ids.New,
		Events:      events,
		OrderEvents: events,
		Logger:      logs.Log,
	})
	if err != nil {
		t.Fatalf("payment service: %v", err)
	}
	reports, err := NewReportingService(ReportingServiceDeps{Orders: reg.Orders(), Clock: clock.Now})
	if err != nil {
		t.Fatalf("reporting service: %v", err)
	}

	return &testEnv{
		reg:       reg,
		clock:     clock,
		events:    events,
		logs:      logs,
		orders:    orders,
		payments:  payments,
		inventory: inventory,
		reports:   reports,
		audit:     audit,
	}
}

func (e *testEnv) seedStock(t *testing.T, productID string, price, stock int64) {
	t.Helper()
	err := e.reg.Inventory().Upsert(context.Background(), domain.InventoryItem{
		Key:       domain.StockKey(productID, ""),
		ProductID: productID,
		Name:      "Product " + productID,
		UnitPrice: price,
		Currency:  "USD",
		Stock:     stock,
		UpdatedAt: e.clock.Now(),
	})
	if err != nil {
		t.Fatalf("seed %s: %v", productID, err)
	}
}

func (e *testEnv) stockOf(t *testing.T, productID string) int64 {
	t.Helper()
	item, err := e.reg.Inventory().Get(context.Background(), domain.StockKey(productID, ""))
	if err != nil {
		t.Fatalf("stock %s: %v", productID, err)
	}
	return item.Stock
}

func (e *testEnv) loadOrder(t *testing.T, orderID string) Order {
	t.Helper()
	order, err := e.reg.Orders().FindByID(context.Background(), orderID)
	if err != nil {
		t.Fatalf("load order %s: %v", orderID, err)
	}
	return order
}

func (e *testEnv) createOrder(t *testing.T, userID string, items ...CreateOrderItem) Order {
	t.Helper()
	order, err := e.orders.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:  userID,
		Items:   items,
		Contact: ContactInfo{Email: "buyer@example.com", Phone: "+1 555 0100"},
		ShippingAddress: Address{
			Recipient:  "Sam Buyer",
			Line1:      "1 Market St",
			City:       "San Francisco",
			State:      "CA",
			PostalCode: "94105",
			Country:    "us",
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func assertHistoryMatchesStatus(t *testing.T, order Order) {
	t.Helper()
	if len(order.StatusHistory) == 0 {
		t.Fatalf("order %s has no history", order.ID)
	}
	if last := order.StatusHistory[len(order.StatusHistory)-1].Status; last != order.Status {
		t.Fatalf("last history status %s does not match order status %s", last, order.Status)
	}
}
