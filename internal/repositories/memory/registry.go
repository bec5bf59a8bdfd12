package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

type txKey struct{}

type state struct {
	orders    map[string]domain.Order
	payments  map[string]domain.Payment
	inventory map[string]domain.InventoryItem
	counters  map[string]int64
	audit     []domain.AuditLogEntry
}

func (s state) clone() state {
	return state{
		orders:    maps.Clone(s.orders),
		payments:  maps.Clone(s.payments),
		inventory: maps.Clone(s.inventory),
		counters:  maps.Clone(s.counters),
		audit:     slices.Clone(s.audit),
	}
}

// Registry is a process-local repositories.Registry. Every operation, and every transaction as a
// whole, is serialised by a single lock; a failed transaction restores the snapshot taken when it
// started.
type Registry struct {
	mu    sync.Mutex
	state state

	orders    *orderRepository
	payments  *paymentRepository
	inventory *inventoryRepository
	counters  *counterRepository
	audit     *auditLogRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry returns an empty in-memory registry.
func NewRegistry() *Registry {
	r := &Registry{
		state: state{
			orders:    make(map[string]domain.Order),
			payments:  make(map[string]domain.Payment),
			inventory: make(map[string]domain.InventoryItem),
			counters:  make(map[string]int64),
		},
	}
	r.orders = &orderRepository{reg: r}
	r.payments = &paymentRepository{reg: r}
	r.inventory = &inventoryRepository{reg: r}
	r.counters = &counterRepository{reg: r}
	r.audit = &auditLogRepository{reg: r}
	return r
}

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }
func (r *Registry) Payments() repositories.PaymentRepository { return r.payments }
func (r *Registry) Inventory() repositories.InventoryRepository { return r.inventory }
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }
func (r *Registry) AuditLogs() repositories.AuditLogRepository { return r.audit }
func (r *Registry) Close(context.Context) error { return nil }
func (r *Registry) Ping(ctx context.Context) error { return ctx.Err() }

// RunInTx runs fn while holding the registry lock. Nested calls join the outer transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.inTx(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.state.clone()
	if err := fn(context.WithValue(ctx, txKey{}, r)); err != nil {
		r.state = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		r.state = snapshot
		return err
	}
	return nil
}

func (r *Registry) inTx(ctx context.Context) bool {
	owner, ok := ctx.Value(txKey{}).(*Registry)
	return ok && owner == r
}

// lock acquires the registry lock unless ctx already runs inside one of its transactions.
func (r *Registry) lock(ctx context.Context) func() {
	if r.inTx(ctx) {
		return func() {}
	}
	r.mu.Lock()
	return r.mu.Unlock
}

func notFound(op string) error {
	return repositories.NewStoreError(op, repositories.StoreErrorNotFound, nil)
}

func conflict(op string) error {
	return repositories.NewStoreError(op, repositories.StoreErrorConflict, nil)
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	order.StatusHistory = slices.Clone(order.StatusHistory)
	order.ConfirmedAt = clonePtr(order.ConfirmedAt)
	order.PaidAt = clonePtr(order.PaidAt)
	order.ShippedAt = clonePtr(order.ShippedAt)
	order.DeliveredAt = clonePtr(order.DeliveredAt)
	order.CancelledAt = clonePtr(order.CancelledAt)
	order.FailedAt = clonePtr(order.FailedAt)
	return order
}

func clonePtr[T any](value *T) *T {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
