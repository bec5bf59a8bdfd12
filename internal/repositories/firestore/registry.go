// Package firestore implements the repositories on Cloud Firestore. Every repository joins the
// transaction started by Registry.RunInTx through the context.
package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

// Registry is the Firestore-backed repositories.Registry.
type Registry struct {
	provider *pfirestore.Provider

	orders    *orderRepository
	payments  *paymentRepository
	inventory *inventoryRepository
	counters  *counterRepository
	audit     *auditLogRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every repository onto provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires a provider")
	}
	return &Registry{
		provider:  provider,
		orders:    &orderRepository{orders: pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection)},
		payments:  &paymentRepository{payments: pfirestore.NewBaseRepository[paymentDocument](provider, paymentsCollection)},
		inventory: &inventoryRepository{provider: provider, stocks: pfirestore.NewBaseRepository[stockDocument](provider, inventoryCollection)},
		counters:  &counterRepository{provider: provider, counters: pfirestore.NewBaseRepository[counterDocument](provider, countersCollection), now: time.Now},
		audit:     &auditLogRepository{logs: pfirestore.NewBaseRepository[auditLogDocument](provider, auditLogsCollection)},
	}, nil
}

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }
func (r *Registry) Payments() repositories.PaymentRepository { return r.payments }
func (r *Registry) Inventory() repositories.InventoryRepository { return r.inventory }
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }
func (r *Registry) AuditLogs() repositories.AuditLogRepository { return r.audit }

// Ping checks the backend answers reads.
func (r *Registry) Ping(ctx context.Context) error { return r.provider.Ping(ctx) }

// Close releases the shared client.
func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

// RunInTx runs fn in one Firestore transaction. fn may be retried on contention, so it must not
// have side effects outside the repositories.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}
