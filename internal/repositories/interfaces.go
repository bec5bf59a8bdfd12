package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
)

// Registry is what a storage backend hands to the service layer.
type Registry interface {
	UnitOfWork

	Orders() OrderRepository
	Payments() PaymentRepository
	Inventory() InventoryRepository
	Counters() CounterRepository
	AuditLogs() AuditLogRepository

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// UnitOfWork runs fn atomically. Repository calls made with the context passed to fn join the
// transaction; fn may be retried, so it must not have side effects outside the store. On
// Firestore all reads must precede the first write.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository stores orders. There is no delete.
type OrderRepository interface {
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
}

// OrderListFilter selects orders newest first. Empty fields do not filter.
type OrderListFilter struct {
	UserID     string
	Statuses   []domain.OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// PaymentRepository stores payment attempts keyed by payment id.
type PaymentRepository interface {
	FindByID(ctx context.Context, paymentID string) (domain.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
	Insert(ctx context.Context, payment domain.Payment) error
	Update(ctx context.Context, payment domain.Payment) error
}

// InventoryRepository holds stock per SKU key.
type InventoryRepository interface {
	Get(ctx context.Context, key string) (domain.InventoryItem, error)
	GetMany(ctx context.Context, keys []string) (map[string]domain.InventoryItem, error)
	List(ctx context.Context, filter InventoryListFilter) (domain.CursorPage[domain.InventoryItem], error)
	// Upsert replaces the whole record. It is meant for seeding; admin edits go through
	// Create and Patch.
	Upsert(ctx context.Context, item domain.InventoryItem) error
	// Create fails with a conflict when the key already exists.
	Create(ctx context.Context, item domain.InventoryItem) error
	// Patch applies patch to the stored record atomically with respect to Reserve and Release
	// and returns the record before and after the change.
	Patch(ctx context.Context, key string, patch InventoryPatch) (before, after domain.InventoryItem, err error)

	// Reserve takes every line or nothing. On shortage it returns an *InventoryError coded
	// InventoryErrorInsufficientStock for the first key that cannot be covered.
	Reserve(ctx context.Context, lines []domain.StockLine, now time.Time) ([]domain.InventoryItem, error)
	// Release returns every line to stock.
	Release(ctx context.Context, lines []domain.StockLine, now time.Time) ([]domain.InventoryItem, error)
}

// InventoryPatch names the fields an admin edit sets. Nil fields keep the stored value, so an
// edit that leaves Stock nil never races a concurrent reservation.
type InventoryPatch struct {
	Name      *string
	UnitPrice *int64
	Currency  *string
	Stock     *int64
	UpdatedAt time.Time
}

// Apply returns item with the supplied fields overwritten.
func (p InventoryPatch) Apply(item domain.InventoryItem) domain.InventoryItem {
	if p.Name != nil {
		item.Name = *p.Name
	}
	if p.UnitPrice != nil {
		item.UnitPrice = *p.UnitPrice
	}
	if p.Currency != nil {
		item.Currency = *p.Currency
	}
	if p.Stock != nil {
		item.Stock = *p.Stock
	}
	if !p.UpdatedAt.IsZero() {
		item.UpdatedAt = p.UpdatedAt
	}
	return item
}

// InventoryListFilter selects inventory by key order. MaxStock limits results to low stock.
type InventoryListFilter struct {
	ProductID  string
	MaxStock   *int64
	Pagination domain.Pagination
}

// CounterRepository hands out sequence values and is safe to call inside RunInTx.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// AuditLogRepository is append only.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// HealthRepository reports on the backends behind /readyz.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
