package services

import (
	"context"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderLineItem      = domain.OrderLineItem
	StatusHistoryEntry = domain.StatusHistoryEntry
	ContactInfo        = domain.ContactInfo
	Address            = domain.Address
	Payment            = domain.Payment
	PaymentStatus      = domain.PaymentStatus
	PaymentMethod      = domain.PaymentMethod
	InventoryItem      = domain.InventoryItem
	StockLine          = domain.StockLine
	OrderSummary       = domain.OrderSummary
	OrderSummaryBucket = domain.OrderSummaryBucket
	ReportGrouping     = domain.ReportGrouping
	AuditLogEntry      = domain.AuditLogEntry
	SystemHealthReport = domain.SystemHealthReport
	SystemHealthCheck  = domain.SystemHealthCheck
)

// OrderService owns order creation and the status lifecycle.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (TransitionResult, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (TransitionResult, error)
	UpdateCustomerInfo(ctx context.Context, cmd UpdateCustomerInfoCommand) (Order, error)
	ExpirePendingOrders(ctx context.Context, cmd ExpirePendingOrdersCommand) (ExpirePendingOrdersResult, error)
}

// InventoryService manages per-product stock counts and all-or-nothing reservations.
type InventoryService interface {
	ReserveStock(ctx context.Context, cmd InventoryStockCommand) ([]InventoryItem, error)
	ReleaseStock(ctx context.Context, cmd InventoryStockCommand) ([]InventoryItem, error)
	GetItem(ctx context.Context, productID, variantID string) (InventoryItem, error)
	LookupItems(ctx context.Context, keys []string) (map[string]InventoryItem, error)
	ListItems(ctx context.Context, filter InventoryListFilter) (domain.CursorPage[InventoryItem], error)
	UpsertItem(ctx context.Context, cmd UpsertInventoryItemCommand) (InventoryItem, error)
}

// PaymentService records payment attempts and links their outcome to the order lifecycle.
type PaymentService interface {
	CreatePayment(ctx context.Context, cmd CreatePaymentCommand) (Payment, error)
	GetPayment(ctx context.Context, paymentID string, opts PaymentReadOptions) (Payment, error)
	ListPayments(ctx context.Context, orderID string, opts PaymentReadOptions) ([]Payment, error)
	RecordPaymentResult(ctx context.Context, cmd RecordPaymentResultCommand) (PaymentResult, error)
}

// ReportingService exposes read-only projections over orders.
type ReportingService interface {
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	SummarizeOrders(ctx context.Context, filter OrderSummaryFilter) (OrderSummary, error)
	ExportSummary(ctx context.Context, filter OrderSummaryFilter) (ReportExport, error)
}

// CounterService issues human readable sequence numbers.
type CounterService interface {
	NextOrderNumber(ctx context.Context) (string, error)
}

// AuditLogService writes and lists the admin audit trail.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// SystemService exposes health information.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// Order commands ------------------------------------------------------------

type CreateOrderItem struct {
	ProductID string
	VariantID string
	Quantity  int
}

type CreateOrderCommand struct {
	UserID          string
	ActorID         string
	Currency        string
	Items           []CreateOrderItem
	Contact         ContactInfo
	ShippingAddress Address
	Note            string
}

type OrderReadOptions struct {
	// UserID restricts the lookup to orders owned by the user. Empty means unrestricted.
	UserID string
}

type OrderStatusTransitionCommand struct {
	OrderID        string
	TargetStatus   OrderStatus
	ActorID        string
	Note           string
	UserID         string
	ExpectedStatus *OrderStatus
	Metadata       map[string]any
}

type CancelOrderCommand struct {
	OrderID        string
	ActorID        string
	Reason         string
	UserID         string
	ExpectedStatus *OrderStatus
}

type UpdateCustomerInfoCommand struct {
	OrderID         string
	ActorID         string
	UserID          string
	Contact         *ContactInfo
	ShippingAddress *Address
}

type ExpirePendingOrdersCommand struct {
	OlderThan time.Duration
	Limit     int
	ActorID   string
}

// TransitionResult reports the outcome of a status change. NoOp is set when the order was already
// in the requested status and nothing was written.
type TransitionResult struct {
	Order          Order
	PreviousStatus OrderStatus
	NoOp           bool
}

type ExpirePendingOrdersResult struct {
	Examined int
	Failed   []string
	Skipped  int
}

type OrderListFilter struct {
	UserID     string
	Statuses   []OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}

// Inventory commands --------------------------------------------------------

type InventoryStockCommand struct {
	OrderID string
	ActorID string
	Lines   []StockLine
}

type UpsertInventoryItemCommand struct {
	ProductID string
	VariantID string
	Name      *string
	UnitPrice *int64
	Currency  *string
	Stock     *int64
	ActorID   string
}

type InventoryListFilter struct {
	ProductID  string
	MaxStock   *int64
	Pagination Pagination
}

// Payment commands ----------------------------------------------------------

type CreatePaymentCommand struct {
	OrderID               string
	UserID                string
	ActorID               string
	Provider              string
	Method                PaymentMethod
	Amount                int64
	ExternalTransactionID string
}

type PaymentReadOptions struct {
	UserID string
}

type RecordPaymentResultCommand struct {
	PaymentID             string
	OrderID               string
	Outcome               PaymentStatus
	ExternalTransactionID string
	FailureReason         string
	ActorID               string
	Source                string
}

// PaymentResult describes what recording a payment outcome changed.
type PaymentResult struct {
	Payment        Payment
	Order          Order
	NoOp           bool
	OrderChanged   bool
	Overpaid       bool
	RequiresReview bool
}

// Reporting -----------------------------------------------------------------

type OrderSummaryFilter struct {
	UserID   string
	Statuses []OrderStatus
	From     *time.Time
	To       *time.Time
	GroupBy  ReportGrouping
}

type ReportExport struct {
	Location          string
	ContentType       string
	Size              int
	GeneratedAt       time.Time
	DownloadURL       string
	DownloadExpiresAt *time.Time
}

// ReportWriter stores rendered report files.
type ReportWriter interface {
	WriteReport(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// ReportLinker is optionally implemented by a ReportWriter that can hand out time-limited
// download links for stored reports.
type ReportLinker interface {
	DownloadURL(ctx context.Context, location string) (string, time.Time, error)
}

// Audit ---------------------------------------------------------------------

type AuditLogRecord struct {
	Actor                 string
	ActorType             string
	Action                string
	TargetRef             string
	Severity              string
	RequestID             string
	OccurredAt            time.Time
	Metadata              map[string]any
	Diff                  map[string]AuditLogDiff
	SensitiveMetadataKeys []string
}

// AuditLogDiff captures before/after values for tracked fields.
type AuditLogDiff struct {
	Before any
	After  any
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}

// Events --------------------------------------------------------------------

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	UserID         string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// PaymentEventPublisher publishes payment domain events.
type PaymentEventPublisher interface {
	PublishPaymentEvent(ctx context.Context, event PaymentEvent) error
}

// PaymentEvent captures metadata for emitted payment events.
type PaymentEvent struct {
	Type       string
	PaymentID  string
	OrderID    string
	Status     string
	Amount     int64
	Currency   string
	ActorID    string
	OccurredAt time.Time
	Metadata   map[string]any
}
