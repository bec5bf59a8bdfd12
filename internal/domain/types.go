package domain

import (
	"strings"
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage wraps a page of results with the token for the next page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

var orderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusPaid,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusFailed,
}

// OrderStatuses returns every known order status in lifecycle order.
func OrderStatuses() []OrderStatus {
	out := make([]OrderStatus, len(orderStatuses))
	copy(out, orderStatuses)
	return out
}

// ParseOrderStatus normalises raw input into a known OrderStatus. "canceled" is accepted as an alias.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "canceled" {
		value = string(OrderStatusCancelled)
	}
	for _, status := range orderStatuses {
		if string(status) == value {
			return status, true
		}
	}
	return "", false
}

// Valid reports whether the status is a member of the known set.
func (s OrderStatus) Valid() bool {
	for _, status := range orderStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// StockKey returns the inventory key for a product or one of its variants.
func StockKey(productID, variantID string) string {
	productID = strings.TrimSpace(productID)
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return productID
	}
	return productID + "~" + variantID
}

// SplitStockKey reverses StockKey.
func SplitStockKey(key string) (productID, variantID string) {
	productID, variantID, _ = strings.Cut(strings.TrimSpace(key), "~")
	return productID, variantID
}

// OrderLineItem captures a product snapshot within an order. UnitPrice is fixed at creation.
type OrderLineItem struct {
	ProductID string
	VariantID string
	Name      string
	Quantity  int
	UnitPrice int64
	Subtotal  int64
}

// StockKey returns the inventory key the line item draws from.
func (i OrderLineItem) StockKey() string {
	return StockKey(i.ProductID, i.VariantID)
}

// ContactInfo stores how the customer can be reached about an order.
type ContactInfo struct {
	Email string
	Phone string
}

// Address represents a shipping destination.
type Address struct {
	Recipient  string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// StatusHistoryEntry is a single append-only audit record of an order status change.
type StatusHistoryEntry struct {
	Status OrderStatus
	At     time.Time
	Actor  string
	Note   string
}

// Order is a customer's purchase record tracked through its lifecycle.
type Order struct {
	ID              string
	Number          string
	UserID          string
	Status          OrderStatus
	Currency        string
	Items           []OrderLineItem
	Total           int64
	Contact         ContactInfo
	ShippingAddress Address
	StatusHistory   []StatusHistoryEntry
	StockReserved   bool
	CancelReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ConfirmedAt     *time.Time
	PaidAt          *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
	FailedAt        *time.Time
}

// PaymentStatus enumerates payment record states.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSuccess   PaymentStatus = "success"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// ParsePaymentStatus normalises raw input into a PaymentStatus.
func ParsePaymentStatus(raw string) (PaymentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return PaymentStatusPending, true
	case "success", "succeeded":
		return PaymentStatusSuccess, true
	case "failed", "failure":
		return PaymentStatusFailed, true
	case "cancelled", "canceled":
		return PaymentStatusCancelled, true
	default:
		return "", false
	}
}

// PaymentMethod enumerates accepted payment methods.
type PaymentMethod string

const (
	PaymentMethodCard           PaymentMethod = "card"
	PaymentMethodBankTransfer   PaymentMethod = "bank_transfer"
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
	PaymentMethodWallet         PaymentMethod = "wallet"
)

// ParsePaymentMethod normalises raw input into a PaymentMethod.
func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	switch method := PaymentMethod(strings.ToLower(strings.TrimSpace(raw))); method {
	case PaymentMethodCard, PaymentMethodBankTransfer, PaymentMethodCashOnDelivery, PaymentMethodWallet:
		return method, true
	default:
		return "", false
	}
}

// Payment records one attempt to pay for an order.
type Payment struct {
	ID                    string
	OrderID               string
	UserID                string
	Provider              string
	Method                PaymentMethod
	Status                PaymentStatus
	Amount                int64
	Currency              string
	ExternalTransactionID string
	FailureReason         string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	SettledAt             *time.Time
}

// InventoryItem holds the sellable stock and list price of a product or variant.
type InventoryItem struct {
	Key       string
	ProductID string
	VariantID string
	Name      string
	UnitPrice int64
	Currency  string
	Stock     int64
	UpdatedAt time.Time
}

// StockLine requests a quantity of a product or variant.
type StockLine struct {
	ProductID string
	VariantID string
	Quantity  int
}

// Key returns the inventory key of the line.
func (l StockLine) Key() string {
	return StockKey(l.ProductID, l.VariantID)
}

// ReportGrouping selects how order summaries are bucketed.
type ReportGrouping string

const (
	ReportGroupByStatus ReportGrouping = "status"
	ReportGroupByDay    ReportGrouping = "day"
)

// OrderSummaryBucket aggregates orders sharing a status or creation day.
type OrderSummaryBucket struct {
	Key             string
	Count           int
	CountByCurrency map[string]int
	GrossTotal      map[string]int64
	Revenue         map[string]int64
}

// OrderSummary is the dashboard projection over a set of orders.
type OrderSummary struct {
	GroupBy      ReportGrouping
	From         *time.Time
	To           *time.Time
	Buckets      []OrderSummaryBucket
	TotalCount   int
	TotalRevenue map[string]int64
	GeneratedAt  time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// AuditLogEntry stores normalized audit information for admin use.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Metadata  map[string]any
	Diff      map[string]any
	Severity  string
	RequestID string
	CreatedAt time.Time
}
