package firestore

import (
	"context"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/platform/pagination"
	"github.com/hanko-field/orders/internal/repositories"
)

const ordersCollection = "orders"

type orderDocument struct {
	ID              string                `firestore:"id"`
	Number          string                `firestore:"number"`
	UserID          string                `firestore:"userId"`
	Status          string                `firestore:"status"`
	Currency        string                `firestore:"currency"`
	Items           []orderItemDocument   `firestore:"items"`
	Total           int64                 `firestore:"total"`
	Contact         contactDocument       `firestore:"contact"`
	ShippingAddress addressDocument       `firestore:"shippingAddress"`
	StatusHistory   []statusEntryDocument `firestore:"statusHistory"`
	StockReserved   bool                  `firestore:"stockReserved"`
	CancelReason    string                `firestore:"cancelReason,omitempty"`
	CreatedAt       time.Time             `firestore:"createdAt"`
	UpdatedAt       time.Time             `firestore:"updatedAt"`
	ConfirmedAt     *time.Time            `firestore:"confirmedAt,omitempty"`
	PaidAt          *time.Time            `firestore:"paidAt,omitempty"`
	ShippedAt       *time.Time            `firestore:"shippedAt,omitempty"`
	DeliveredAt     *time.Time            `firestore:"deliveredAt,omitempty"`
	CancelledAt     *time.Time            `firestore:"cancelledAt,omitempty"`
	FailedAt        *time.Time            `firestore:"failedAt,omitempty"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	VariantID string `firestore:"variantId,omitempty"`
	Name      string `firestore:"name"`
	Quantity  int    `firestore:"quantity"`
	UnitPrice int64  `firestore:"unitPrice"`
	Subtotal  int64  `firestore:"subtotal"`
}

type contactDocument struct {
	Email string `firestore:"email"`
	Phone string `firestore:"phone,omitempty"`
}

type addressDocument struct {
	Recipient  string `firestore:"recipient"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
}

type statusEntryDocument struct {
	Status string    `firestore:"status"`
	At     time.Time `firestore:"at"`
	Actor  string    `firestore:"actor"`
	Note   string    `firestore:"note,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument(item)
	}
	history := make([]statusEntryDocument, len(order.StatusHistory))
	for i, entry := range order.StatusHistory {
		history[i] = statusEntryDocument{
			Status: string(entry.Status),
			At:     entry.At.UTC(),
			Actor:  entry.Actor,
			Note:   entry.Note,
		}
	}
	return orderDocument{
		ID:              order.ID,
		Number:          order.Number,
		UserID:          order.UserID,
		Status:          string(order.Status),
		Currency:        order.Currency,
		Items:           items,
		Total:           order.Total,
		Contact:         contactDocument(order.Contact),
		ShippingAddress: addressDocument(order.ShippingAddress),
		StatusHistory:   history,
		StockReserved:   order.StockReserved,
		CancelReason:    order.CancelReason,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
		ConfirmedAt:     order.ConfirmedAt,
		PaidAt:          order.PaidAt,
		ShippedAt:       order.ShippedAt,
		DeliveredAt:     order.DeliveredAt,
		CancelledAt:     order.CancelledAt,
		FailedAt:        order.FailedAt,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderLineItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderLineItem(item)
	}
	history := make([]domain.StatusHistoryEntry, len(d.StatusHistory))
	for i, entry := range d.StatusHistory {
		history[i] = domain.StatusHistoryEntry{
			Status: domain.OrderStatus(entry.Status),
			At:     entry.At,
			Actor:  entry.Actor,
			Note:   entry.Note,
		}
	}
	return domain.Order{
		ID:              id,
		Number:          d.Number,
		UserID:          d.UserID,
		Status:          domain.OrderStatus(d.Status),
		Currency:        d.Currency,
		Items:           items,
		Total:           d.Total,
		Contact:         domain.ContactInfo(d.Contact),
		ShippingAddress: domain.Address(d.ShippingAddress),
		StatusHistory:   history,
		StockReserved:   d.StockReserved,
		CancelReason:    d.CancelReason,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		ConfirmedAt:     d.ConfirmedAt,
		PaidAt:          d.PaidAt,
		ShippedAt:       d.ShippedAt,
		DeliveredAt:     d.DeliveredAt,
		CancelledAt:     d.CancelledAt,
		FailedAt:        d.FailedAt,
	}
}

type orderRepository struct {
	orders *pfirestore.BaseRepository[orderDocument]
}

func (r *orderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.orders.Create(ctx, order.ID, newOrderDocument(order))
}

func (r *orderRepository) Update(ctx context.Context, order domain.Order) error {
	return r.orders.Replace(ctx, order.ID, newOrderDocument(order))
}

func (r *orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// List orders newest first. Status and date filters together need the composite index on
// (userId, status, createdAt desc, id desc).
func (r *orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.NewStoreError("orders.list", repositories.StoreErrorInternal, err)
	}
	size := pagination.NormalizeSize(filter.Pagination.PageSize, pagination.Options{})

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.UserID != "" {
			q = q.Where("userId", "==", filter.UserID)
		}
		switch len(filter.Statuses) {
		case 0:
		case 1:
			q = q.Where("status", "==", string(filter.Statuses[0]))
		default:
			statuses := make([]string, len(filter.Statuses))
			for i, status := range filter.Statuses {
				statuses[i] = string(status)
			}
			q = q.Where("status", "in", statuses)
		}
		if from := filter.DateRange.From; from != nil {
			q = q.Where("createdAt", ">=", from.UTC())
		}
		if to := filter.DateRange.To; to != nil {
			q = q.Where("createdAt", "<=", to.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy("id", firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt.UTC(), cursor.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	page := domain.CursorPage[domain.Order]{Items: orders}
	if len(orders) > size {
		page.Items = orders[:size]
		last := page.Items[size-1]
		page.NextPageToken, _ = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}
