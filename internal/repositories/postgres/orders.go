package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/pagination"
	"github.com/hanko-field/orders/internal/repositories"
)

const orderColumns = `id, number, user_id, status, currency, items, total, contact, shipping_address,
	status_history, stock_reserved, cancel_reason, created_at, updated_at, confirmed_at, paid_at,
	shipped_at, delivered_at, cancelled_at, failed_at`

type orderItemRow struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Subtotal  int64  `json:"subtotal"`
}

type contactRow struct {
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type addressRow struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type statusEntryRow struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Note   string    `json:"note,omitempty"`
}

type orderRepository struct {
	reg *Registry
}

func (r *orderRepository) Insert(ctx context.Context, order domain.Order) error {
	args, err := orderArgs(order)
	if err != nil {
		return repositories.NewStoreError("orders.insert", repositories.StoreErrorInternal, err)
	}
	_, err = r.reg.db(ctx).Exec(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`, args...)
	return wrapError("orders.insert", err)
}

func (r *orderRepository) Update(ctx context.Context, order domain.Order) error {
	args, err := orderArgs(order)
	if err != nil {
		return repositories.NewStoreError("orders.update", repositories.StoreErrorInternal, err)
	}
	tag, err := r.reg.db(ctx).Exec(ctx, `UPDATE orders SET
		number = $2, user_id = $3, status = $4, currency = $5, items = $6, total = $7, contact = $8,
		shipping_address = $9, status_history = $10, stock_reserved = $11, cancel_reason = $12,
		created_at = $13, updated_at = $14, confirmed_at = $15, paid_at = $16, shipped_at = $17,
		delivered_at = $18, cancelled_at = $19, failed_at = $20
		WHERE id = $1`, args...)
	if err != nil {
		return wrapError("orders.update", err)
	}
	if tag.RowsAffected() == 0 {
		return repositories.NewStoreError("orders.update", repositories.StoreErrorNotFound, fmt.Errorf("order %s not found", order.ID))
	}
	return nil
}

func (r *orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	row := r.reg.db(ctx).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, strings.TrimSpace(orderID))
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, wrapError("orders.find", err)
	}
	return order, nil
}

// List orders newest first using (created_at, id) keyset pagination.
func (r *orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.NewStoreError("orders.list", repositories.StoreErrorInternal, err)
	}
	size := pagination.NormalizeSize(filter.Pagination.PageSize, pagination.Options{})

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.UserID != "" {
		where = append(where, "user_id = "+arg(filter.UserID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if from := filter.DateRange.From; from != nil {
		where = append(where, "created_at >= "+arg(from.UTC()))
	}
	if to := filter.DateRange.To; to != nil {
		where = append(where, "created_at <= "+arg(to.UTC()))
	}
	if !cursor.IsZero() {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(cursor.CreatedAt.UTC()), arg(cursor.ID)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(size+1)

	rows, err := r.reg.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapError("orders.list", err)
	}
	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapError("orders.list", err)
	}

	page := domain.CursorPage[domain.Order]{Items: orders}
	if len(orders) > size {
		page.Items = orders[:size]
		last := page.Items[size-1]
		page.NextPageToken, _ = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

func orderArgs(order domain.Order) ([]any, error) {
	items := make([]orderItemRow, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemRow(item)
	}
	history := make([]statusEntryRow, len(order.StatusHistory))
	for i, entry := range order.StatusHistory {
		history[i] = statusEntryRow{Status: string(entry.Status), At: entry.At.UTC(), Actor: entry.Actor, Note: entry.Note}
	}

	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode items: %w", err)
	}
	contactJSON, err := json.Marshal(contactRow(order.Contact))
	if err != nil {
		return nil, fmt.Errorf("encode contact: %w", err)
	}
	addressJSON, err := json.Marshal(addressRow(order.ShippingAddress))
	if err != nil {
		return nil, fmt.Errorf("encode shipping address: %w", err)
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("encode status history: %w", err)
	}

	return []any{
		order.ID, order.Number, order.UserID, string(order.Status), order.Currency,
		itemsJSON, order.Total, contactJSON, addressJSON, historyJSON,
		order.StockReserved, order.CancelReason, order.CreatedAt.UTC(), order.UpdatedAt.UTC(),
		order.ConfirmedAt, order.PaidAt, order.ShippedAt, order.DeliveredAt, order.CancelledAt, order.FailedAt,
	}, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order       domain.Order
		status      string
		itemsJSON   []byte
		contactJSON []byte
		addressJSON []byte
		historyJSON []byte
		items       []orderItemRow
		contact     contactRow
		address     addressRow
		history     []statusEntryRow
	)
	if err := row.Scan(
		&order.ID, &order.Number, &order.UserID, &status, &order.Currency,
		&itemsJSON, &order.Total, &contactJSON, &addressJSON, &historyJSON,
		&order.StockReserved, &order.CancelReason, &order.CreatedAt, &order.UpdatedAt,
		&order.ConfirmedAt, &order.PaidAt, &order.ShippedAt, &order.DeliveredAt, &order.CancelledAt, &order.FailedAt,
	); err != nil {
		return domain.Order{}, err
	}
	if err := json.Unmarshal(itemsJSON, &items); err != nil {
		return domain.Order{}, fmt.Errorf("decode items: %w", err)
	}
	if err := json.Unmarshal(contactJSON, &contact); err != nil {
		return domain.Order{}, fmt.Errorf("decode contact: %w", err)
	}
	if err := json.Unmarshal(addressJSON, &address); err != nil {
		return domain.Order{}, fmt.Errorf("decode shipping address: %w", err)
	}
	if err := json.Unmarshal(historyJSON, &history); err != nil {
		return domain.Order{}, fmt.Errorf("decode status history: %w", err)
	}

	order.Status = domain.OrderStatus(status)
	order.Items = make([]domain.OrderLineItem, len(items))
	for i, item := range items {
		order.Items[i] = domain.OrderLineItem(item)
	}
	order.Contact = domain.ContactInfo(contact)
	order.ShippingAddress = domain.Address(address)
	order.StatusHistory = make([]domain.StatusHistoryEntry, len(history))
	for i, entry := range history {
		order.StatusHistory[i] = domain.StatusHistoryEntry{
			Status: domain.OrderStatus(entry.Status),
			At:     entry.At,
			Actor:  entry.Actor,
			Note:   entry.Note,
		}
	}
	return order, nil
}
