package memory

import (
	"context"
	"slices"
	"strings"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/pagination"
	"github.com/hanko-field/orders/internal/repositories"
)

type orderRepository struct {
	reg *Registry
}

func (r *orderRepository) Insert(ctx context.Context, order domain.Order) error {
	defer r.reg.lock(ctx)()
	if _, exists := r.reg.state.orders[order.ID]; exists {
		return conflict("orders.insert")
	}
	r.reg.state.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *orderRepository) Update(ctx context.Context, order domain.Order) error {
	defer r.reg.lock(ctx)()
	if _, exists := r.reg.state.orders[order.ID]; !exists {
		return notFound("orders.update")
	}
	r.reg.state.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	defer r.reg.lock(ctx)()
	order, ok := r.reg.state.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, notFound("orders.find")
	}
	return cloneOrder(order), nil
}

func (r *orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.NewStoreError("orders.list", repositories.StoreErrorInternal, err)
	}
	size := pagination.NormalizeSize(filter.Pagination.PageSize, pagination.Options{})

	unlock := r.reg.lock(ctx)
	matched := make([]domain.Order, 0)
	for _, order := range r.reg.state.orders {
		if matchesOrderFilter(order, filter) {
			matched = append(matched, order)
		}
	}
	unlock()

	slices.SortFunc(matched, compareOrdersNewestFirst)

	page, next, err := pagination.Slice(matched, size,
		func(o domain.Order) bool { return cursor.ServedNewestFirst(o.CreatedAt, o.ID) },
		func(o domain.Order) pagination.Cursor { return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID} },
	)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.NewStoreError("orders.list", repositories.StoreErrorInternal, err)
	}
	for i := range page {
		page[i] = cloneOrder(page[i])
	}
	return domain.CursorPage[domain.Order]{Items: page, NextPageToken: next}, nil
}

func matchesOrderFilter(order domain.Order, filter repositories.OrderListFilter) bool {
	if filter.UserID != "" && order.UserID != filter.UserID {
		return false
	}
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, order.Status) {
		return false
	}
	if from := filter.DateRange.From; from != nil && order.CreatedAt.Before(*from) {
		return false
	}
	if to := filter.DateRange.To; to != nil && order.CreatedAt.After(*to) {
		return false
	}
	return true
}

func compareOrdersNewestFirst(a, b domain.Order) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}
