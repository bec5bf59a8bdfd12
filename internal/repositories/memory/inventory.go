package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/pagination"
	"github.com/hanko-field/orders/internal/repositories"
)

type inventoryRepository struct {
	reg *Registry
}

func (r *inventoryRepository) Get(ctx context.Context, key string) (domain.InventoryItem, error) {
	defer r.reg.lock(ctx)()
	item, ok := r.reg.state.inventory[strings.TrimSpace(key)]
	if !ok {
		return domain.InventoryItem{}, notFound("inventory.get")
	}
	return item, nil
}

func (r *inventoryRepository) GetMany(ctx context.Context, keys []string) (map[string]domain.InventoryItem, error) {
	defer r.reg.lock(ctx)()
	out := make(map[string]domain.InventoryItem, len(keys))
	for _, key := range keys {
		if item, ok := r.reg.state.inventory[key]; ok {
			out[key] = item
		}
	}
	return out, nil
}

func (r *inventoryRepository) Upsert(ctx context.Context, item domain.InventoryItem) error {
	if item.Stock < 0 {
		return repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "stock must not be negative", nil)
	}
	defer r.reg.lock(ctx)()
	if item.Key == "" {
		item.Key = domain.StockKey(item.ProductID, item.VariantID)
	}
	r.reg.state.inventory[item.Key] = item
	return nil
}

func (r *inventoryRepository) Create(ctx context.Context, item domain.InventoryItem) error {
	if item.Stock < 0 {
		return repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "stock must not be negative", nil)
	}
	defer r.reg.lock(ctx)()
	if item.Key == "" {
		item.Key = domain.StockKey(item.ProductID, item.VariantID)
	}
	if _, exists := r.reg.state.inventory[item.Key]; exists {
		return conflict("inventory.create")
	}
	r.reg.state.inventory[item.Key] = item
	return nil
}

func (r *inventoryRepository) Patch(ctx context.Context, key string, patch repositories.InventoryPatch) (domain.InventoryItem, domain.InventoryItem, error) {
	defer r.reg.lock(ctx)()
	key = strings.TrimSpace(key)
	before, ok := r.reg.state.inventory[key]
	if !ok {
		return domain.InventoryItem{}, domain.InventoryItem{}, notFound("inventory.patch")
	}
	after := patch.Apply(before)
	if after.Stock < 0 {
		return domain.InventoryItem{}, domain.InventoryItem{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "stock must not be negative", nil)
	}
	r.reg.state.inventory[key] = after
	return before, after, nil
}

func (r *inventoryRepository) List(ctx context.Context, filter repositories.InventoryListFilter) (domain.CursorPage[domain.InventoryItem], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.InventoryItem]{}, repositories.NewStoreError("inventory.list", repositories.StoreErrorInternal, err)
	}
	size := pagination.NormalizeSize(filter.Pagination.PageSize, pagination.Options{})

	unlock := r.reg.lock(ctx)
	items := make([]domain.InventoryItem, 0, len(r.reg.state.inventory))
	for _, item := range r.reg.state.inventory {
		if filter.ProductID != "" && item.ProductID != filter.ProductID {
			continue
		}
		if filter.MaxStock != nil && item.Stock > *filter.MaxStock {
			continue
		}
		items = append(items, item)
	}
	unlock()

	slices.SortFunc(items, func(a, b domain.InventoryItem) int { return strings.Compare(a.Key, b.Key) })

	page, next, err := pagination.Slice(items, size,
		func(item domain.InventoryItem) bool { return cursor.ServedByKey(item.Key) },
		func(item domain.InventoryItem) pagination.Cursor { return pagination.Cursor{ID: item.Key} },
	)
	if err != nil {
		return domain.CursorPage[domain.InventoryItem]{}, repositories.NewStoreError("inventory.list", repositories.StoreErrorInternal, err)
	}
	return domain.CursorPage[domain.InventoryItem]{Items: page, NextPageToken: next}, nil
}

// Reserve validates every line against the current counts before mutating any of them.
func (r *inventoryRepository) Reserve(ctx context.Context, lines []domain.StockLine, now time.Time) ([]domain.InventoryItem, error) {
	defer r.reg.lock(ctx)()

	totals, order, err := repositories.AggregateStockLines("inventory.reserve", lines)
	if err != nil {
		return nil, err
	}
	for _, key := range order {
		item, ok := r.reg.state.inventory[key]
		if !ok {
			return nil, stockNotFound("inventory.reserve", key)
		}
		if item.Stock < totals[key] {
			shortage := repositories.NewInsufficientStockError(key, totals[key], item.Stock)
			shortage.Op = "inventory.reserve"
			return nil, shortage
		}
	}
	return r.apply(order, totals, -1, now), nil
}

func (r *inventoryRepository) Release(ctx context.Context, lines []domain.StockLine, now time.Time) ([]domain.InventoryItem, error) {
	defer r.reg.lock(ctx)()

	totals, order, err := repositories.AggregateStockLines("inventory.release", lines)
	if err != nil {
		return nil, err
	}
	for _, key := range order {
		if _, ok := r.reg.state.inventory[key]; !ok {
			return nil, stockNotFound("inventory.release", key)
		}
	}
	return r.apply(order, totals, 1, now), nil
}

func (r *inventoryRepository) apply(order []string, totals map[string]int64, sign int64, now time.Time) []domain.InventoryItem {
	updated := make([]domain.InventoryItem, 0, len(order))
	for _, key := range order {
		item := r.reg.state.inventory[key]
		item.Stock += sign * totals[key]
		item.UpdatedAt = now
		r.reg.state.inventory[key] = item
		updated = append(updated, item)
	}
	return updated
}

func stockNotFound(op, key string) error {
	err := repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("no stock record for %s", key), nil)
	err.Op = op
	err.Key = key
	return err
}
