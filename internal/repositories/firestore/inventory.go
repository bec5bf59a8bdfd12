package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/platform/pagination"
	"github.com/hanko-field/orders/internal/repositories"
)

const inventoryCollection = "inventory"

type stockDocument struct {
	Key       string    `firestore:"key"`
	ProductID string    `firestore:"productId"`
	VariantID string    `firestore:"variantId,omitempty"`
	Name      string    `firestore:"name"`
	UnitPrice int64     `firestore:"unitPrice"`
	Currency  string    `firestore:"currency"`
	Stock     int64     `firestore:"stock"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func newStockDocument(item domain.InventoryItem) stockDocument {
	return stockDocument{
		Key:       item.Key,
		ProductID: strings.TrimSpace(item.ProductID),
		VariantID: strings.TrimSpace(item.VariantID),
		Name:      item.Name,
		UnitPrice: item.UnitPrice,
		Currency:  item.Currency,
		Stock:     item.Stock,
		UpdatedAt: item.UpdatedAt.UTC(),
	}
}

func (d stockDocument) toDomain(id string) domain.InventoryItem {
	return domain.InventoryItem{
		Key:       id,
		ProductID: d.ProductID,
		VariantID: d.VariantID,
		Name:      d.Name,
		UnitPrice: d.UnitPrice,
		Currency:  d.Currency,
		Stock:     d.Stock,
		UpdatedAt: d.UpdatedAt,
	}
}

type inventoryRepository struct {
	provider *pfirestore.Provider
	stocks   *pfirestore.BaseRepository[stockDocument]
}

func (r *inventoryRepository) Get(ctx context.Context, key string) (domain.InventoryItem, error) {
	doc, err := r.stocks.Get(ctx, strings.TrimSpace(key))
	if err != nil {
		return domain.InventoryItem{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *inventoryRepository) GetMany(ctx context.Context, keys []string) (map[string]domain.InventoryItem, error) {
	docs, err := r.stocks.GetAll(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.InventoryItem, len(docs))
	for id, doc := range docs {
		out[id] = doc.Data.toDomain(id)
	}
	return out, nil
}

func (r *inventoryRepository) Upsert(ctx context.Context, item domain.InventoryItem) error {
	if item.Stock < 0 {
		return repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "stock must not be negative", nil)
	}
	if item.Key == "" {
		item.Key = domain.StockKey(item.ProductID, item.VariantID)
	}
	return r.stocks.Set(ctx, item.Key, newStockDocument(item))
}

func (r *inventoryRepository) Create(ctx context.Context, item domain.InventoryItem) error {
	if item.Stock < 0 {
		return repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "stock must not be negative", nil)
	}
	if item.Key == "" {
		item.Key = domain.StockKey(item.ProductID, item.VariantID)
	}
	return r.stocks.Create(ctx, item.Key, newStockDocument(item))
}

// Patch reads and writes in one transaction; Firestore retries it when a reservation commits
// against the same document in between.
func (r *inventoryRepository) Patch(ctx context.Context, key string, patch repositories.InventoryPatch) (domain.InventoryItem, domain.InventoryItem, error) {
	key = strings.TrimSpace(key)
	var before, after domain.InventoryItem
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		doc, err := r.stocks.Get(ctx, key)
		if err != nil {
			return err
		}
		before = doc.Data.toDomain(doc.ID)
		after = patch.Apply(before)
		if after.Stock < 0 {
			return repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "stock must not be negative", nil)
		}
		return r.stocks.Set(ctx, key, newStockDocument(after))
	})
	if err != nil {
		return domain.InventoryItem{}, domain.InventoryItem{}, wrapInventoryError("inventory.patch", err)
	}
	return before, after, nil
}

func (r *inventoryRepository) List(ctx context.Context, filter repositories.InventoryListFilter) (domain.CursorPage[domain.InventoryItem], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.InventoryItem]{}, repositories.NewStoreError("inventory.list", repositories.StoreErrorInternal, err)
	}
	size := pagination.NormalizeSize(filter.Pagination.PageSize, pagination.Options{})

	docs, err := r.stocks.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.ProductID != "" {
			q = q.Where("productId", "==", filter.ProductID)
		}
		if filter.MaxStock != nil {
			q = q.Where("stock", "<=", *filter.MaxStock).OrderBy("stock", firestore.Asc)
		}
		q = q.OrderBy("key", firestore.Asc)
		if cursor.ID != "" {
			if filter.MaxStock != nil {
				q = q.StartAfter(cursor.Number, cursor.ID)
			} else {
				q = q.StartAfter(cursor.ID)
			}
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.InventoryItem]{}, err
	}

	items := make([]domain.InventoryItem, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc.Data.toDomain(doc.ID))
	}
	page := domain.CursorPage[domain.InventoryItem]{Items: items}
	if len(items) > size {
		page.Items = items[:size]
		last := page.Items[size-1]
		page.NextPageToken, _ = pagination.EncodeToken(pagination.Cursor{ID: last.Key, Number: last.Stock})
	}
	return page, nil
}

// Reserve reads every requested record first and only then writes, as Firestore transactions
// require. Any shortage aborts before the first write.
func (r *inventoryRepository) Reserve(ctx context.Context, lines []domain.StockLine, now time.Time) ([]domain.InventoryItem, error) {
	return r.adjust(ctx, "inventory.reserve", lines, -1, now)
}

func (r *inventoryRepository) Release(ctx context.Context, lines []domain.StockLine, now time.Time) ([]domain.InventoryItem, error) {
	return r.adjust(ctx, "inventory.release", lines, 1, now)
}

func (r *inventoryRepository) adjust(ctx context.Context, op string, lines []domain.StockLine, sign int64, now time.Time) ([]domain.InventoryItem, error) {
	totals, keys, err := repositories.AggregateStockLines(op, lines)
	if err != nil {
		return nil, err
	}

	var updated []domain.InventoryItem
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := r.stocks.GetAll(ctx, keys)
		if err != nil {
			return err
		}
		for _, key := range keys {
			doc, ok := current[key]
			if !ok {
				notFound := repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("no stock record for %s", key), nil)
				notFound.Key = key
				return notFound
			}
			if sign < 0 && doc.Data.Stock < totals[key] {
				return repositories.NewInsufficientStockError(key, totals[key], doc.Data.Stock)
			}
		}

		updated = make([]domain.InventoryItem, 0, len(keys))
		for _, key := range keys {
			stock := current[key].Data
			stock.Stock += sign * totals[key]
			stock.UpdatedAt = now.UTC()
			if err := r.stocks.Set(ctx, key, stock); err != nil {
				return err
			}
			updated = append(updated, stock.toDomain(key))
		}
		return nil
	})
	if err != nil {
		return nil, wrapInventoryError(op, err)
	}
	return updated, nil
}

func wrapInventoryError(op string, err error) error {
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return pfirestore.WrapError(op, err)
}
