package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/pagination"
	"github.com/hanko-field/orders/internal/repositories"
)

const inventoryColumns = `key, product_id, variant_id, name, unit_price, currency, stock, updated_at`

type inventoryRepository struct {
	reg *Registry
}

func (r *inventoryRepository) Get(ctx context.Context, key string) (domain.InventoryItem, error) {
	row := r.reg.db(ctx).QueryRow(ctx, `SELECT `+inventoryColumns+` FROM inventory WHERE key = $1`, strings.TrimSpace(key))
	item, err := scanInventory(row)
	if err != nil {
		return domain.InventoryItem{}, wrapError("inventory.get", err)
	}
	return item, nil
}

func (r *inventoryRepository) GetMany(ctx context.Context, keys []string) (map[string]domain.InventoryItem, error) {
	out := make(map[string]domain.InventoryItem, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := r.reg.db(ctx).Query(ctx, `SELECT `+inventoryColumns+` FROM inventory WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, wrapError("inventory.get_many", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.InventoryItem, error) {
		return scanInventory(row)
	})
	if err != nil {
		return nil, wrapError("inventory.get_many", err)
	}
	for _, item := range items {
		out[item.Key] = item
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
	_, err := r.reg.db(ctx).Exec(ctx, `INSERT INTO inventory (`+inventoryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key) DO UPDATE SET product_id = EXCLUDED.product_id, variant_id = EXCLUDED.variant_id,
			name = EXCLUDED.name, unit_price = EXCLUDED.unit_price, currency = EXCLUDED.currency,
			stock = EXCLUDED.stock, updated_at = EXCLUDED.updated_at`,
		item.Key, strings.TrimSpace(item.ProductID), strings.TrimSpace(item.VariantID), item.Name,
		item.UnitPrice, item.Currency, item.Stock, item.UpdatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
		return repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, pgErr.Message, err)
	}
	return wrapError("inventory.upsert", err)
}

func (r *inventoryRepository) Create(ctx context.Context, item domain.InventoryItem) error {
	if item.Stock < 0 {
		return repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "stock must not be negative", nil)
	}
	if item.Key == "" {
		item.Key = domain.StockKey(item.ProductID, item.VariantID)
	}
	_, err := r.reg.db(ctx).Exec(ctx, `INSERT INTO inventory (`+inventoryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		item.Key, strings.TrimSpace(item.ProductID), strings.TrimSpace(item.VariantID), item.Name,
		item.UnitPrice, item.Currency, item.Stock, item.UpdatedAt.UTC())
	return wrapError("inventory.create", err)
}

// Patch holds the row lock from read to write, so a concurrent Reserve either commits first and
// is seen here, or waits for this update.
func (r *inventoryRepository) Patch(ctx context.Context, key string, patch repositories.InventoryPatch) (domain.InventoryItem, domain.InventoryItem, error) {
	const op = "inventory.patch"
	var none domain.InventoryItem

	tx, err := r.reg.db(ctx).Begin(ctx)
	if err != nil {
		return none, none, wrapError(op, err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	before, err := scanInventory(tx.QueryRow(ctx, `SELECT `+inventoryColumns+` FROM inventory WHERE key = $1 FOR UPDATE`, strings.TrimSpace(key)))
	if err != nil {
		return none, none, wrapError(op, err)
	}
	after := patch.Apply(before)
	if after.Stock < 0 {
		return none, none, repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "stock must not be negative", nil)
	}
	if _, err := tx.Exec(ctx, `UPDATE inventory SET name = $2, unit_price = $3, currency = $4, stock = $5, updated_at = $6
		WHERE key = $1`, before.Key, after.Name, after.UnitPrice, after.Currency, after.Stock, after.UpdatedAt.UTC()); err != nil {
		return none, none, wrapError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return none, none, wrapError(op, err)
	}
	return before, after, nil
}

// List orders by key, or by (stock, key) when a stock ceiling is applied.
func (r *inventoryRepository) List(ctx context.Context, filter repositories.InventoryListFilter) (domain.CursorPage[domain.InventoryItem], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.InventoryItem]{}, repositories.NewStoreError("inventory.list", repositories.StoreErrorInternal, err)
	}
	size := pagination.NormalizeSize(filter.Pagination.PageSize, pagination.Options{})

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.ProductID != "" {
		where = append(where, "product_id = "+arg(filter.ProductID))
	}
	orderBy := " ORDER BY key"
	if filter.MaxStock != nil {
		where = append(where, "stock <= "+arg(*filter.MaxStock))
		orderBy = " ORDER BY stock, key"
		if cursor.ID != "" {
			where = append(where, fmt.Sprintf("(stock, key) > (%s, %s)", arg(cursor.Number), arg(cursor.ID)))
		}
	} else if cursor.ID != "" {
		where = append(where, "key > "+arg(cursor.ID))
	}

	query := `SELECT ` + inventoryColumns + ` FROM inventory`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += orderBy + " LIMIT " + arg(size+1)

	rows, err := r.reg.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return domain.CursorPage[domain.InventoryItem]{}, wrapError("inventory.list", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.InventoryItem, error) {
		return scanInventory(row)
	})
	if err != nil {
		return domain.CursorPage[domain.InventoryItem]{}, wrapError("inventory.list", err)
	}

	page := domain.CursorPage[domain.InventoryItem]{Items: items}
	if len(items) > size {
		page.Items = items[:size]
		last := page.Items[size-1]
		page.NextPageToken, _ = pagination.EncodeToken(pagination.Cursor{ID: last.Key, Number: last.Stock})
	}
	return page, nil
}

// Reserve locks every requested row, validates the whole batch, then decrements. The work runs in
// its own savepoint so a shortage caught by the caller leaves the outer transaction untouched.
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

	tx, err := r.reg.db(ctx).Begin(ctx)
	if err != nil {
		return nil, wrapError(op, err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	// Rows are locked in key order so concurrent batches cannot deadlock.
	rows, err := tx.Query(ctx, `SELECT `+inventoryColumns+` FROM inventory WHERE key = ANY($1) ORDER BY key FOR UPDATE`, keys)
	if err != nil {
		return nil, wrapError(op, err)
	}
	locked, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.InventoryItem, error) {
		return scanInventory(row)
	})
	if err != nil {
		return nil, wrapError(op, err)
	}
	current := make(map[string]domain.InventoryItem, len(locked))
	for _, item := range locked {
		current[item.Key] = item
	}

	for _, key := range keys {
		item, ok := current[key]
		if !ok {
			notFound := repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("no stock record for %s", key), nil)
			notFound.Op = op
			notFound.Key = key
			return nil, notFound
		}
		if sign < 0 && item.Stock < totals[key] {
			shortage := repositories.NewInsufficientStockError(key, totals[key], item.Stock)
			shortage.Op = op
			return nil, shortage
		}
	}

	updated := make([]domain.InventoryItem, 0, len(keys))
	for _, key := range keys {
		delta := sign * totals[key]
		row := tx.QueryRow(ctx, `UPDATE inventory SET stock = stock + $2, updated_at = $3
			WHERE key = $1 AND stock + $2 >= 0 RETURNING `+inventoryColumns, key, delta, now.UTC())
		item, err := scanInventory(row)
		if errors.Is(err, pgx.ErrNoRows) {
			shortage := repositories.NewInsufficientStockError(key, totals[key], current[key].Stock)
			shortage.Op = op
			return nil, shortage
		}
		if err != nil {
			return nil, wrapError(op, err)
		}
		updated = append(updated, item)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrapError(op, err)
	}
	return updated, nil
}

func scanInventory(row pgx.Row) (domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := row.Scan(&item.Key, &item.ProductID, &item.VariantID, &item.Name,
		&item.UnitPrice, &item.Currency, &item.Stock, &item.UpdatedAt)
	return item, err
}
