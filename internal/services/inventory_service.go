package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/currency"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/textutil"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	eventInventoryReserve = "inventory.reserve"
	eventInventoryRelease = "inventory.release"
	eventInventoryUpsert  = "inventory.upsert"
	eventInventoryLow     = "inventory.stock.low"

	maxInventoryNameLength = 200
)

var (
	// ErrInventoryInvalidInput signals the caller provided invalid arguments.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInventoryNotFound indicates a product or variant has no inventory record.
	ErrInventoryNotFound = errors.New("inventory: item not found")
	// ErrInsufficientStock indicates a reservation exceeded the available stock.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
)

// StockShortageError names the first line a reservation could not cover.
type StockShortageError struct {
	ProductID string
	VariantID string
	Requested int64
	Available int64
}

func (e *StockShortageError) Error() string {
	key := domain.StockKey(e.ProductID, e.VariantID)
	return fmt.Sprintf("%s: %s requested %d, available %d", ErrInsufficientStock, key, e.Requested, e.Available)
}

// Is lets errors.Is match ErrInsufficientStock.
func (e *StockShortageError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Inventory         repositories.InventoryRepository
	Audit             AuditLogService
	Clock             func() time.Time
	Logger            func(ctx context.Context, event string, fields map[string]any)
	LowStockThreshold int64
}

type inventoryService struct {
	repo         repositories.InventoryRepository
	audit        AuditLogService
	clock        func() time.Time
	logger       func(context.Context, string, map[string]any)
	lowThreshold int64
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryService{
		repo:  deps.Inventory,
		audit: deps.Audit,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:       logger,
		lowThreshold: deps.LowStockThreshold,
	}, nil
}

func (s *inventoryService) ReserveStock(ctx context.Context, cmd InventoryStockCommand) ([]InventoryItem, error) {
	lines, err := normaliseStockLines(cmd.Lines)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.Reserve(ctx, lines, s.clock())
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}

	s.logger(ctx, eventInventoryReserve, map[string]any{
		"orderId": strings.TrimSpace(cmd.OrderID),
		"actor":   strings.TrimSpace(cmd.ActorID),
		"lines":   len(lines),
	})
	if s.lowThreshold > 0 {
		for _, item := range items {
			if item.Stock <= s.lowThreshold {
				s.logger(ctx, eventInventoryLow, map[string]any{
					"key":   item.Key,
					"stock": item.Stock,
				})
			}
		}
	}
	return items, nil
}

func (s *inventoryService) ReleaseStock(ctx context.Context, cmd InventoryStockCommand) ([]InventoryItem, error) {
	lines, err := normaliseStockLines(cmd.Lines)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.Release(ctx, lines, s.clock())
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}

	s.logger(ctx, eventInventoryRelease, map[string]any{
		"orderId": strings.TrimSpace(cmd.OrderID),
		"actor":   strings.TrimSpace(cmd.ActorID),
		"lines":   len(lines),
	})
	return items, nil
}

func (s *inventoryService) GetItem(ctx context.Context, productID, variantID string) (InventoryItem, error) {
	key := domain.StockKey(productID, variantID)
	if key == "" {
		return InventoryItem{}, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	item, err := s.repo.Get(ctx, key)
	if err != nil {
		return InventoryItem{}, s.mapRepositoryError(err)
	}
	return item, nil
}

func (s *inventoryService) LookupItems(ctx context.Context, keys []string) (map[string]InventoryItem, error) {
	unique := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("%w: inventory key is required", ErrInventoryInvalidInput)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	if len(unique) == 0 {
		return map[string]InventoryItem{}, nil
	}

	items, err := s.repo.GetMany(ctx, unique)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	for _, key := range unique {
		if _, ok := items[key]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrInventoryNotFound, key)
		}
	}
	return items, nil
}

func (s *inventoryService) ListItems(ctx context.Context, filter InventoryListFilter) (domain.CursorPage[InventoryItem], error) {
	page, err := s.repo.List(ctx, repositories.InventoryListFilter{
		ProductID:  strings.TrimSpace(filter.ProductID),
		MaxStock:   filter.MaxStock,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[InventoryItem]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// UpsertItem creates or patches an inventory record. Creation requires name, price, currency and
// stock; updates only touch the supplied fields.
func (s *inventoryService) UpsertItem(ctx context.Context, cmd UpsertInventoryItemCommand) (InventoryItem, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	variantID := strings.TrimSpace(cmd.VariantID)
	if productID == "" {
		return InventoryItem{}, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	if strings.Contains(productID, "~") || strings.Contains(variantID, "~") {
		return InventoryItem{}, fmt.Errorf("%w: ids must not contain '~'", ErrInventoryInvalidInput)
	}
	key := domain.StockKey(productID, variantID)

	patch, err := inventoryPatchFrom(cmd, s.clock())
	if err != nil {
		return InventoryItem{}, err
	}

	before, item, err := s.repo.Patch(ctx, key, patch)
	creating := repositories.IsNotFound(err)
	if creating {
		blank := InventoryItem{Key: key, ProductID: productID, VariantID: variantID}
		item, err = s.createItem(ctx, patch.Apply(blank), cmd)
		if kind, _ := repositories.KindOf(err); kind == repositories.StoreErrorConflict {
			// Created by a concurrent request; apply this one on top of it.
			creating = false
			before, item, err = s.repo.Patch(ctx, key, patch)
		}
	}
	if err != nil {
		return InventoryItem{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, eventInventoryUpsert, map[string]any{
		"key":     key,
		"created": creating,
		"stock":   item.Stock,
	})
	if s.audit != nil {
		diff := map[string]AuditLogDiff{}
		if before.Stock != item.Stock || creating {
			diff["stock"] = AuditLogDiff{Before: before.Stock, After: item.Stock}
		}
		if before.UnitPrice != item.UnitPrice {
			diff["unitPrice"] = AuditLogDiff{Before: before.UnitPrice, After: item.UnitPrice}
		}
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     cmd.ActorID,
			Action:    eventInventoryUpsert,
			TargetRef: "/inventory/" + key,
			Diff:      diff,
		})
	}
	return item, nil
}

func inventoryPatchFrom(cmd UpsertInventoryItemCommand, now time.Time) (repositories.InventoryPatch, error) {
	patch := repositories.InventoryPatch{UnitPrice: cmd.UnitPrice, Stock: cmd.Stock, UpdatedAt: now}
	if cmd.Name != nil {
		name := textutil.SanitizeText(*cmd.Name, maxInventoryNameLength)
		patch.Name = &name
	}
	if cmd.UnitPrice != nil && *cmd.UnitPrice < 0 {
		return patch, fmt.Errorf("%w: unit price must not be negative", ErrInventoryInvalidInput)
	}
	if cmd.Currency != nil {
		code, err := normaliseCurrency(*cmd.Currency)
		if err != nil {
			return patch, err
		}
		patch.Currency = &code
	}
	if cmd.Stock != nil && *cmd.Stock < 0 {
		return patch, fmt.Errorf("%w: stock must not be negative", ErrInventoryInvalidInput)
	}
	return patch, nil
}

func (s *inventoryService) createItem(ctx context.Context, item InventoryItem, cmd UpsertInventoryItemCommand) (InventoryItem, error) {
	switch {
	case item.Name == "":
		return InventoryItem{}, fmt.Errorf("%w: name is required", ErrInventoryInvalidInput)
	case cmd.UnitPrice == nil:
		return InventoryItem{}, fmt.Errorf("%w: unit price is required", ErrInventoryInvalidInput)
	case item.Currency == "":
		return InventoryItem{}, fmt.Errorf("%w: currency is required", ErrInventoryInvalidInput)
	case cmd.Stock == nil:
		return InventoryItem{}, fmt.Errorf("%w: stock is required", ErrInventoryInvalidInput)
	}
	if err := s.repo.Create(ctx, item); err != nil {
		return InventoryItem{}, err
	}
	return item, nil
}

func (s *inventoryService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			productID, variantID := domain.SplitStockKey(invErr.Key)
			return &StockShortageError{
				ProductID: productID,
				VariantID: variantID,
				Requested: invErr.Requested,
				Available: invErr.Available,
			}
		case repositories.InventoryErrorStockNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryNotFound, invErr.Key)
		case repositories.InventoryErrorInvalidInput:
			return fmt.Errorf("%w: %s", ErrInventoryInvalidInput, invErr.Message)
		}
	}
	return inventoryStoreErrors.translate(err)
}

func normaliseStockLines(lines []StockLine) ([]StockLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", ErrInventoryInvalidInput)
	}
	result := make([]StockLine, 0, len(lines))
	for _, line := range lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		line.VariantID = strings.TrimSpace(line.VariantID)
		if line.ProductID == "" {
			return nil, fmt.Errorf("%w: line product id is required", ErrInventoryInvalidInput)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrInventoryInvalidInput, line.Key())
		}
		result = append(result, line)
	}
	return result, nil
}

func normaliseCurrency(raw string) (string, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: unknown currency %q", ErrInventoryInvalidInput, raw)
	}
	return unit.String(), nil
}
