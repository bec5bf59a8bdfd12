package repositories

import (
	"errors"
	"fmt"

	domain "github.com/hanko-field/orders/internal/domain"
)

// RepositoryError is implemented by the error types of every storage backend.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// KindOf classifies err. ok is false when err did not come from a repository.
func KindOf(err error) (kind StoreErrorKind, ok bool) {
	var repoErr RepositoryError
	if !errors.As(err, &repoErr) {
		return "", false
	}
	switch {
	case repoErr.IsNotFound():
		return StoreErrorNotFound, true
	case repoErr.IsConflict():
		return StoreErrorConflict, true
	case repoErr.IsUnavailable():
		return StoreErrorUnavailable, true
	default:
		return StoreErrorInternal, true
	}
}

// IsNotFound reports whether err is a repository not-found failure.
func IsNotFound(err error) bool {
	kind, _ := KindOf(err)
	return kind == StoreErrorNotFound
}

// StoreErrorKind categorises StoreError values.
type StoreErrorKind string

const (
	StoreErrorNotFound    StoreErrorKind = "not_found"
	StoreErrorConflict    StoreErrorKind = "conflict"
	StoreErrorUnavailable StoreErrorKind = "unavailable"
	StoreErrorInternal    StoreErrorKind = "internal"
)

// StoreError is the RepositoryError used by the memory and postgres backends.
type StoreError struct {
	Op   string
	Kind StoreErrorKind
	Err  error
}

// NewStoreError constructs a StoreError. A nil err is replaced with the kind's description.
func NewStoreError(op string, kind StoreErrorKind, err error) *StoreError {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &StoreError{Op: op, Kind: kind, Err: err}
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying error.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) IsNotFound() bool { return e != nil && e.Kind == StoreErrorNotFound }
func (e *StoreError) IsConflict() bool { return e != nil && e.Kind == StoreErrorConflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Kind == StoreErrorUnavailable }

var _ RepositoryError = (*StoreError)(nil)

// InventoryErrorCode enumerates repository error causes for inventory operations.
type InventoryErrorCode string

const (
	// InventoryErrorUnknown represents an unspecified failure.
	InventoryErrorUnknown InventoryErrorCode = "inventory_unknown"
	// InventoryErrorInsufficientStock indicates requested quantity exceeds the stock count.
	InventoryErrorInsufficientStock InventoryErrorCode = "inventory_insufficient_stock"
	// InventoryErrorStockNotFound indicates the key does not have a stock record.
	InventoryErrorStockNotFound InventoryErrorCode = "inventory_stock_not_found"
	// InventoryErrorInvalidInput indicates malformed reservation lines.
	InventoryErrorInvalidInput InventoryErrorCode = "inventory_invalid_input"
)

// InventoryError wraps inventory-specific failures with machine readable codes.
type InventoryError struct {
	Op        string
	Code      InventoryErrorCode
	Message   string
	Key       string
	Requested int64
	Available int64
	Err       error
}

// Error implements the error interface.
func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewInventoryError constructs a typed inventory error.
func NewInventoryError(code InventoryErrorCode, message string, err error) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewInsufficientStockError reports the first key whose stock cannot cover the request.
func NewInsufficientStockError(key string, requested, available int64) *InventoryError {
	return &InventoryError{
		Code:      InventoryErrorInsufficientStock,
		Message:   fmt.Sprintf("insufficient stock for %s: requested %d, available %d", key, requested, available),
		Key:       key,
		Requested: requested,
		Available: available,
	}
}

// AggregateStockLines sums quantities per stock key, preserving first-seen key order. Lines with an
// empty key or a non-positive quantity are rejected.
func AggregateStockLines(op string, lines []domain.StockLine) (map[string]int64, []string, error) {
	if len(lines) == 0 {
		err := NewInventoryError(InventoryErrorInvalidInput, "at least one line is required", nil)
		err.Op = op
		return nil, nil, err
	}
	totals := make(map[string]int64, len(lines))
	keys := make([]string, 0, len(lines))
	for _, line := range lines {
		key := line.Key()
		if key == "" || line.Quantity <= 0 {
			err := NewInventoryError(InventoryErrorInvalidInput, fmt.Sprintf("invalid line %q quantity %d", key, line.Quantity), nil)
			err.Op = op
			return nil, nil, err
		}
		if _, seen := totals[key]; !seen {
			keys = append(keys, key)
		}
		totals[key] += int64(line.Quantity)
	}
	return totals, keys, nil
}
