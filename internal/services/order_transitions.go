package services

import (
	"context"
	"fmt"
	"slices"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/textutil"
)

const maxHistoryNoteLength = 500

// orderStateTransitions lists every permitted edge. Statuses without outgoing edges are terminal.
var orderStateTransitions = map[OrderStatus][]OrderStatus{
	domain.OrderStatusPending:   {domain.OrderStatusConfirmed, domain.OrderStatusCancelled, domain.OrderStatusFailed},
	domain.OrderStatusConfirmed: {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:      {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:   {domain.OrderStatusDelivered},
}

// AllowedTransitions returns the statuses reachable from current in one step.
func AllowedTransitions(current OrderStatus) []OrderStatus {
	return slices.Clone(orderStateTransitions[current])
}

// IsTerminalStatus reports whether no transition leaves status.
func IsTerminalStatus(status OrderStatus) bool {
	return len(orderStateTransitions[status]) == 0
}

func canTransition(current, target OrderStatus) bool {
	return slices.Contains(orderStateTransitions[current], target)
}

// statusMachine applies a single edge to an in-memory order, reserving or releasing stock through
// the inventory service as a side effect. Callers persist the order afterwards inside the same
// transaction.
type statusMachine struct {
	inventory InventoryService
}

type transitionStep struct {
	target OrderStatus
	actor  string
	note   string
	now    time.Time
}

func (m statusMachine) apply(ctx context.Context, order *Order, step transitionStep) error {
	current := order.Status
	if !canTransition(current, step.target) {
		return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, current, step.target)
	}

	switch {
	case step.target == domain.OrderStatusConfirmed && !order.StockReserved:
		if _, err := m.inventory.ReserveStock(ctx, InventoryStockCommand{
			OrderID: order.ID,
			ActorID: step.actor,
			Lines:   stockLines(order.Items),
		}); err != nil {
			return err
		}
		order.StockReserved = true
	case (step.target == domain.OrderStatusCancelled || step.target == domain.OrderStatusFailed) && order.StockReserved:
		if _, err := m.inventory.ReleaseStock(ctx, InventoryStockCommand{
			OrderID: order.ID,
			ActorID: step.actor,
			Lines:   stockLines(order.Items),
		}); err != nil {
			return err
		}
		order.StockReserved = false
	}

	order.Status = step.target
	order.UpdatedAt = step.now
	order.StatusHistory = append(order.StatusHistory, StatusHistoryEntry{
		Status: step.target,
		At:     step.now,
		Actor:  step.actor,
		Note:   textutil.SanitizeText(step.note, maxHistoryNoteLength),
	})
	updateTimestamps(order, step.target, step.now)
	return nil
}

func updateTimestamps(order *Order, status OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusConfirmed:
		order.ConfirmedAt = setOnce(order.ConfirmedAt, now)
	case domain.OrderStatusPaid:
		order.PaidAt = setOnce(order.PaidAt, now)
	case domain.OrderStatusShipped:
		order.ShippedAt = setOnce(order.ShippedAt, now)
	case domain.OrderStatusDelivered:
		order.DeliveredAt = setOnce(order.DeliveredAt, now)
	case domain.OrderStatusCancelled:
		order.CancelledAt = setOnce(order.CancelledAt, now)
	case domain.OrderStatusFailed:
		order.FailedAt = setOnce(order.FailedAt, now)
	}
}

func setOnce(current *time.Time, now time.Time) *time.Time {
	if current != nil {
		return current
	}
	return &now
}

func stockLines(items []OrderLineItem) []StockLine {
	lines := make([]StockLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, StockLine{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
	}
	return lines
}
