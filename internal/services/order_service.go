package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/textutil"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventCustomerInfo  = "order.customer_info.updated"

	orderIDPrefix = "ord_"

	maxOrderItems         = 100
	maxLineQuantity       = 999
	maxCancelReasonLength = 500
	expiryActor           = "system:expiry"
	defaultExpiryLimit    = 200
	expiryPageSize        = 100
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidTransition indicates the requested edge is not in the transition table.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderNotEditable indicates customer details can no longer change.
	ErrOrderNotEditable = errors.New("order: not editable")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
)

var editableStatuses = []OrderStatus{domain.OrderStatusPending, domain.OrderStatusConfirmed}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Counters    CounterService
	Inventory   InventoryService
	UnitOfWork  repositories.UnitOfWork
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	counters   CounterService
	inventory  InventoryService
	machine    statusMachine
	unitOfWork repositories.UnitOfWork
	audit      AuditLogService
	clock      func() time.Time
	newID      func() string
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter service is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory service is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		counters:   deps.Counters,
		inventory:  deps.Inventory,
		machine:    statusMachine{inventory: deps.Inventory},
		unitOfWork: unit,
		audit:      deps.Audit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

// CreateOrder snapshots current inventory prices into a new pending order. Stock is not touched
// until the order is confirmed.
func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	ctx, span := startSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) > maxOrderItems {
		return Order{}, fmt.Errorf("%w: at most %d items are allowed", ErrOrderInvalidInput, maxOrderItems)
	}
	contact, err := normaliseContact(cmd.Contact)
	if err != nil {
		return Order{}, err
	}
	address, err := normaliseAddress(cmd.ShippingAddress)
	if err != nil {
		return Order{}, err
	}

	keys := make([]string, 0, len(cmd.Items))
	for i, item := range cmd.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return Order{}, fmt.Errorf("%w: items[%d].product_id is required", ErrOrderInvalidInput, i)
		}
		if item.Quantity <= 0 || item.Quantity > maxLineQuantity {
			return Order{}, fmt.Errorf("%w: items[%d].quantity must be between 1 and %d", ErrOrderInvalidInput, i, maxLineQuantity)
		}
		keys = append(keys, domain.StockKey(item.ProductID, item.VariantID))
	}

	catalog, err := s.inventory.LookupItems(ctx, keys)
	if err != nil {
		return Order{}, err
	}

	currencyCode := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	lines := make([]OrderLineItem, 0, len(cmd.Items))
	var total int64
	for i, item := range cmd.Items {
		stock := catalog[keys[i]]
		if currencyCode == "" {
			currencyCode = stock.Currency
		}
		if stock.Currency != currencyCode {
			return Order{}, fmt.Errorf("%w: item %s is priced in %s, order currency is %s", ErrOrderInvalidInput, keys[i], stock.Currency, currencyCode)
		}
		subtotal := stock.UnitPrice * int64(item.Quantity)
		lines = append(lines, OrderLineItem{
			ProductID: stock.ProductID,
			VariantID: stock.VariantID,
			Name:      stock.Name,
			Quantity:  item.Quantity,
			UnitPrice: stock.UnitPrice,
			Subtotal:  subtotal,
		})
		total += subtotal
	}

	actor := firstNonEmpty(cmd.ActorID, userID)
	now := s.now()
	order := Order{
		ID:              s.nextOrderID(),
		UserID:          userID,
		Status:          domain.OrderStatusPending,
		Currency:        currencyCode,
		Items:           lines,
		Total:           total,
		Contact:         contact,
		ShippingAddress: address,
		StatusHistory: []StatusHistoryEntry{{
			Status: domain.OrderStatusPending,
			At:     now,
			Actor:  actor,
			Note:   textutil.SanitizeText(cmd.Note, maxHistoryNoteLength),
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		number, err := s.counters.NextOrderNumber(txCtx)
		if err != nil {
			return err
		}
		order.Number = number
		return s.mapRepositoryError(s.orders.Insert(txCtx, order))
	})
	if err != nil {
		return Order{}, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	s.logger(ctx, orderEventCreated, map[string]any{
		"orderId": order.ID,
		"number":  order.Number,
		"total":   order.Total,
		"items":   len(order.Items),
	})
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.Number,
		UserID:        order.UserID,
		CurrentStatus: string(order.Status),
		ActorID:       actor,
		OccurredAt:    now,
		Metadata: map[string]any{
			"total":    order.Total,
			"currency": order.Currency,
		},
	})
	s.recordAudit(ctx, AuditLogRecord{
		Actor:     actor,
		Action:    orderEventCreated,
		TargetRef: orderRef(order.ID),
		Metadata:  map[string]any{"number": order.Number, "total": order.Total},
	})
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := checkOwner(order, opts.UserID); err != nil {
		return Order{}, err
	}
	return order, nil
}

// TransitionStatus applies one edge of the transition table. Requesting the current status is a
// no-op that writes nothing.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (TransitionResult, error) {
	return s.transition(ctx, transitionRequest{
		orderID:  cmd.OrderID,
		target:   cmd.TargetStatus,
		actor:    cmd.ActorID,
		note:     cmd.Note,
		userID:   cmd.UserID,
		expected: cmd.ExpectedStatus,
		metadata: cmd.Metadata,
	})
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (TransitionResult, error) {
	reason := textutil.SanitizeText(cmd.Reason, maxCancelReasonLength)
	return s.transition(ctx, transitionRequest{
		orderID:  cmd.OrderID,
		target:   domain.OrderStatusCancelled,
		actor:    cmd.ActorID,
		note:     reason,
		userID:   cmd.UserID,
		expected: cmd.ExpectedStatus,
		mutate: func(order *Order) {
			order.CancelReason = reason
		},
	})
}

type transitionRequest struct {
	orderID  string
	target   OrderStatus
	actor    string
	note     string
	userID   string
	expected *OrderStatus
	metadata map[string]any
	mutate   func(*Order)
}

func (s *orderService) transition(ctx context.Context, req transitionRequest) (TransitionResult, error) {
	ctx, span := startSpan(ctx, "OrderService.TransitionStatus")
	defer span.End()

	orderID := strings.TrimSpace(req.orderID)
	if orderID == "" {
		return TransitionResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target, ok := domain.ParseOrderStatus(string(req.target))
	if !ok {
		return TransitionResult{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, req.target)
	}
	actor := strings.TrimSpace(req.actor)
	if actor == "" {
		return TransitionResult{}, fmt.Errorf("%w: actor id is required", ErrOrderInvalidInput)
	}
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("order.target_status", string(target)))

	var result TransitionResult
	now := s.now()
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if err := checkOwner(order, req.userID); err != nil {
			return err
		}
		if req.expected != nil && order.Status != *req.expected {
			return fmt.Errorf("%w: expected status %s but was %s", ErrOrderConflict, *req.expected, order.Status)
		}

		result = TransitionResult{Order: order, PreviousStatus: order.Status}
		if order.Status == target {
			result.NoOp = true
			return nil
		}

		if err := s.machine.apply(txCtx, &order, transitionStep{target: target, actor: actor, note: req.note, now: now}); err != nil {
			return err
		}
		if req.mutate != nil {
			req.mutate(&order)
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		result.Order = order
		return nil
	})
	if err != nil {
		s.logger(ctx, "order.transition.rejected", map[string]any{
			"orderId": orderID,
			"target":  string(target),
			"actor":   actor,
			"error":   err.Error(),
		})
		return TransitionResult{}, err
	}

	if result.NoOp {
		s.logger(ctx, "order.transition.noop", map[string]any{
			"orderId": orderID,
			"status":  string(target),
			"actor":   actor,
		})
		return result, nil
	}

	s.afterTransition(ctx, result.Order, result.PreviousStatus, actor, req.metadata)
	return result, nil
}

func (s *orderService) afterTransition(ctx context.Context, order Order, previous OrderStatus, actor string, metadata map[string]any) {
	recordTransitionMetric(ctx, previous, order.Status)
	s.logger(ctx, orderEventStatusChanged, map[string]any{
		"orderId": order.ID,
		"from":    string(previous),
		"to":      string(order.Status),
		"actor":   actor,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.Number,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        actor,
		OccurredAt:     order.UpdatedAt,
		Metadata:       metadata,
	})
	s.recordAudit(ctx, AuditLogRecord{
		Actor:     actor,
		Action:    orderEventStatusChanged,
		TargetRef: orderRef(order.ID),
		Diff: map[string]AuditLogDiff{
			"status": {Before: string(previous), After: string(order.Status)},
		},
	})
}

// UpdateCustomerInfo replaces contact and shipping details while the order has not been paid.
func (s *orderService) UpdateCustomerInfo(ctx context.Context, cmd UpdateCustomerInfoCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.Contact == nil && cmd.ShippingAddress == nil {
		return Order{}, fmt.Errorf("%w: contact or shipping address is required", ErrOrderInvalidInput)
	}

	var contact ContactInfo
	var address Address
	var err error
	if cmd.Contact != nil {
		if contact, err = normaliseContact(*cmd.Contact); err != nil {
			return Order{}, err
		}
	}
	if cmd.ShippingAddress != nil {
		if address, err = normaliseAddress(*cmd.ShippingAddress); err != nil {
			return Order{}, err
		}
	}

	actor := firstNonEmpty(cmd.ActorID, cmd.UserID)
	diff := map[string]AuditLogDiff{}
	var updated Order
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if err := checkOwner(order, cmd.UserID); err != nil {
			return err
		}
		if !containsStatus(editableStatuses, order.Status) {
			return fmt.Errorf("%w: order is %s", ErrOrderNotEditable, order.Status)
		}
		if cmd.Contact != nil && order.Contact != contact {
			diff["contact"] = AuditLogDiff{Before: order.Contact, After: contact}
			order.Contact = contact
		}
		if cmd.ShippingAddress != nil && order.ShippingAddress != address {
			diff["shippingAddress"] = AuditLogDiff{Before: order.ShippingAddress, After: address}
			order.ShippingAddress = address
		}
		if len(diff) == 0 {
			updated = order
			return nil
		}
		order.UpdatedAt = s.now()
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	if len(diff) > 0 {
		s.publishEvent(ctx, OrderEvent{
			Type:          orderEventCustomerInfo,
			OrderID:       updated.ID,
			OrderNumber:   updated.Number,
			UserID:        updated.UserID,
			CurrentStatus: string(updated.Status),
			ActorID:       actor,
			OccurredAt:    updated.UpdatedAt,
		})
		s.recordAudit(ctx, AuditLogRecord{
			Actor:                 actor,
			Action:                orderEventCustomerInfo,
			TargetRef:             orderRef(updated.ID),
			Diff:                  diff,
			SensitiveMetadataKeys: []string{"contact"},
		})
	}
	return updated, nil
}

// ExpirePendingOrders fails pending orders created before now-OlderThan. Orders that changed
// status concurrently are skipped.
func (s *orderService) ExpirePendingOrders(ctx context.Context, cmd ExpirePendingOrdersCommand) (ExpirePendingOrdersResult, error) {
	if cmd.OlderThan <= 0 {
		return ExpirePendingOrdersResult{}, fmt.Errorf("%w: older_than must be positive", ErrOrderInvalidInput)
	}
	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultExpiryLimit
	}
	actor := firstNonEmpty(cmd.ActorID, expiryActor)
	cutoff := s.now().Add(-cmd.OlderThan)

	var candidates []string
	token := ""
	for len(candidates) < limit {
		page, err := s.orders.List(ctx, repositories.OrderListFilter{
			Statuses:   []OrderStatus{domain.OrderStatusPending},
			DateRange:  domain.RangeQuery[time.Time]{To: &cutoff},
			Pagination: domain.Pagination{PageSize: expiryPageSize, PageToken: token},
		})
		if err != nil {
			return ExpirePendingOrdersResult{}, s.mapRepositoryError(err)
		}
		for _, order := range page.Items {
			if len(candidates) == limit {
				break
			}
			candidates = append(candidates, order.ID)
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	expected := domain.OrderStatusPending
	result := ExpirePendingOrdersResult{Examined: len(candidates)}
	for _, orderID := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		_, err := s.transition(ctx, transitionRequest{
			orderID:  orderID,
			target:   domain.OrderStatusFailed,
			actor:    actor,
			note:     "payment window expired",
			expected: &expected,
		})
		switch {
		case err == nil:
			result.Failed = append(result.Failed, orderID)
		case errors.Is(err, ErrOrderConflict), errors.Is(err, ErrOrderInvalidTransition), errors.Is(err, ErrOrderNotFound):
			result.Skipped++
		default:
			return result, err
		}
	}

	s.logger(ctx, "order.expiry.completed", map[string]any{
		"examined": result.Examined,
		"failed":   len(result.Failed),
		"skipped":  result.Skipped,
		"cutoff":   cutoff,
	})
	return result, nil
}

func (s *orderService) recordAudit(ctx context.Context, record AuditLogRecord) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, record)
}

func (s *orderService) mapRepositoryError(err error) error {
	return mapOrderRepositoryError(err)
}

func mapOrderRepositoryError(err error) error {
	return orderStoreErrors.translate(err)
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// checkOwner hides orders belonging to other users behind ErrOrderNotFound.
func checkOwner(order Order, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID != "" && order.UserID != userID {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, order.ID)
	}
	return nil
}

func normaliseContact(contact ContactInfo) (ContactInfo, error) {
	contact.Email = strings.TrimSpace(contact.Email)
	contact.Phone = textutil.SanitizeText(contact.Phone, 32)
	if contact.Email == "" {
		return ContactInfo{}, fmt.Errorf("%w: contact email is required", ErrOrderInvalidInput)
	}
	addr, err := mail.ParseAddress(contact.Email)
	if err != nil || addr.Address != contact.Email {
		return ContactInfo{}, fmt.Errorf("%w: contact email is invalid", ErrOrderInvalidInput)
	}
	return contact, nil
}

func normaliseAddress(address Address) (Address, error) {
	address = Address{
		Recipient:  textutil.SanitizeText(address.Recipient, 120),
		Line1:      textutil.SanitizeText(address.Line1, 200),
		Line2:      textutil.SanitizeText(address.Line2, 200),
		City:       textutil.SanitizeText(address.City, 120),
		State:      textutil.SanitizeText(address.State, 120),
		PostalCode: textutil.SanitizeText(address.PostalCode, 32),
		Country:    strings.ToUpper(textutil.SanitizeText(address.Country, 8)),
	}
	switch {
	case address.Recipient == "":
		return Address{}, fmt.Errorf("%w: shipping recipient is required", ErrOrderInvalidInput)
	case address.Line1 == "":
		return Address{}, fmt.Errorf("%w: shipping line1 is required", ErrOrderInvalidInput)
	case address.City == "":
		return Address{}, fmt.Errorf("%w: shipping city is required", ErrOrderInvalidInput)
	case len(address.Country) != 2:
		return Address{}, fmt.Errorf("%w: shipping country must be an ISO 3166-1 alpha-2 code", ErrOrderInvalidInput)
	}
	return address, nil
}

func containsStatus(statuses []OrderStatus, status OrderStatus) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}

func orderRef(orderID string) string {
	return "/orders/" + orderID
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
