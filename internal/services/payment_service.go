package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/textutil"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	paymentEventCreated  = "payment.created"
	paymentEventRecorded = "payment.result.recorded"

	paymentIDPrefix      = "pay_"
	paymentActor         = "system:payment"
	defaultPaymentSource = "manual"

	maxFailureReasonLength = 500
	maxProviderLength      = 64
	maxExternalIDLength    = 255
)

var (
	// ErrPaymentInvalidInput signals the caller provided invalid data.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentNotFound indicates the payment record could not be located.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrPaymentAlreadySettled indicates a settled payment was asked to change its outcome.
	ErrPaymentAlreadySettled = errors.New("payment: already settled")
	// ErrPaymentNotAccepted indicates the order no longer accepts new payment attempts.
	ErrPaymentNotAccepted = errors.New("payment: order does not accept payments")
)

var payableStatuses = []OrderStatus{domain.OrderStatusPending, domain.OrderStatusConfirmed}

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Payments    repositories.PaymentRepository
	Orders      repositories.OrderRepository
	Inventory   InventoryService
	UnitOfWork  repositories.UnitOfWork
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
	Events      PaymentEventPublisher
	OrderEvents OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	payments    repositories.PaymentRepository
	orders      repositories.OrderRepository
	machine     statusMachine
	unitOfWork  repositories.UnitOfWork
	audit       AuditLogService
	clock       func() time.Time
	newID       func() string
	events      PaymentEventPublisher
	orderEvents OrderEventPublisher
	logger      func(context.Context, string, map[string]any)
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("payment service: inventory service is required")
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

	return &paymentService{
		payments:   deps.Payments,
		orders:     deps.Orders,
		machine:    statusMachine{inventory: deps.Inventory},
		unitOfWork: unit,
		audit:      deps.Audit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:       idGen,
		events:      deps.Events,
		orderEvents: deps.OrderEvents,
		logger:      logger,
	}, nil
}

// CreatePayment opens a pending payment attempt. A zero amount defaults to the order total minus
// the successful payments already recorded.
func (s *paymentService) CreatePayment(ctx context.Context, cmd CreatePaymentCommand) (Payment, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Payment{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	method, ok := domain.ParsePaymentMethod(string(cmd.Method))
	if !ok {
		return Payment{}, fmt.Errorf("%w: unsupported payment method %q", ErrPaymentInvalidInput, cmd.Method)
	}
	if cmd.Amount < 0 {
		return Payment{}, fmt.Errorf("%w: amount must not be negative", ErrPaymentInvalidInput)
	}
	provider := strings.ToLower(textutil.SanitizeText(cmd.Provider, maxProviderLength))
	if provider == "" {
		provider = defaultPaymentSource
	}

	var payment Payment
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapOrderRepositoryError(err)
		}
		if err := checkOwner(order, cmd.UserID); err != nil {
			return err
		}
		if !containsStatus(payableStatuses, order.Status) {
			return fmt.Errorf("%w: order is %s", ErrPaymentNotAccepted, order.Status)
		}

		amount := cmd.Amount
		if amount == 0 {
			existing, err := s.payments.ListByOrder(txCtx, order.ID)
			if err != nil {
				return s.mapRepositoryError(err)
			}
			amount = order.Total - settledAmount(existing, "")
			if amount <= 0 {
				return fmt.Errorf("%w: order is fully paid", ErrPaymentNotAccepted)
			}
		}

		now := s.now()
		payment = Payment{
			ID:                    s.nextPaymentID(),
			OrderID:               order.ID,
			UserID:                order.UserID,
			Provider:              provider,
			Method:                method,
			Status:                domain.PaymentStatusPending,
			Amount:                amount,
			Currency:              order.Currency,
			ExternalTransactionID: textutil.SanitizeText(cmd.ExternalTransactionID, maxExternalIDLength),
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		return s.mapRepositoryError(s.payments.Insert(txCtx, payment))
	})
	if err != nil {
		return Payment{}, err
	}

	actor := firstNonEmpty(cmd.ActorID, cmd.UserID, paymentActor)
	s.logger(ctx, paymentEventCreated, map[string]any{
		"paymentId": payment.ID,
		"orderId":   payment.OrderID,
		"amount":    payment.Amount,
		"provider":  payment.Provider,
	})
	s.publishPaymentEvent(ctx, payment, paymentEventCreated, actor, nil)
	s.recordAudit(ctx, AuditLogRecord{
		Actor:     actor,
		Action:    paymentEventCreated,
		TargetRef: paymentRef(payment.ID),
		Metadata:  map[string]any{"orderId": payment.OrderID, "amount": payment.Amount},
	})
	return payment, nil
}

func (s *paymentService) GetPayment(ctx context.Context, paymentID string, opts PaymentReadOptions) (Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return Payment{}, fmt.Errorf("%w: payment id is required", ErrPaymentInvalidInput)
	}
	payment, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		return Payment{}, s.mapRepositoryError(err)
	}
	if userID := strings.TrimSpace(opts.UserID); userID != "" && payment.UserID != userID {
		return Payment{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	}
	return payment, nil
}

func (s *paymentService) ListPayments(ctx context.Context, orderID string, opts PaymentReadOptions) ([]Payment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, mapOrderRepositoryError(err)
	}
	if err := checkOwner(order, opts.UserID); err != nil {
		return nil, err
	}
	payments, err := s.payments.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return payments, nil
}

// RecordPaymentResult settles a pending payment and drives the order towards paid when the
// outcome is success. Failed or cancelled attempts leave the order untouched so the customer may
// retry, and a failed payment can still be settled as success or cancelled when the provider
// retries the same intent. Repeating the recorded outcome is a no-op.
func (s *paymentService) RecordPaymentResult(ctx context.Context, cmd RecordPaymentResultCommand) (PaymentResult, error) {
	ctx, span := startSpan(ctx, "PaymentService.RecordPaymentResult")
	defer span.End()

	paymentID := strings.TrimSpace(cmd.PaymentID)
	if paymentID == "" {
		return PaymentResult{}, fmt.Errorf("%w: payment id is required", ErrPaymentInvalidInput)
	}
	outcome, ok := domain.ParsePaymentStatus(string(cmd.Outcome))
	if !ok || outcome == domain.PaymentStatusPending {
		return PaymentResult{}, fmt.Errorf("%w: outcome must be success, failed or cancelled", ErrPaymentInvalidInput)
	}
	actor := firstNonEmpty(cmd.ActorID, paymentActor)
	source := firstNonEmpty(cmd.Source, defaultPaymentSource)
	span.SetAttributes(attribute.String("payment.id", paymentID), attribute.String("payment.outcome", string(outcome)))

	var (
		result          PaymentResult
		previousStatus  OrderStatus
		previousPayment PaymentStatus
		steps           []OrderStatus
	)
	now := s.now()
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		payment, err := s.payments.FindByID(txCtx, paymentID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if orderID := strings.TrimSpace(cmd.OrderID); orderID != "" && orderID != payment.OrderID {
			return fmt.Errorf("%w: payment %s does not belong to order %s", ErrPaymentNotFound, paymentID, orderID)
		}
		order, err := s.orders.FindByID(txCtx, payment.OrderID)
		if err != nil {
			return mapOrderRepositoryError(err)
		}

		result = PaymentResult{Payment: payment, Order: order}
		previousStatus = order.Status
		if payment.Status == outcome {
			result.NoOp = true
			return nil
		}
		if !settlementAllowed(payment.Status, outcome) {
			return fmt.Errorf("%w: payment is %s", ErrPaymentAlreadySettled, payment.Status)
		}
		previousPayment = payment.Status

		var siblings []Payment
		if outcome == domain.PaymentStatusSuccess {
			if siblings, err = s.payments.ListByOrder(txCtx, order.ID); err != nil {
				return s.mapRepositoryError(err)
			}
		}

		payment.Status = outcome
		payment.UpdatedAt = now
		payment.SettledAt = &now
		if ext := textutil.SanitizeText(cmd.ExternalTransactionID, maxExternalIDLength); ext != "" {
			payment.ExternalTransactionID = ext
		}
		payment.FailureReason = ""
		if outcome == domain.PaymentStatusFailed {
			payment.FailureReason = textutil.SanitizeText(cmd.FailureReason, maxFailureReasonLength)
		}

		if outcome == domain.PaymentStatusSuccess {
			result.Overpaid = settledAmount(siblings, payment.ID)+payment.Amount > order.Total

			switch order.Status {
			case domain.OrderStatusPending:
				steps = []OrderStatus{domain.OrderStatusConfirmed, domain.OrderStatusPaid}
			case domain.OrderStatusConfirmed:
				steps = []OrderStatus{domain.OrderStatusPaid}
			case domain.OrderStatusCancelled, domain.OrderStatusFailed:
				result.RequiresReview = true
			}

			for _, target := range steps {
				err := s.machine.apply(txCtx, &order, transitionStep{
					target: target,
					actor:  actor,
					note:   "payment " + payment.ID + " succeeded",
					now:    now,
				})
				if errors.Is(err, ErrInsufficientStock) && order.Status == domain.OrderStatusPending {
					result.RequiresReview = true
					steps = nil
					break
				}
				if err != nil {
					return err
				}
			}
			if len(steps) > 0 {
				if err := s.orders.Update(txCtx, order); err != nil {
					return mapOrderRepositoryError(err)
				}
				result.OrderChanged = true
			}
		}

		if err := s.payments.Update(txCtx, payment); err != nil {
			return s.mapRepositoryError(err)
		}
		result.Payment = payment
		result.Order = order
		return nil
	})
	if err != nil {
		s.logger(ctx, "payment.result.rejected", map[string]any{
			"paymentId": paymentID,
			"outcome":   string(outcome),
			"source":    source,
			"error":     err.Error(),
		})
		return PaymentResult{}, err
	}

	recordPaymentMetric(ctx, outcome, result.NoOp)
	if result.NoOp {
		s.logger(ctx, "payment.result.noop", map[string]any{
			"paymentId": paymentID,
			"outcome":   string(outcome),
			"source":    source,
		})
		return result, nil
	}

	fields := map[string]any{
		"paymentId":    result.Payment.ID,
		"orderId":      result.Order.ID,
		"outcome":      string(outcome),
		"source":       source,
		"orderStatus":  string(result.Order.Status),
		"orderChanged": result.OrderChanged,
	}
	if result.Overpaid {
		fields["overpaid"] = true
	}
	if result.RequiresReview {
		fields["requiresReview"] = true
		s.logger(ctx, "payment.result.review_required", fields)
	} else {
		s.logger(ctx, paymentEventRecorded, fields)
	}

	s.publishPaymentEvent(ctx, result.Payment, paymentEventRecorded, actor, map[string]any{
		"source":         source,
		"overpaid":       result.Overpaid,
		"requiresReview": result.RequiresReview,
	})
	s.recordAudit(ctx, AuditLogRecord{
		Actor:     actor,
		Action:    paymentEventRecorded,
		TargetRef: paymentRef(result.Payment.ID),
		Severity:  severityFor(result),
		Metadata:  map[string]any{"orderId": result.Order.ID, "source": source},
		Diff: map[string]AuditLogDiff{
			"status": {Before: string(previousPayment), After: string(outcome)},
		},
	})

	if result.OrderChanged {
		recordTransitionMetric(ctx, previousStatus, result.Order.Status)
		prev := previousStatus
		for _, target := range steps {
			s.publishOrderEvent(ctx, OrderEvent{
				Type:           orderEventStatusChanged,
				OrderID:        result.Order.ID,
				OrderNumber:    result.Order.Number,
				UserID:         result.Order.UserID,
				PreviousStatus: string(prev),
				CurrentStatus:  string(target),
				ActorID:        actor,
				OccurredAt:     now,
				Metadata:       map[string]any{"paymentId": result.Payment.ID},
			})
			prev = target
		}
		s.recordAudit(ctx, AuditLogRecord{
			Actor:     actor,
			Action:    orderEventStatusChanged,
			TargetRef: orderRef(result.Order.ID),
			Diff: map[string]AuditLogDiff{
				"status": {Before: string(previousStatus), After: string(result.Order.Status)},
			},
		})
	}
	return result, nil
}

func (s *paymentService) publishPaymentEvent(ctx context.Context, payment Payment, eventType, actor string, metadata map[string]any) {
	if s.events == nil {
		return
	}
	event := PaymentEvent{
		Type:       eventType,
		PaymentID:  payment.ID,
		OrderID:    payment.OrderID,
		Status:     string(payment.Status),
		Amount:     payment.Amount,
		Currency:   payment.Currency,
		ActorID:    actor,
		OccurredAt: payment.UpdatedAt,
		Metadata:   maps.Clone(metadata),
	}
	if err := s.events.PublishPaymentEvent(ctx, event); err != nil {
		s.logger(ctx, "payment.event.publish.failed", map[string]any{
			"type":    eventType,
			"payment": payment.ID,
			"error":   err.Error(),
		})
	}
}

func (s *paymentService) publishOrderEvent(ctx context.Context, event OrderEvent) {
	if s.orderEvents == nil {
		return
	}
	if err := s.orderEvents.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func (s *paymentService) recordAudit(ctx context.Context, record AuditLogRecord) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, record)
}

func (s *paymentService) mapRepositoryError(err error) error {
	return paymentStoreErrors.translate(err)
}

func (s *paymentService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *paymentService) now() time.Time {
	return s.clock()
}

func (s *paymentService) nextPaymentID() string {
	return paymentIDPrefix + s.newID()
}

// settledAmount sums successful payments, skipping excludeID.
func settledAmount(payments []Payment, excludeID string) int64 {
	var total int64
	for _, payment := range payments {
		if payment.ID == excludeID || payment.Status != domain.PaymentStatusSuccess {
			continue
		}
		total += payment.Amount
	}
	return total
}

// settlementAllowed reports whether a payment in status from may be recorded as to. Success and
// cancelled are final; a failed attempt is not, since the customer can retry the same intent.
func settlementAllowed(from, to PaymentStatus) bool {
	switch from {
	case domain.PaymentStatusPending:
		return true
	case domain.PaymentStatusFailed:
		return to == domain.PaymentStatusSuccess || to == domain.PaymentStatusCancelled
	}
	return false
}

func severityFor(result PaymentResult) string {
	if result.RequiresReview || result.Overpaid {
		return "warn"
	}
	return ""
}

func paymentRef(paymentID string) string {
	return "/payments/" + paymentID
}
