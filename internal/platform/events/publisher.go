// Package events publishes order and payment domain events to a message broker after the
// originating transaction commits.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hanko-field/orders/internal/platform/textutil"
	"github.com/hanko-field/orders/internal/services"
)

const (
	// SchemaVersion is stamped on every envelope.
	SchemaVersion = "1"

	defaultSource = "orders-api"
)

// Message is the broker-neutral form of an encoded event.
type Message struct {
	ID         string
	Key        string
	Data       []byte
	Attributes map[string]string
}

// Sink delivers encoded messages to a broker.
type Sink interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Envelope is the JSON body of every published message.
type Envelope struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	SchemaVersion string         `json:"schema_version"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Data          map[string]any `json:"data"`
}

// Publisher encodes service events into envelopes and hands them to a Sink. It implements
// services.OrderEventPublisher and services.PaymentEventPublisher.
type Publisher struct {
	sink   Sink
	source string
	newID  func() string
	clock  func() time.Time
}

// Option customises a Publisher.
type Option func(*Publisher)

// WithSource overrides the envelope source.
func WithSource(source string) Option {
	return func(p *Publisher) {
		if source = strings.TrimSpace(source); source != "" {
			p.source = source
		}
	}
}

// WithIDGenerator overrides envelope id generation.
func WithIDGenerator(fn func() string) Option {
	return func(p *Publisher) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// WithClock overrides the clock used when an event carries no timestamp.
func WithClock(fn func() time.Time) Option {
	return func(p *Publisher) {
		if fn != nil {
			p.clock = fn
		}
	}
}

// NewPublisher wraps sink.
func NewPublisher(sink Sink, opts ...Option) (*Publisher, error) {
	if sink == nil {
		return nil, errors.New("events: sink is required")
	}
	p := &Publisher{
		sink:   sink,
		source: defaultSource,
		newID:  func() string { return "evt_" + ulid.Make().String() },
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

var (
	_ services.OrderEventPublisher   = (*Publisher)(nil)
	_ services.PaymentEventPublisher = (*Publisher)(nil)
)

// PublishOrderEvent implements services.OrderEventPublisher. Messages are keyed by order id so
// brokers that support ordering deliver one order's events in sequence.
func (p *Publisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	data := map[string]any{
		"order_id":     event.OrderID,
		"order_number": event.OrderNumber,
		"user_id":      event.UserID,
		"status":       event.CurrentStatus,
		"actor":        event.ActorID,
	}
	if event.PreviousStatus != "" {
		data["previous_status"] = event.PreviousStatus
	}
	if len(event.Metadata) > 0 {
		data["metadata"] = maps.Clone(event.Metadata)
	}
	attrs := map[string]string{
		"orderId": event.OrderID,
		"status":  event.CurrentStatus,
	}
	return p.publish(ctx, event.Type, event.OrderID, event.OccurredAt, data, attrs)
}

// PublishPaymentEvent implements services.PaymentEventPublisher.
func (p *Publisher) PublishPaymentEvent(ctx context.Context, event services.PaymentEvent) error {
	data := map[string]any{
		"payment_id": event.PaymentID,
		"order_id":   event.OrderID,
		"status":     event.Status,
		"amount":     event.Amount,
		"currency":   event.Currency,
		"actor":      event.ActorID,
	}
	if len(event.Metadata) > 0 {
		data["metadata"] = maps.Clone(event.Metadata)
	}
	attrs := map[string]string{
		"paymentId": event.PaymentID,
		"orderId":   event.OrderID,
		"status":    event.Status,
	}
	return p.publish(ctx, event.Type, event.OrderID, event.OccurredAt, data, attrs)
}

// Close releases the underlying sink.
func (p *Publisher) Close() error {
	if p == nil || p.sink == nil {
		return nil
	}
	return p.sink.Close()
}

func (p *Publisher) publish(ctx context.Context, eventType, key string, occurredAt time.Time, data map[string]any, attrs map[string]string) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return errors.New("events: event type is required")
	}
	if occurredAt.IsZero() {
		occurredAt = p.clock()
	}
	envelope := Envelope{
		ID:            p.newID(),
		Type:          eventType,
		Source:        p.source,
		SchemaVersion: SchemaVersion,
		OccurredAt:    occurredAt.UTC(),
		Data:          data,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", eventType, err)
	}

	attributes := textutil.AttributeMap(attrs, map[string]string{"type": eventType, "schemaVersion": SchemaVersion})
	if err := p.sink.Send(ctx, Message{ID: envelope.ID, Key: key, Data: payload, Attributes: attributes}); err != nil {
		return fmt.Errorf("events: publish %s: %w", eventType, err)
	}
	return nil
}
