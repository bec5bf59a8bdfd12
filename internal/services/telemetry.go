package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/hanko-field/orders/internal/services"

var (
	tracer = otel.Tracer(instrumentationName)

	transitionCounter metric.Int64Counter
	paymentCounter    metric.Int64Counter
)

func init() {
	meter := otel.GetMeterProvider().Meter(instrumentationName)
	transitionCounter, _ = meter.Int64Counter("orders.status.transitions",
		metric.WithDescription("Order status transitions applied"))
	paymentCounter, _ = meter.Int64Counter("orders.payments.results",
		metric.WithDescription("Payment outcomes recorded"))
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

func recordTransitionMetric(ctx context.Context, from, to OrderStatus) {
	if transitionCounter == nil {
		return
	}
	transitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func recordPaymentMetric(ctx context.Context, outcome PaymentStatus, noop bool) {
	if paymentCounter == nil {
		return
	}
	paymentCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.Bool("noop", noop),
	))
}
