package auth

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var verificationCounter metric.Int64Counter

func init() {
	meter := otel.GetMeterProvider().Meter("github.com/hanko-field/orders/internal/platform/auth")
	verificationCounter, _ = meter.Int64Counter("auth.verifications",
		metric.WithDescription("Request authentication outcomes by verifier"))
}

func recordVerification(ctx context.Context, kind string, success bool, reason string) {
	if verificationCounter == nil {
		return
	}
	verificationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	))
}
