package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/services"
)

const (
	maxWebhookBodySize = 256 * 1024
	webhookActor       = "system:payment"
)

var webhookCounter metric.Int64Counter

func init() {
	meter := otel.GetMeterProvider().Meter("github.com/hanko-field/orders/internal/handlers")
	webhookCounter, _ = meter.Int64Counter("orders.webhooks.received",
		metric.WithDescription("Payment provider callbacks by provider and result"))
}

// WebhookHandlers receives payment provider callbacks and records their outcome.
type WebhookHandlers struct {
	payments      services.PaymentService
	stripe        payments.Decoder
	generic       payments.Decoder
	genericVerify func(http.Handler) http.Handler
	limiter       rateLimiter
}

// WebhookOption customises WebhookHandlers.
type WebhookOption func(*WebhookHandlers)

// WithStripeDecoder enables POST /payments/stripe.
func WithStripeDecoder(decoder payments.Decoder) WebhookOption {
	return func(h *WebhookHandlers) {
		h.stripe = decoder
	}
}

// WithGenericDecoder enables POST /payments/generic behind verify, which must authenticate the
// request before the body is decoded.
func WithGenericDecoder(decoder payments.Decoder, verify func(http.Handler) http.Handler) WebhookOption {
	return func(h *WebhookHandlers) {
		h.generic = decoder
		h.genericVerify = verify
	}
}

// WithWebhookRateLimit caps callbacks per client address within window.
func WithWebhookRateLimit(limit int, window time.Duration) WebhookOption {
	return func(h *WebhookHandlers) {
		h.limiter = newClientLimiter(limit, window, nil)
	}
}

// NewWebhookHandlers constructs the webhook receiver.
func NewWebhookHandlers(paymentsService services.PaymentService, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{payments: paymentsService}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /webhooks endpoints for the configured providers.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	limited := r.With(rateLimit(h.limiter))
	if h.stripe != nil {
		limited.Post("/payments/stripe", h.receive(payments.ProviderStripe, h.stripe))
	}
	if h.generic != nil {
		generic := limited
		if h.genericVerify != nil {
			generic = generic.With(h.genericVerify)
		}
		generic.Post("/payments/generic", h.receive(payments.ProviderGeneric, h.generic))
	}
}

func (h *WebhookHandlers) receive(provider string, decoder payments.Decoder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := requestctx.Logger(ctx).With(zap.String("provider", provider))
		if h.payments == nil {
			writeServiceUnavailable(ctx, w, "payment")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
		if err != nil {
			recordWebhook(r, provider, "too_large")
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return
		}

		event, err := decoder.Decode(r.Header, body)
		switch {
		case errors.Is(err, payments.ErrIgnoredEvent):
			recordWebhook(r, provider, "ignored")
			writeJSONResponse(w, http.StatusOK, webhookResponse{Received: true, Ignored: true, EventID: event.EventID})
			return
		case errors.Is(err, payments.ErrInvalidSignature):
			recordWebhook(r, provider, "invalid_signature")
			logger.Warn("webhook signature rejected", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
			return
		case err != nil:
			recordWebhook(r, provider, "invalid_payload")
			httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", err.Error(), http.StatusBadRequest))
			return
		}

		result, err := h.payments.RecordPaymentResult(ctx, services.RecordPaymentResultCommand{
			PaymentID:             event.PaymentID,
			Outcome:               event.Outcome,
			ExternalTransactionID: event.ExternalTransactionID,
			FailureReason:         event.FailureReason,
			ActorID:               webhookActor,
			Source:                provider,
		})
		if err != nil {
			recordWebhook(r, provider, "rejected")
			logger.Warn("webhook payment result rejected",
				zap.String("event_id", event.EventID),
				zap.String("payment_id", event.PaymentID),
				zap.Error(err))
			writePaymentError(ctx, w, err)
			return
		}

		status := "recorded"
		if result.NoOp {
			status = "duplicate"
		}
		recordWebhook(r, provider, status)
		logger.Info("webhook payment result recorded",
			zap.String("event_id", event.EventID),
			zap.String("payment_id", result.Payment.ID),
			zap.String("outcome", string(result.Payment.Status)),
			zap.String("order_status", string(result.Order.Status)),
			zap.Bool("noop", result.NoOp),
			zap.Bool("requires_review", result.RequiresReview))
		writeJSONResponse(w, http.StatusOK, webhookResponse{
			Received:       true,
			EventID:        event.EventID,
			PaymentID:      result.Payment.ID,
			PaymentStatus:  string(result.Payment.Status),
			OrderStatus:    string(result.Order.Status),
			NoOp:           result.NoOp,
			RequiresReview: result.RequiresReview,
		})
	}
}

type webhookResponse struct {
	Received       bool   `json:"received"`
	Ignored        bool   `json:"ignored,omitempty"`
	EventID        string `json:"event_id,omitempty"`
	PaymentID      string `json:"payment_id,omitempty"`
	PaymentStatus  string `json:"payment_status,omitempty"`
	OrderStatus    string `json:"order_status,omitempty"`
	NoOp           bool   `json:"noop,omitempty"`
	RequiresReview bool   `json:"requires_review,omitempty"`
}

func recordWebhook(r *http.Request, provider, result string) {
	if webhookCounter == nil {
		return
	}
	webhookCounter.Add(r.Context(), 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("result", result),
	))
}
