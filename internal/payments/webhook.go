// Package payments decodes payment provider callbacks into payment results.
package payments

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/hanko-field/orders/internal/domain"
)

const (
	ProviderStripe  = "stripe"
	ProviderGeneric = "generic"

	stripeSignatureHeader  = "Stripe-Signature"
	paymentIDMetadataKey   = "payment_id"
	defaultStripeTolerance = 5 * time.Minute
)

var (
	// ErrInvalidSignature means the callback could not be authenticated.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrInvalidPayload means the callback body is malformed or misses the payment id.
	ErrInvalidPayload = errors.New("payments: invalid webhook payload")
	// ErrIgnoredEvent means the event type carries no payment outcome and should be acknowledged.
	ErrIgnoredEvent = errors.New("payments: event ignored")
)

// Result is the outcome a provider reported for one payment.
type Result struct {
	Provider              string
	EventID               string
	PaymentID             string
	Outcome               domain.PaymentStatus
	ExternalTransactionID string
	FailureReason         string
}

// Decoder turns a raw callback into a Result.
type Decoder interface {
	Decode(header http.Header, payload []byte) (Result, error)
}

// StripeDecoder verifies the Stripe-Signature header and maps payment_intent events. The order
// service payment id travels in the intent metadata under payment_id.
type StripeDecoder struct {
	secret    string
	tolerance time.Duration
}

// NewStripeDecoder builds a decoder for the endpoint signing secret. A zero tolerance uses the
// default window for the signature timestamp.
func NewStripeDecoder(secret string, tolerance time.Duration) (*StripeDecoder, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("payments: stripe webhook secret is required")
	}
	if tolerance <= 0 {
		tolerance = defaultStripeTolerance
	}
	return &StripeDecoder{secret: secret, tolerance: tolerance}, nil
}

// Decode verifies the signature and returns the payment outcome. Event types other than
// succeeded, payment_failed and canceled return ErrIgnoredEvent. A payment_failed event may be
// followed by succeeded for the same intent when the customer retries.
func (d *StripeDecoder) Decode(header http.Header, payload []byte) (Result, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header.Get(stripeSignatureHeader), d.secret, webhook.ConstructEventOptions{
		Tolerance:                d.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var outcome domain.PaymentStatus
	switch string(event.Type) {
	case "payment_intent.succeeded":
		outcome = domain.PaymentStatusSuccess
	case "payment_intent.payment_failed":
		outcome = domain.PaymentStatusFailed
	case "payment_intent.canceled":
		outcome = domain.PaymentStatusCancelled
	default:
		return Result{Provider: ProviderStripe, EventID: event.ID}, ErrIgnoredEvent
	}
	if event.Data == nil {
		return Result{}, fmt.Errorf("%w: event %s has no data", ErrInvalidPayload, event.ID)
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return Result{}, fmt.Errorf("%w: decode payment intent: %v", ErrInvalidPayload, err)
	}
	paymentID := strings.TrimSpace(intent.Metadata[paymentIDMetadataKey])
	if paymentID == "" {
		return Result{}, fmt.Errorf("%w: intent %s has no %s metadata", ErrInvalidPayload, intent.ID, paymentIDMetadataKey)
	}

	result := Result{
		Provider:              ProviderStripe,
		EventID:               event.ID,
		PaymentID:             paymentID,
		Outcome:               outcome,
		ExternalTransactionID: intent.ID,
	}
	switch {
	case intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "":
		result.FailureReason = intent.LastPaymentError.Msg
	case outcome == domain.PaymentStatusCancelled && intent.CancellationReason != "":
		result.FailureReason = string(intent.CancellationReason)
	}
	return result, nil
}

// GenericDecoder reads the JSON body of the HMAC signed callback. Signature checks happen in the
// auth middleware before the body reaches the decoder.
type GenericDecoder struct{}

type genericPayload struct {
	EventID               string `json:"event_id"`
	PaymentID             string `json:"payment_id"`
	Outcome               string `json:"outcome"`
	ExternalTransactionID string `json:"external_transaction_id"`
	FailureReason         string `json:"failure_reason"`
}

func (GenericDecoder) Decode(_ http.Header, payload []byte) (Result, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	var body genericPayload
	if err := dec.Decode(&body); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	paymentID := strings.TrimSpace(body.PaymentID)
	if paymentID == "" {
		return Result{}, fmt.Errorf("%w: payment_id is required", ErrInvalidPayload)
	}
	outcome, ok := domain.ParsePaymentStatus(body.Outcome)
	if !ok || outcome == domain.PaymentStatusPending {
		return Result{}, fmt.Errorf("%w: unsupported outcome %q", ErrInvalidPayload, body.Outcome)
	}
	return Result{
		Provider:              ProviderGeneric,
		EventID:               strings.TrimSpace(body.EventID),
		PaymentID:             paymentID,
		Outcome:               outcome,
		ExternalTransactionID: strings.TrimSpace(body.ExternalTransactionID),
		FailureReason:         strings.TrimSpace(body.FailureReason),
	}, nil
}
