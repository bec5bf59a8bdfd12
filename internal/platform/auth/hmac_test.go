package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

const (
	genericSecretName = "payments"
	genericSecret     = "super-secret"
	genericPath       = "/api/v1/webhooks/payments/generic"
)

type signedCall struct {
	body      []byte
	timestamp string
	nonce     string
	signature string
}

func newSignedCall(now time.Time, nonce string, body []byte) signedCall {
	timestamp := strconv.FormatInt(now.Unix(), 10)
	return signedCall{
		body:      body,
		timestamp: timestamp,
		nonce:     nonce,
		signature: SignRequest(genericSecret, http.MethodPost, genericPath, timestamp, nonce, body),
	}
}

func (c signedCall) request() *http.Request {
	req := httptest.NewRequest(http.MethodPost, genericPath, bytes.NewReader(c.body))
	req.Header.Set(defaultSignatureHeader, c.signature)
	req.Header.Set(defaultTimestampHeader, c.timestamp)
	req.Header.Set(defaultNonceHeader, c.nonce)
	return req
}

func newTestHMACVerifier(now time.Time) *HMACVerifier {
	return NewHMACVerifier(StaticSecrets{genericSecretName: genericSecret}, NewInMemoryNonceStore(),
		WithHMACClock(func() time.Time { return now }))
}

func TestRequireSignature_AcceptsAndRestoresBody(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	verifier := newTestHMACVerifier(now)
	call := newSignedCall(now, "nonce-1", []byte(`{"payment_id":"pay_1","outcome":"success"}`))

	var forwarded []byte
	handler := verifier.RequireSignature(genericSecretName)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, call.request())
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if !bytes.Equal(forwarded, call.body) {
		t.Fatalf("expected body restored, got %q", forwarded)
	}

	replay := httptest.NewRecorder()
	handler.ServeHTTP(replay, call.request())
	if replay.Code != http.StatusUnauthorized || decodeErrorCode(t, replay) != "nonce_replay" {
		t.Fatalf("expected nonce replay rejection, got %d %s", replay.Code, replay.Body.String())
	}
}

func TestRequireSignature_AcceptsBase64Signature(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	verifier := newTestHMACVerifier(now)
	call := newSignedCall(now, "nonce-b64", []byte(`{}`))
	req := call.request()
	timestamp := strconv.FormatInt(now.Unix(), 10)
	raw := computeHMAC([]byte(genericSecret), buildCanonicalString(req, call.body, timestamp, call.nonce))
	req.Header.Set(defaultSignatureHeader, base64.StdEncoding.EncodeToString(raw))

	rr := httptest.NewRecorder()
	verifier.RequireSignature(genericSecretName)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
}

func TestRequireSignature_Rejections(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	body := []byte(`{"payment_id":"pay_1","outcome":"failed"}`)

	tests := []struct {
		name   string
		secret string
		build  func() *http.Request
		status int
		code   string
	}{
		{
			name:   "unknown secret",
			secret: "unknown",
			build:  func() *http.Request { return newSignedCall(now, "n1", body).request() },
			status: http.StatusServiceUnavailable,
			code:   "verification_unavailable",
		},
		{
			name:   "missing signature",
			secret: genericSecretName,
			build: func() *http.Request {
				req := newSignedCall(now, "n2", body).request()
				req.Header.Del(defaultSignatureHeader)
				return req
			},
			status: http.StatusUnauthorized,
			code:   "signature_missing",
		},
		{
			name:   "stale timestamp",
			secret: genericSecretName,
			build:  func() *http.Request { return newSignedCall(now.Add(-time.Hour), "n3", body).request() },
			status: http.StatusUnauthorized,
			code:   "timestamp_skew",
		},
		{
			name:   "tampered body",
			secret: genericSecretName,
			build: func() *http.Request {
				call := newSignedCall(now, "n4", body)
				call.body = []byte(`{"payment_id":"pay_1","outcome":"success"}`)
				return call.request()
			},
			status: http.StatusUnauthorized,
			code:   "signature_mismatch",
		},
		{
			name:   "garbage signature",
			secret: genericSecretName,
			build: func() *http.Request {
				req := newSignedCall(now, "n5", body).request()
				req.Header.Set(defaultSignatureHeader, "%%%")
				return req
			},
			status: http.StatusUnauthorized,
			code:   "signature_invalid",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			verifier := newTestHMACVerifier(now)
			handler := verifier.RequireSignature(tc.secret)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatalf("handler should not be called")
			}))
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, tc.build())
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if got := decodeErrorCode(t, rr); got != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, got)
			}
		})
	}
}

func TestInMemoryNonceStoreExpires(t *testing.T) {
	store := NewInMemoryNonceStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	if ok, err := store.UseNonce(context.Background(), "payments", "n", now.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("expected first use to be stored, got %v %v", ok, err)
	}
	if ok, _ := store.UseNonce(context.Background(), "payments", "n", now.Add(time.Minute)); ok {
		t.Fatalf("expected replay inside window to be rejected")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := store.UseNonce(context.Background(), "payments", "n", now.Add(time.Minute)); !ok {
		t.Fatalf("expected nonce to be reusable after expiry")
	}
}
