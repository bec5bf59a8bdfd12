package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const schedulerAudience = "https://orders.example.com/api/v1/internal/orders/expire-pending"

type oidcFixture struct {
	verifier *OIDCVerifier
	key      *rsa.PrivateKey
	now      time.Time
	fetches  *atomic.Int32
}

func newOIDCFixture(t *testing.T) oidcFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "svc-key", Algorithm: jwt.SigningMethodRS256.Alg(), Use: "sig"}

	fetches := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(server.Close)

	now := time.Unix(1_700_000_000, 0)
	original := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return now }
	t.Cleanup(func() { jwt.TimeFunc = original })

	clock := func() time.Time { return now }
	verifier := NewOIDCVerifier(NewJWKSCache(server.URL, WithJWKSClock(clock)), WithOIDCClock(clock))
	return oidcFixture{verifier: verifier, key: key, now: now, fetches: fetches}
}

func (f oidcFixture) token(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"aud":   []string{schedulerAudience},
		"iss":   "https://accounts.google.com",
		"sub":   "1234567890",
		"email": "scheduler@orders.iam.gserviceaccount.com",
		"exp":   float64(f.now.Add(time.Hour).Unix()),
		"iat":   float64(f.now.Unix()),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "svc-key"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWKSCache_CachesKeysUntilMaxAge(t *testing.T) {
	f := newOIDCFixture(t)
	cache := f.verifier.cache

	got, err := cache.Key(context.Background(), "svc-key")
	if err != nil {
		t.Fatalf("cache.Key: %v", err)
	}
	if _, ok := got.(*rsa.PublicKey); !ok {
		t.Fatalf("expected *rsa.PublicKey, got %T", got)
	}
	if _, err := cache.Key(context.Background(), "svc-key"); err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if f.fetches.Load() != 1 {
		t.Fatalf("expected single JWKS fetch, got %d", f.fetches.Load())
	}

	if _, err := cache.Key(context.Background(), "rotated"); !errors.Is(err, ErrJWKSKeyNotFound) {
		t.Fatalf("expected ErrJWKSKeyNotFound, got %v", err)
	}
	if f.fetches.Load() != 2 {
		t.Fatalf("expected unknown kid to force a refresh, got %d fetches", f.fetches.Load())
	}
}

func TestRequireOIDC_Success(t *testing.T) {
	f := newOIDCFixture(t)

	var identity *ServiceIdentity
	handler := f.verifier.RequireOIDC(schedulerAudience, []string{"https://accounts.google.com"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, _ = ServiceIdentityFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/orders/expire-pending", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, nil))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if identity == nil || identity.ActorID() != "service:scheduler@orders.iam.gserviceaccount.com" {
		t.Fatalf("unexpected identity %#v", identity)
	}
}

func TestRequireOIDC_Rejections(t *testing.T) {
	f := newOIDCFixture(t)

	tests := []struct {
		name     string
		audience string
		mutate   func(jwt.MapClaims)
		header   func(token string) string
		status   int
	}{
		{
			name:     "audience mismatch",
			audience: "https://other.example.com",
			status:   http.StatusUnauthorized,
		},
		{
			name:     "issuer not allowed",
			audience: schedulerAudience,
			mutate:   func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" },
			status:   http.StatusUnauthorized,
		},
		{
			name:     "expired",
			audience: schedulerAudience,
			mutate:   func(c jwt.MapClaims) { c["exp"] = float64(f.now.Add(-time.Minute).Unix()) },
			status:   http.StatusUnauthorized,
		},
		{
			name:     "missing token",
			audience: schedulerAudience,
			header:   func(string) string { return "" },
			status:   http.StatusUnauthorized,
		},
		{
			name:   "audience not configured",
			status: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := f.verifier.RequireOIDC(tc.audience, []string{"https://accounts.google.com"})(
				http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
					t.Fatalf("handler should not be called")
				}))

			token := f.token(t, tc.mutate)
			header := "Bearer " + token
			if tc.header != nil {
				header = tc.header(token)
			}
			req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/orders/expire-pending", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}

func TestRequireOIDC_JWKSUnavailable(t *testing.T) {
	f := newOIDCFixture(t)
	f.verifier.cache.url = "http://127.0.0.1:1/unreachable"

	handler := f.verifier.RequireOIDC(schedulerAudience, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/orders/expire-pending", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, nil))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestParseMaxAge(t *testing.T) {
	if got := parseMaxAge("public, max-age=19800, must-revalidate"); got != 19800*time.Second {
		t.Fatalf("unexpected max-age %s", got)
	}
	if got := parseMaxAge("no-cache"); got != 0 {
		t.Fatalf("expected zero, got %s", got)
	}
}
