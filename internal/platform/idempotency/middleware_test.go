package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/config"
)

var fixedTime = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestMiddleware(store Store, clock *time.Time) func(http.Handler) http.Handler {
	return Middleware(store, config.IdempotencyConfig{TTL: time.Hour}, WithClock(func() time.Time { return *clock }))
}

func newOrderRequest(key, body string, uid string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Roles: []string{auth.RoleCustomer}}))
	}
	return req
}

func TestMiddlewareRequiresKey(t *testing.T) {
	clock := fixedTime
	called := false
	handler := newTestMiddleware(NewMemoryStore(), &clock)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("", `{"items":[]}`, "user-1"))

	if called {
		t.Fatal("handler must not run without a key")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddlewareOptionalKeyPassesThrough(t *testing.T) {
	called := false
	handler := Middleware(NewMemoryStore(), config.IdempotencyConfig{}, WithOptionalKey())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusCreated)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("", `{}`, "user-1"))
	if !called || rr.Code != http.StatusCreated {
		t.Fatalf("expected pass-through, called=%v status=%d", called, rr.Code)
	}
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	clock := fixedTime
	calls := 0
	handler := newTestMiddleware(NewMemoryStore(), &clock)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Location", "/api/v1/orders/ord_1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"message":"order created"}`))
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newOrderRequest("key-1", `{"items":[1]}`, "user-1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newOrderRequest("key-1", `{"items":[1]}`, "user-1"))

	if calls != 1 {
		t.Fatalf("expected one handler call, got %d", calls)
	}
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get(replayHeader) != "true" {
		t.Fatal("expected replay header")
	}
	if second.Header().Get("Location") != "/api/v1/orders/ord_1" {
		t.Fatalf("expected stored Location header, got %q", second.Header().Get("Location"))
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("expected body %q, got %q", first.Body.String(), second.Body.String())
	}
	if first.Header().Get(replayHeader) != "" {
		t.Fatal("first response must not be marked as replay")
	}
}

func TestMiddlewareScopesKeysPerCaller(t *testing.T) {
	clock := fixedTime
	calls := 0
	handler := newTestMiddleware(NewMemoryStore(), &clock)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("shared", `{}`, "user-1"))
	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("shared", `{}`, "user-2"))
	if calls != 2 {
		t.Fatalf("expected both callers to reach the handler, got %d", calls)
	}
}

func TestMiddlewareRejectsReusedKeyWithDifferentBody(t *testing.T) {
	clock := fixedTime
	handler := newTestMiddleware(NewMemoryStore(), &clock)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("key-2", `{"qty":1}`, "user-1"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("key-2", `{"qty":2}`, "user-1"))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_reused")
}

func TestMiddlewareInFlightKeyReturnsConflict(t *testing.T) {
	clock := fixedTime
	store := NewMemoryStore()
	var handler http.Handler
	handler = newTestMiddleware(store, &clock)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, newOrderRequest("key-3", `{}`, "user-1"))
		if rr.Code != http.StatusConflict {
			t.Errorf("expected nested retry to see 409, got %d", rr.Code)
		}
		assertErrorCode(t, rr.Body.Bytes(), "idempotency_in_progress")
		w.WriteHeader(http.StatusCreated)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("key-3", `{}`, "user-1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected outer request to succeed, got %d", rr.Code)
	}
}

func TestMiddlewareServerErrorReleasesKey(t *testing.T) {
	clock := fixedTime
	calls := 0
	handler := newTestMiddleware(NewMemoryStore(), &clock)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newOrderRequest("key-4", `{}`, "user-1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newOrderRequest("key-4", `{}`, "user-1"))

	if first.Code != http.StatusServiceUnavailable || second.Code != http.StatusCreated || calls != 2 {
		t.Fatalf("expected retry after 5xx, got %d then %d with %d calls", first.Code, second.Code, calls)
	}
}

func TestMiddlewareExpiredKeyRunsAgain(t *testing.T) {
	clock := fixedTime
	calls := 0
	handler := newTestMiddleware(NewMemoryStore(), &clock)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("key-5", `{}`, "user-1"))
	clock = clock.Add(2 * time.Hour)
	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("key-5", `{}`, "user-1"))
	if calls != 2 {
		t.Fatalf("expected expired key to be claimable again, got %d calls", calls)
	}
}

func TestMiddlewareFinishFailureStillReturnsResponse(t *testing.T) {
	clock := fixedTime
	store := &failingFinishStore{MemoryStore: NewMemoryStore()}
	handler := newTestMiddleware(store, &clock)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("key-6", `{}`, "user-1"))
	if rr.Code != http.StatusCreated || rr.Body.String() != "ok" {
		t.Fatalf("expected handler response, got %d %q", rr.Code, rr.Body.String())
	}
	if !store.aborted {
		t.Fatal("expected key to be aborted after finish failure")
	}
}

func TestMiddlewareSkipsSafeMethods(t *testing.T) {
	clock := fixedTime
	called := false
	handler := newTestMiddleware(NewMemoryStore(), &clock)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	if !called {
		t.Fatal("GET must bypass the middleware")
	}
}

func TestSweeperPurgesExpiredKeys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		if _, _, err := store.Begin(ctx, key, "h", fixedTime, time.Minute); err != nil {
			t.Fatalf("Begin: %v", err)
		}
	}
	if _, _, err := store.Begin(ctx, "fresh", "h", fixedTime.Add(time.Hour), time.Hour); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	sweeper := NewSweeper(store, config.IdempotencyConfig{CleanupBatchSize: 2}, nil)
	sweeper.now = func() time.Time { return fixedTime.Add(30 * time.Minute) }
	removed, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 purged keys, got %d", removed)
	}
	if outcome, _, _ := store.Begin(ctx, "fresh", "h", fixedTime.Add(time.Hour), time.Hour); outcome != OutcomeInFlight {
		t.Fatalf("fresh key must survive the sweep, got outcome %d", outcome)
	}
}

type failingFinishStore struct {
	*MemoryStore
	aborted bool
}

func (s *failingFinishStore) Finish(context.Context, string, Response, time.Time, time.Duration) error {
	return errors.New("write failed")
}

func (s *failingFinishStore) Abort(ctx context.Context, key string) error {
	s.aborted = true
	return s.MemoryStore.Abort(ctx, key)
}

func assertErrorCode(t *testing.T, payload []byte, expected string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if body.Error != expected {
		t.Fatalf("expected error code %s, got %s", expected, body.Error)
	}
}
