package idempotency

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/config"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/platform/requestctx"
)

const (
	defaultHeader = "Idempotency-Key"
	replayHeader  = "Idempotent-Replayed"
	maxKeyLength  = 255
)

// Option customises the middleware.
type Option func(*middleware)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *middleware) {
		if now != nil {
			m.now = now
		}
	}
}

// WithOptionalKey lets requests without the header through unguarded.
func WithOptionalKey() Option {
	return func(m *middleware) { m.optional = true }
}

type middleware struct {
	store    Store
	header   string
	ttl      time.Duration
	now      func() time.Time
	optional bool
}

// Middleware guards mutating requests with the configured Idempotency-Key header. Keys are scoped
// to the caller and route, so two users cannot collide. Completed non-5xx responses are replayed
// verbatim with Idempotent-Replayed: true; a 5xx releases the key so the client may retry.
func Middleware(store Store, cfg config.IdempotencyConfig, opts ...Option) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	m := &middleware{
		store:  store,
		header: strings.TrimSpace(cfg.Header),
		ttl:    cfg.TTL,
		now:    time.Now,
	}
	if m.header == "" {
		m.header = defaultHeader
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m.wrap
}

func (m *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		logger := requestctx.Logger(ctx)

		rawKey := strings.TrimSpace(r.Header.Get(m.header))
		if rawKey == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", m.header+" header is required", http.StatusBadRequest))
			return
		}
		if len(rawKey) > maxKeyLength {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", m.header+" header is too long", http.StatusBadRequest))
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		caller := callerScope(r)
		key := hashHex(caller, r.Method, r.URL.Path, rawKey)
		requestHash := hashHex(r.URL.RawQuery, r.Header.Get("Content-Type"), string(body))

		outcome, stored, err := m.store.Begin(ctx, key, requestHash, m.now().UTC(), m.ttl)
		switch {
		case err == nil:
		case errors.Is(err, ErrRequestMismatch):
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key was used with a different request", http.StatusUnprocessableEntity))
			return
		default:
			logger.Error("idempotency begin failed", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
			return
		}

		switch outcome {
		case OutcomeReplay:
			replay(w, stored)
			return
		case OutcomeInFlight:
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is still processing", http.StatusConflict))
			return
		}

		rec := &capture{header: make(http.Header)}
		next.ServeHTTP(rec, r)

		if rec.status() >= http.StatusInternalServerError {
			if err := m.store.Abort(ctx, key); err != nil {
				logger.Warn("idempotency abort failed", zap.Error(err))
			}
		} else {
			resp := Response{Status: rec.status(), Header: replayableHeader(rec.header), Body: rec.body.Bytes()}
			if err := m.store.Finish(ctx, key, resp, m.now().UTC(), m.ttl); err != nil {
				logger.Error("idempotency finish failed", zap.Error(err))
				if abortErr := m.store.Abort(ctx, key); abortErr != nil {
					logger.Warn("idempotency abort failed", zap.Error(abortErr))
				}
			}
		}
		rec.flush(w)
	})
}

func callerScope(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.UID != "" {
		return "user:" + identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(r.Context()); ok && svc.ActorID() != "" {
		return svc.ActorID()
	}
	return "anonymous"
}

func replay(w http.ResponseWriter, resp Response) {
	for name, values := range resp.Header {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(replayHeader, "true")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// capture buffers the handler response until the key state is persisted.
type capture struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func (c *capture) Header() http.Header { return c.header }

func (c *capture) WriteHeader(status int) {
	if c.code == 0 {
		c.code = status
	}
}

func (c *capture) Write(p []byte) (int, error) {
	if c.code == 0 {
		c.code = http.StatusOK
	}
	return c.body.Write(p)
}

func (c *capture) status() int {
	if c.code == 0 {
		return http.StatusOK
	}
	return c.code
}

func (c *capture) flush(w http.ResponseWriter) {
	for name, values := range c.header {
		w.Header()[name] = values
	}
	w.WriteHeader(c.status())
	_, _ = w.Write(c.body.Bytes())
}
