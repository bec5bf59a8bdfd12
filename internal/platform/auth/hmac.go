package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
	maxSignedBody    = 1 << 20
)

// SecretProvider resolves shared secrets used for HMAC validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// StaticSecrets serves secrets already resolved at configuration time.
type StaticSecrets map[string]string

// GetSecret implements SecretProvider.
func (s StaticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	secret, ok := s[strings.ToLower(strings.TrimSpace(name))]
	if !ok || secret == "" {
		return "", fmt.Errorf("auth: secret %q not configured", name)
	}
	return secret, nil
}

// NonceStore tracks unique nonces for replay prevention.
type NonceStore interface {
	// UseNonce records the nonce if it has not been seen within scope. It returns false for a replay.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore keeps nonces in process memory. Replays across instances are not detected.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	now    func() time.Time
	nonces map[string]time.Time
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{now: time.Now, nonces: make(map[string]time.Time)}
}

// UseNonce records the nonce until expiry.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	key := scope + "::" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.nonces {
		if exp.Before(now) {
			delete(s.nonces, k)
		}
	}
	if existing, ok := s.nonces[key]; ok && existing.After(now) {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// HMACVerifier authenticates signed payment callbacks. The signature covers
// METHOD\nPATH\nTIMESTAMP\nNONCE\nhex(sha256(body)).
type HMACVerifier struct {
	secrets SecretProvider
	nonces  NonceStore
	logger  Logger
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
	nonceTTL        time.Duration
}

// HMACOption customises the verifier.
type HMACOption func(*HMACVerifier)

// NewHMACVerifier builds a verifier using the given secret provider and nonce store.
func NewHMACVerifier(secrets SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACVerifier {
	v := &HMACVerifier{
		secrets:         secrets,
		nonces:          nonces,
		logger:          discardLogger{},
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// WithHMACLogger overrides the verifier logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACClock injects a custom clock, primarily for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders customises the header names. Empty values keep the defaults.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACVerifier) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACWindow adjusts the accepted clock skew and nonce retention.
func WithHMACWindow(skew, nonceTTL time.Duration) HMACOption {
	return func(v *HMACVerifier) {
		if skew > 0 {
			v.clockSkew = skew
		}
		if nonceTTL > 0 {
			v.nonceTTL = nonceTTL
		}
	}
}

// RequireSignature rejects requests without a fresh, valid signature made with the named secret.
// The body is restored for the next handler.
func (v *HMACVerifier) RequireSignature(secretName string) func(http.Handler) http.Handler {
	secretName = strings.TrimSpace(secretName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			status, code, err := v.verify(r, secretName)
			if err != nil {
				v.logger.Printf("auth: hmac verification failed (%s): %v", code, err)
				recordVerification(ctx, "hmac", false, code)
				respondAuthError(ctx, w, status, code, err.Error())
				return
			}
			recordVerification(ctx, "hmac", true, "ok")
			next.ServeHTTP(w, r)
		})
	}
}

func (v *HMACVerifier) verify(r *http.Request, secretName string) (int, string, error) {
	ctx := r.Context()
	if v == nil || v.secrets == nil || secretName == "" {
		return http.StatusServiceUnavailable, "verification_unavailable", errors.New("hmac secret not configured")
	}
	secret, err := v.secrets.GetSecret(ctx, secretName)
	if err != nil {
		return http.StatusServiceUnavailable, "verification_unavailable", errors.New("hmac secret unavailable")
	}

	signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	switch {
	case signatureValue == "":
		return http.StatusUnauthorized, "signature_missing", errors.New("signature header missing")
	case timestampValue == "":
		return http.StatusUnauthorized, "timestamp_missing", errors.New("signature timestamp missing")
	case nonce == "":
		return http.StatusUnauthorized, "nonce_missing", errors.New("signature nonce missing")
	}

	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return http.StatusUnauthorized, "timestamp_invalid", errors.New("signature timestamp invalid")
	}
	now := v.now()
	if skew := now.Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return http.StatusUnauthorized, "timestamp_skew", errors.New("signature timestamp outside allowed window")
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return http.StatusBadRequest, "invalid_body", errors.New("unable to read body for signature verification")
	}
	signature, err := decodeSignature(signatureValue)
	if err != nil {
		return http.StatusUnauthorized, "signature_invalid", errors.New("signature encoding invalid")
	}
	expected := computeHMAC([]byte(secret), buildCanonicalString(r, body, timestampValue, nonce))
	if !hmac.Equal(signature, expected) {
		return http.StatusUnauthorized, "signature_mismatch", errors.New("signature verification failed")
	}

	if v.nonces == nil {
		return http.StatusServiceUnavailable, "verification_unavailable", errors.New("nonce store unavailable")
	}
	expiry := timestamp.Add(v.nonceTTL)
	if expiry.Before(now) {
		expiry = now.Add(v.nonceTTL)
	}
	stored, err := v.nonces.UseNonce(ctx, secretName, nonce, expiry)
	if err != nil {
		return http.StatusServiceUnavailable, "verification_unavailable", errors.New("nonce storage error")
	}
	if !stored {
		return http.StatusUnauthorized, "nonce_replay", errors.New("duplicate signature nonce")
	}
	return http.StatusOK, "ok", nil
}

// SignRequest computes the signature header value for a request body. Callers and tests use it
// to produce requests RequireSignature accepts.
func SignRequest(secret, method, path, timestamp, nonce string, body []byte) string {
	req := &http.Request{Method: method, URL: &url.URL{Path: path}}
	return hex.EncodeToString(computeHMAC([]byte(secret), buildCanonicalString(req, body, timestamp, nonce)))
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
	if err != nil {
		return nil, err
	}
	if len(buf) > maxSignedBody {
		return nil, errors.New("auth: body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	value = strings.TrimPrefix(value, "sha256=")
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func buildCanonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n"))
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
