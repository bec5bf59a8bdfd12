// Package idempotency replays the stored response of a mutating request when a client retries it
// with the same Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long a key is remembered when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// State of a stored key.
type State string

const (
	StateInFlight State = "in_flight"
	StateDone     State = "done"
)

// Outcome tells the middleware what to do with an incoming request.
type Outcome int

const (
	// OutcomeProceed means the key was claimed and the handler should run.
	OutcomeProceed Outcome = iota
	// OutcomeReplay means a finished response exists for the key.
	OutcomeReplay
	// OutcomeInFlight means another request holds the key.
	OutcomeInFlight
)

// ErrRequestMismatch is returned when a key is reused for a different request body or route.
var ErrRequestMismatch = errors.New("idempotency: key already used for a different request")

// Response is the captured handler output.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Entry is the stored state of one key.
type Entry struct {
	Key         string
	RequestHash string
	State       State
	Response    Response
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store persists keys. Begin must be atomic per key.
type Store interface {
	Begin(ctx context.Context, key, requestHash string, now time.Time, ttl time.Duration) (Outcome, Response, error)
	Finish(ctx context.Context, key string, resp Response, now time.Time, ttl time.Duration) error
	Abort(ctx context.Context, key string) error
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}

// decide evaluates an existing entry for Begin. A nil entry or an expired one may be claimed.
func decide(existing *Entry, requestHash string, now time.Time) (Outcome, Response, bool, error) {
	if existing == nil || existing.expired(now) {
		return OutcomeProceed, Response{}, true, nil
	}
	if existing.RequestHash != requestHash {
		return 0, Response{}, false, ErrRequestMismatch
	}
	if existing.State == StateDone {
		return OutcomeReplay, existing.Response, false, nil
	}
	return OutcomeInFlight, Response{}, false, nil
}

func newEntry(key, requestHash string, now time.Time, ttl time.Duration) Entry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Entry{
		Key:         key,
		RequestHash: requestHash,
		State:       StateInFlight,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func hashHex(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// replayableHeader drops hop-by-hop and per-response headers before storage.
func replayableHeader(header http.Header) http.Header {
	out := make(http.Header, len(header))
	for name, values := range header {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Length", "Date", "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade",
			"Trailer", "Set-Cookie", "X-Request-Id", "X-Cloud-Trace-Context", "Traceparent":
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return out
}
