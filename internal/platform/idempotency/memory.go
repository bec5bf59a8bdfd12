package idempotency

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// MemoryStore keeps keys in process memory. Used for the memory storage driver and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Begin(_ context.Context, key, requestHash string, now time.Time, ttl time.Duration) (Outcome, Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *Entry
	if entry, ok := s.entries[key]; ok {
		existing = &entry
	}
	outcome, resp, claim, err := decide(existing, requestHash, now)
	if err != nil {
		return 0, Response{}, err
	}
	if claim {
		s.entries[key] = newEntry(key, requestHash, now, ttl)
	}
	return outcome, cloneResponse(resp), nil
}

func (s *MemoryStore) Finish(_ context.Context, key string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil
	}
	entry.State = StateDone
	entry.Response = cloneResponse(resp)
	entry.ExpiresAt = now.Add(ttl)
	s.entries[key] = entry
	return nil
}

func (s *MemoryStore) Abort(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if limit > 0 && removed >= limit {
			break
		}
		if entry.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func cloneResponse(resp Response) Response {
	out := Response{Status: resp.Status}
	if resp.Header != nil {
		out.Header = resp.Header.Clone()
	} else {
		out.Header = http.Header{}
	}
	if len(resp.Body) > 0 {
		out.Body = append([]byte(nil), resp.Body...)
	}
	return out
}
