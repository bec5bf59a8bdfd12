package idempotency

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
)

const firestoreCollection = "idempotency_keys"

type keyDocument struct {
	RequestHash    string              `firestore:"requestHash"`
	State          string              `firestore:"state"`
	ResponseStatus int                 `firestore:"responseStatus,omitempty"`
	ResponseHeader map[string][]string `firestore:"responseHeader,omitempty"`
	ResponseBody   []byte              `firestore:"responseBody,omitempty"`
	CreatedAt      time.Time           `firestore:"createdAt"`
	ExpiresAt      time.Time           `firestore:"expiresAt"`
}

func (d keyDocument) toEntry(key string) Entry {
	return Entry{
		Key:         key,
		RequestHash: d.RequestHash,
		State:       State(d.State),
		Response: Response{
			Status: d.ResponseStatus,
			Header: http.Header(d.ResponseHeader),
			Body:   d.ResponseBody,
		},
		CreatedAt: d.CreatedAt,
		ExpiresAt: d.ExpiresAt,
	}
}

func newKeyDocument(entry Entry) keyDocument {
	return keyDocument{
		RequestHash:    entry.RequestHash,
		State:          string(entry.State),
		ResponseStatus: entry.Response.Status,
		ResponseHeader: entry.Response.Header,
		ResponseBody:   entry.Response.Body,
		CreatedAt:      entry.CreatedAt.UTC(),
		ExpiresAt:      entry.ExpiresAt.UTC(),
	}
}

// FirestoreStore keeps keys in the idempotency_keys collection. Document ids are the scoped key
// hash, so a key is claimed with one transactional read and write. A TTL policy on expiresAt can
// replace Purge in production.
type FirestoreStore struct {
	provider *pfirestore.Provider
	keys     *pfirestore.BaseRepository[keyDocument]
}

func NewFirestoreStore(provider *pfirestore.Provider) *FirestoreStore {
	return &FirestoreStore{
		provider: provider,
		keys:     pfirestore.NewBaseRepository[keyDocument](provider, firestoreCollection),
	}
}

func (s *FirestoreStore) Begin(ctx context.Context, key, requestHash string, now time.Time, ttl time.Duration) (Outcome, Response, error) {
	var (
		outcome Outcome
		resp    Response
	)
	err := s.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		var existing *Entry
		doc, err := s.keys.Get(ctx, key)
		var fsErr *pfirestore.Error
		switch {
		case err == nil:
			entry := doc.Data.toEntry(key)
			existing = &entry
		case errors.As(err, &fsErr) && fsErr.IsNotFound():
		default:
			return err
		}

		var claim bool
		outcome, resp, claim, err = decide(existing, requestHash, now)
		if err != nil || !claim {
			return err
		}
		return s.keys.Set(ctx, key, newKeyDocument(newEntry(key, requestHash, now, ttl)))
	})
	if err != nil {
		return 0, Response{}, err
	}
	return outcome, resp, nil
}

func (s *FirestoreStore) Finish(ctx context.Context, key string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return s.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		doc, err := s.keys.Get(ctx, key)
		if err != nil {
			return err
		}
		entry := doc.Data.toEntry(key)
		entry.State = StateDone
		entry.Response = resp
		entry.ExpiresAt = now.Add(ttl)
		return s.keys.Set(ctx, key, newKeyDocument(entry))
	})
}

func (s *FirestoreStore) Abort(ctx context.Context, key string) error {
	return s.keys.Delete(ctx, key)
}

func (s *FirestoreStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 200
	}
	docs, err := s.keys.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("expiresAt", "<=", now.UTC()).Limit(limit)
	})
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	return s.keys.DeleteMany(ctx, ids)
}
