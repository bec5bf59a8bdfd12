package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps keys in the idempotency_keys table created by the postgres migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Begin claims the key with a single upsert that only overwrites expired rows, so two first
// attempts racing on the same key cannot both proceed.
func (s *PostgresStore) Begin(ctx context.Context, key, requestHash string, now time.Time, ttl time.Duration) (Outcome, Response, error) {
	entry := newEntry(key, requestHash, now.UTC(), ttl)
	var claimed string
	err := s.pool.QueryRow(ctx, `INSERT INTO idempotency_keys (key, request_hash, state, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET request_hash = EXCLUDED.request_hash, state = EXCLUDED.state,
			response_status = NULL, response_header = NULL, response_body = NULL,
			created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
		RETURNING key`, key, requestHash, string(entry.State), entry.CreatedAt, entry.ExpiresAt).Scan(&claimed)
	if err == nil {
		return OutcomeProceed, Response{}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, Response{}, fmt.Errorf("idempotency: claim key: %w", err)
	}

	existing, err := s.load(ctx, key)
	if err != nil {
		return 0, Response{}, err
	}
	outcome, resp, claim, err := decide(existing, requestHash, now)
	if err != nil {
		return 0, Response{}, err
	}
	if claim {
		// The row expired or vanished between the two statements; let the client retry.
		return OutcomeInFlight, Response{}, nil
	}
	return outcome, resp, nil
}

func (s *PostgresStore) load(ctx context.Context, key string) (*Entry, error) {
	var (
		entry  Entry
		state  string
		status *int
		header []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT request_hash, state, response_status, response_header, response_body, created_at, expires_at
		FROM idempotency_keys WHERE key = $1`, key).
		Scan(&entry.RequestHash, &state, &status, &header, &entry.Response.Body, &entry.CreatedAt, &entry.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: load key: %w", err)
	}
	entry.Key = key
	entry.State = State(state)
	if status != nil {
		entry.Response.Status = *status
	}
	entry.Response.Header = http.Header{}
	if len(header) > 0 {
		if err := json.Unmarshal(header, &entry.Response.Header); err != nil {
			return nil, fmt.Errorf("idempotency: decode stored header: %w", err)
		}
	}
	return &entry, nil
}

func (s *PostgresStore) Finish(ctx context.Context, key string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("idempotency: encode header: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE idempotency_keys SET state = $2, response_status = $3,
		response_header = $4, response_body = $5, expires_at = $6 WHERE key = $1`,
		key, string(StateDone), resp.Status, header, resp.Body, now.Add(ttl).UTC())
	if err != nil {
		return fmt.Errorf("idempotency: finish key: %w", err)
	}
	return nil
}

func (s *PostgresStore) Abort(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("idempotency: abort key: %w", err)
	}
	return nil
}

func (s *PostgresStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 200
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key IN (
		SELECT key FROM idempotency_keys WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2)`, now.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("idempotency: purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
