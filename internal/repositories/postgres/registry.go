// Package postgres implements the repositories on PostgreSQL through a pgx connection pool.
// Stock is adjusted with conditional updates so concurrent reservations cannot oversell.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hanko-field/orders/internal/platform/config"
	"github.com/hanko-field/orders/internal/repositories"
)

type txKey struct{}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Registry is the PostgreSQL-backed repositories.Registry.
type Registry struct {
	pool *pgxpool.Pool

	orders    *orderRepository
	payments  *paymentRepository
	inventory *inventoryRepository
	counters  *counterRepository
	audit     *auditLogRepository
}

var _ repositories.Registry = (*Registry)(nil)

// Open dials a pool for cfg.DSN and, when cfg.MigrateOnStart is set, applies the embedded
// migrations first.
func Open(ctx context.Context, cfg config.PostgresConfig) (*Registry, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	if cfg.MigrateOnStart {
		if err := Migrate(dsn); err != nil {
			return nil, err
		}
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	return NewRegistry(pool), nil
}

// NewRegistry wraps an existing pool.
func NewRegistry(pool *pgxpool.Pool) *Registry {
	r := &Registry{pool: pool}
	r.orders = &orderRepository{reg: r}
	r.payments = &paymentRepository{reg: r}
	r.inventory = &inventoryRepository{reg: r}
	r.counters = &counterRepository{reg: r}
	r.audit = &auditLogRepository{reg: r}
	return r
}

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }
func (r *Registry) Payments() repositories.PaymentRepository { return r.payments }
func (r *Registry) Inventory() repositories.InventoryRepository { return r.inventory }
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }
func (r *Registry) AuditLogs() repositories.AuditLogRepository { return r.audit }

// Pool exposes the connection pool for stores that share the database.
func (r *Registry) Pool() *pgxpool.Pool { return r.pool }

// Ping checks a pooled connection answers.
func (r *Registry) Ping(ctx context.Context) error {
	return wrapError("postgres.ping", r.pool.Ping(ctx))
}

// Close closes the pool.
func (r *Registry) Close(context.Context) error {
	r.pool.Close()
	return nil
}

// RunInTx runs fn in one READ COMMITTED transaction. Nested calls join the outer transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return wrapError("postgres.begin", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return wrapError("postgres.commit", tx.Commit(ctx))
}

// db returns the transaction bound to ctx or the pool.
func (r *Registry) db(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.pool
}

const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var storeErr *repositories.StoreError
	var invErr *repositories.InventoryError
	if errors.As(err, &storeErr) || errors.As(err, &invErr) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repositories.NewStoreError(op, repositories.StoreErrorNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected:
			return repositories.NewStoreError(op, repositories.StoreErrorConflict, err)
		case pgForeignKeyViolation:
			return repositories.NewStoreError(op, repositories.StoreErrorNotFound, err)
		}
		return repositories.NewStoreError(op, repositories.StoreErrorInternal, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, err)
	}
	return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, err)
}
