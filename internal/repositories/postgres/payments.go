package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

const paymentColumns = `id, order_id, user_id, provider, method, status, amount, currency,
	external_transaction_id, failure_reason, created_at, updated_at, settled_at`

type paymentRepository struct {
	reg *Registry
}

func (r *paymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	_, err := r.reg.db(ctx).Exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, paymentArgs(payment)...)
	return wrapError("payments.insert", err)
}

func (r *paymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	tag, err := r.reg.db(ctx).Exec(ctx, `UPDATE payments SET
		order_id = $2, user_id = $3, provider = $4, method = $5, status = $6, amount = $7, currency = $8,
		external_transaction_id = $9, failure_reason = $10, created_at = $11, updated_at = $12, settled_at = $13
		WHERE id = $1`, paymentArgs(payment)...)
	if err != nil {
		return wrapError("payments.update", err)
	}
	if tag.RowsAffected() == 0 {
		return repositories.NewStoreError("payments.update", repositories.StoreErrorNotFound, fmt.Errorf("payment %s not found", payment.ID))
	}
	return nil
}

func (r *paymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	row := r.reg.db(ctx).QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, strings.TrimSpace(paymentID))
	payment, err := scanPayment(row)
	if err != nil {
		return domain.Payment{}, wrapError("payments.find", err)
	}
	return payment, nil
}

func (r *paymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	rows, err := r.reg.db(ctx).Query(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE order_id = $1 ORDER BY created_at, id`, strings.TrimSpace(orderID))
	if err != nil {
		return nil, wrapError("payments.list_by_order", err)
	}
	payments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Payment, error) {
		return scanPayment(row)
	})
	if err != nil {
		return nil, wrapError("payments.list_by_order", err)
	}
	return payments, nil
}

func paymentArgs(p domain.Payment) []any {
	return []any{
		p.ID, p.OrderID, p.UserID, p.Provider, string(p.Method), string(p.Status), p.Amount, p.Currency,
		p.ExternalTransactionID, p.FailureReason, p.CreatedAt.UTC(), p.UpdatedAt.UTC(), p.SettledAt,
	}
}

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var (
		p      domain.Payment
		method string
		status string
	)
	if err := row.Scan(
		&p.ID, &p.OrderID, &p.UserID, &p.Provider, &method, &status, &p.Amount, &p.Currency,
		&p.ExternalTransactionID, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt, &p.SettledAt,
	); err != nil {
		return domain.Payment{}, err
	}
	p.Method = domain.PaymentMethod(method)
	p.Status = domain.PaymentStatus(status)
	return p, nil
}
