package memory

import (
	"context"
	"slices"
	"strings"

	domain "github.com/hanko-field/orders/internal/domain"
)

type paymentRepository struct {
	reg *Registry
}

func (r *paymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	defer r.reg.lock(ctx)()
	if _, exists := r.reg.state.payments[payment.ID]; exists {
		return conflict("payments.insert")
	}
	r.reg.state.payments[payment.ID] = clonePayment(payment)
	return nil
}

func (r *paymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	defer r.reg.lock(ctx)()
	if _, exists := r.reg.state.payments[payment.ID]; !exists {
		return notFound("payments.update")
	}
	r.reg.state.payments[payment.ID] = clonePayment(payment)
	return nil
}

func (r *paymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	defer r.reg.lock(ctx)()
	payment, ok := r.reg.state.payments[strings.TrimSpace(paymentID)]
	if !ok {
		return domain.Payment{}, notFound("payments.find")
	}
	return clonePayment(payment), nil
}

func (r *paymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	defer r.reg.lock(ctx)()
	out := make([]domain.Payment, 0)
	for _, payment := range r.reg.state.payments {
		if payment.OrderID == orderID {
			out = append(out, clonePayment(payment))
		}
	}
	slices.SortFunc(out, func(a, b domain.Payment) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func clonePayment(payment domain.Payment) domain.Payment {
	payment.SettledAt = clonePtr(payment.SettledAt)
	return payment
}
