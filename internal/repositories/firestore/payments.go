package firestore

import (
	"context"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
)

const paymentsCollection = "payments"

type paymentDocument struct {
	OrderID               string     `firestore:"orderId"`
	UserID                string     `firestore:"userId"`
	Provider              string     `firestore:"provider"`
	Method                string     `firestore:"method"`
	Status                string     `firestore:"status"`
	Amount                int64      `firestore:"amount"`
	Currency              string     `firestore:"currency"`
	ExternalTransactionID string     `firestore:"externalTransactionId,omitempty"`
	FailureReason         string     `firestore:"failureReason,omitempty"`
	CreatedAt             time.Time  `firestore:"createdAt"`
	UpdatedAt             time.Time  `firestore:"updatedAt"`
	SettledAt             *time.Time `firestore:"settledAt,omitempty"`
}

func newPaymentDocument(payment domain.Payment) paymentDocument {
	return paymentDocument{
		OrderID:               payment.OrderID,
		UserID:                payment.UserID,
		Provider:              payment.Provider,
		Method:                string(payment.Method),
		Status:                string(payment.Status),
		Amount:                payment.Amount,
		Currency:              payment.Currency,
		ExternalTransactionID: payment.ExternalTransactionID,
		FailureReason:         payment.FailureReason,
		CreatedAt:             payment.CreatedAt.UTC(),
		UpdatedAt:             payment.UpdatedAt.UTC(),
		SettledAt:             payment.SettledAt,
	}
}

func (d paymentDocument) toDomain(id string) domain.Payment {
	return domain.Payment{
		ID:                    id,
		OrderID:               d.OrderID,
		UserID:                d.UserID,
		Provider:              d.Provider,
		Method:                domain.PaymentMethod(d.Method),
		Status:                domain.PaymentStatus(d.Status),
		Amount:                d.Amount,
		Currency:              d.Currency,
		ExternalTransactionID: d.ExternalTransactionID,
		FailureReason:         d.FailureReason,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
		SettledAt:             d.SettledAt,
	}
}

type paymentRepository struct {
	payments *pfirestore.BaseRepository[paymentDocument]
}

func (r *paymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	return r.payments.Create(ctx, payment.ID, newPaymentDocument(payment))
}

func (r *paymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	return r.payments.Replace(ctx, payment.ID, newPaymentDocument(payment))
}

func (r *paymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	doc, err := r.payments.Get(ctx, strings.TrimSpace(paymentID))
	if err != nil {
		return domain.Payment{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *paymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	docs, err := r.payments.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", strings.TrimSpace(orderID)).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Payment, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	return out, nil
}
