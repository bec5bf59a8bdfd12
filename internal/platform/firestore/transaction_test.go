package firestore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestTransactionError(t *testing.T) {
	if transactionError(nil) != nil {
		t.Fatalf("expected nil")
	}

	own := errors.New("order: invalid status transition")
	if got := transactionError(own); got != own {
		t.Fatalf("callback errors must pass through, got %v", got)
	}

	tagged := fmt.Errorf("order: repository unavailable: %w", WrapError("orders.get", status.Error(codes.Unavailable, "backend down")))
	if got := transactionError(tagged); got != tagged {
		t.Fatalf("tagged errors keep the caller's wrapping, got %v", got)
	}

	var fsErr *Error
	got := transactionError(status.Error(codes.Aborted, "too much contention"))
	if !errors.As(got, &fsErr) || fsErr.Op != "transaction" || !fsErr.IsConflict() {
		t.Fatalf("expected aborted commit to become a conflict, got %#v", got)
	}
}

func TestTxSettingsBound(t *testing.T) {
	s := newTxSettings([]TxOption{WithTxAttempts(2), WithTxTimeout(time.Second), nil, WithTxAttempts(0)})
	if s.attempts != 2 || s.timeout != time.Second {
		t.Fatalf("unexpected settings %+v", s)
	}

	ctx, cancel := s.bound(context.Background())
	defer cancel()
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > time.Second {
		t.Fatalf("expected deadline within the timeout, got %v %v", deadline, ok)
	}

	short, stop := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer stop()
	kept, release := s.bound(short)
	defer release()
	if kept != short {
		t.Fatalf("a sooner caller deadline should be kept")
	}
}

func TestRunTransactionJoinsAndValidates(t *testing.T) {
	if err := RunTransaction(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected error for nil callback")
	}
	if err := RunTransaction(context.Background(), nil, func(context.Context, *firestore.Transaction) error { return nil }); err == nil {
		t.Fatalf("expected error for nil client")
	}

	tx := &firestore.Transaction{}
	ctx := context.WithValue(context.Background(), txContextKey{}, tx)
	var joined *firestore.Transaction
	err := RunTransaction(ctx, nil, func(_ context.Context, got *firestore.Transaction) error {
		joined = got
		return nil
	})
	if err != nil || joined != tx {
		t.Fatalf("expected callback to join the ambient transaction, got %v %p", err, joined)
	}
	if _, ok := TransactionFrom(context.Background()); ok {
		t.Fatalf("no transaction expected on a bare context")
	}
}
