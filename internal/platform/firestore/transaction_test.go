package firestore

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestTxFromContextAbsent(t *testing.T) {
	if _, ok := TxFromContext(context.Background()); ok {
		t.Fatalf("expected no transaction on background context")
	}
	if ctx := WithTx(context.Background(), nil); ctx != context.Background() {
		t.Fatalf("expected nil transaction to leave context untouched")
	}
}

func TestUnitOfWorkJoinsOuterTransaction(t *testing.T) {
	tx := &firestore.Transaction{}
	ctx := WithTx(context.Background(), tx)

	uow := NewUnitOfWork(nil)
	called := false
	err := uow.RunInTx(ctx, func(inner context.Context) error {
		got, ok := TxFromContext(inner)
		if !ok || got != tx {
			t.Fatalf("expected outer transaction to be reused")
		}
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected fn to run")
	}
}

func TestUnitOfWorkRequiresProvider(t *testing.T) {
	uow := NewUnitOfWork(nil)
	err := uow.RunInTx(context.Background(), func(context.Context) error { return nil })
	if err == nil {
		t.Fatalf("expected error without provider")
	}
}

func TestConflictErrorClassification(t *testing.T) {
	err := ConflictError("refunds.update", nil)
	var repoErr *Error
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() || repoErr.IsNotFound() {
		t.Fatalf("expected conflict classification, got %#v", err)
	}
	if !NotFoundError("refunds.find", nil).(*Error).IsNotFound() {
		t.Fatalf("expected not found classification")
	}
}

func TestWrapErrorPassesThroughCancellation(t *testing.T) {
	if err := WrapError("op", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if WrapError("op", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestWrapErrorClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.AlreadyExists, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.PermissionDenied},
	}
	for _, tc := range tests {
		err := WrapError("refunds.get", status.Error(tc.code, "boom"))
		var repoErr *Error
		if !errors.As(err, &repoErr) {
			t.Fatalf("%s: expected *Error, got %T", tc.code, err)
		}
		if repoErr.IsNotFound() != tc.notFound || repoErr.IsConflict() != tc.conflict || repoErr.IsUnavailable() != tc.unavailable {
			t.Fatalf("%s: unexpected classification %+v", tc.code, repoErr)
		}
		if repoErr.Code() != tc.code {
			t.Fatalf("expected code %s, got %s", tc.code, repoErr.Code())
		}
	}
	if err := WrapError("refunds.get", status.Error(codes.DeadlineExceeded, "slow")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline to surface as context error, got %v", err)
	}
}
