package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/payments"
)

func TestSideEffectRunnerRetriesOnce(t *testing.T) {
	metrics := &recordingMetrics{}
	runner := newSideEffectRunner(time.Second, 5, nil, metrics)
	runner.backoff = instantBackoff

	calls := 0
	err := runner.run(context.Background(), SideEffectMiddleOffice, sampleRefund(refRef, domain.StatusSentToMiddleOffice), func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected two calls, got %d", calls)
	}
	if len(metrics.sideEffects) != 1 || metrics.sideEffects[0] != "middle_office:ok" {
		t.Fatalf("unexpected metrics %v", metrics.sideEffects)
	}
}

func TestSideEffectRunnerDoesNotRetryPermanentFailures(t *testing.T) {
	runner := newSideEffectRunner(time.Second, 1, nil, nil)
	runner.backoff = instantBackoff

	calls := 0
	err := runner.run(context.Background(), SideEffectCancelPayment, sampleRefund(refRef, domain.StatusRejected), func(context.Context) error {
		calls++
		return payments.ErrPaymentRejected
	})
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
	var sideErr *SideEffectError
	if !errors.As(err, &sideErr) || sideErr.Refund.Reference != refRef {
		t.Fatalf("expected SideEffectError carrying the refund, got %v", err)
	}
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestSideEffectRunnerAppliesTimeout(t *testing.T) {
	runner := newSideEffectRunner(10*time.Millisecond, 0, nil, nil)

	err := runner.run(context.Background(), SideEffectNotification, sampleRefund(refRef, domain.StatusAccepted), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", err)
	}
}

func TestRandomReferenceShape(t *testing.T) {
	for i := 0; i < 20; i++ {
		ref, err := RandomReference()
		if err != nil {
			t.Fatalf("random reference: %v", err)
		}
		if !domain.ValidRefundReference(ref) {
			t.Fatalf("invalid reference %q", ref)
		}
	}
}
