package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/hmcts/ccpay-refunds-app-sub001/internal/payments"
)

const (
	defaultSideEffectTimeout = 10 * time.Second
	maxSideEffectRetries     = 1
)

// Side effect kinds reported in SideEffectError and metrics.
const (
	SideEffectMiddleOffice  = "middle_office"
	SideEffectCancelPayment = "cancel_payment"
	SideEffectNotification  = "notification"
)

// sideEffectRunner executes post-commit calls with a bounded timeout and at most one retry.
type sideEffectRunner struct {
	timeout time.Duration
	retries int
	backoff func() gax.Backoff
	logger  Logger
	metrics RefundMetrics
}

func newSideEffectRunner(timeout time.Duration, retries int, logger Logger, metrics RefundMetrics) sideEffectRunner {
	if timeout <= 0 {
		timeout = defaultSideEffectTimeout
	}
	if retries < 0 {
		retries = 0
	}
	if retries > maxSideEffectRetries {
		retries = maxSideEffectRetries
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return sideEffectRunner{
		timeout: timeout,
		retries: retries,
		backoff: func() gax.Backoff {
			return gax.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2}
		},
		logger:  logger,
		metrics: metrics,
	}
}

// run calls fn until it succeeds or the retry budget is spent. A nil return
// means the side effect completed; otherwise the returned error is a
// *SideEffectError carrying the committed refund.
func (r sideEffectRunner) run(ctx context.Context, kind string, refund Refund, fn func(ctx context.Context) error) error {
	backoff := r.backoff()
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
				lastErr = err
				break
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			r.record(ctx, kind, "ok")
			return nil
		}
		lastErr = err
		r.logger(ctx, "refund.side_effect.failed", map[string]any{
			"kind":      kind,
			"reference": refund.Reference,
			"attempt":   attempt + 1,
			"error":     err.Error(),
		})
		if !retryableSideEffect(err) {
			break
		}
	}

	classified := classifyUpstreamError(lastErr)
	if errors.Is(classified, ErrUpstreamTimeout) {
		r.record(ctx, kind, "timeout")
	} else {
		r.record(ctx, kind, "failed")
	}
	return &SideEffectError{Kind: kind, Refund: refund, Err: classified}
}

func (r sideEffectRunner) record(ctx context.Context, kind, outcome string) {
	if r.metrics != nil {
		r.metrics.RecordSideEffect(ctx, kind, outcome)
	}
}

func retryableSideEffect(err error) bool {
	switch {
	case errors.Is(err, payments.ErrPaymentNotFound), errors.Is(err, payments.ErrPaymentRejected):
		return false
	case errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// classifyUpstreamError maps collaborator failures onto ErrUpstreamTimeout or ErrUpstreamUnavailable.
func classifyUpstreamError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, ErrUpstreamUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, payments.ErrPaymentTimeout):
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
}
