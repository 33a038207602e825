package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RefundMetrics counts refund transitions and side effect outcomes.
type RefundMetrics struct {
	transitions metric.Int64Counter
	sideEffects metric.Int64Counter
}

// NewRefundMetrics registers instruments on meter, or the global meter when nil.
func NewRefundMetrics(meter metric.Meter) (*RefundMetrics, error) {
	if meter == nil {
		meter = otel.Meter("github.com/hmcts/ccpay-refunds-app-sub001/internal/services")
	}
	transitions, err := meter.Int64Counter("refunds.transitions",
		metric.WithDescription("Refund status transitions committed, by event and resulting status"))
	if err != nil {
		return nil, err
	}
	sideEffects, err := meter.Int64Counter("refunds.side_effects",
		metric.WithDescription("Post-commit side effects, by kind and outcome"))
	if err != nil {
		return nil, err
	}
	return &RefundMetrics{transitions: transitions, sideEffects: sideEffects}, nil
}

// RecordTransition counts a committed transition.
func (m *RefundMetrics) RecordTransition(ctx context.Context, event, status string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("status", status),
	))
}

// RecordSideEffect counts one side effect attempt outcome (ok, timeout, failed).
func (m *RefundMetrics) RecordSideEffect(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.sideEffects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}
