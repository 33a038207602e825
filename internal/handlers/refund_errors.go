package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/httpx"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/pagination"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/requestctx"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/services"
)

// refundHTTPError classifies a service error. The service error text already
// names the refund, the event and the actor, so it is returned verbatim for
// client errors.
func refundHTTPError(err error) httpx.Error {
	var sideEffect *services.SideEffectError
	if errors.As(err, &sideEffect) {
		status, code := http.StatusBadGateway, "upstream_unavailable"
		if errors.Is(err, services.ErrUpstreamTimeout) {
			status, code = http.StatusGatewayTimeout, "upstream_timeout"
		}
		return httpx.NewError(code, err.Error(), status).WithDetails(map[string]any{
			"side_effect": sideEffect.Kind,
			"refund":      buildRefundPayload(sideEffect.Refund),
		})
	}

	switch {
	case errors.Is(err, services.ErrRefundInvalidRequest), errors.Is(err, services.ErrRefundReviewInvalid):
		return httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, pagination.ErrInvalidPageToken), errors.Is(err, pagination.ErrInvalidPageSize), errors.Is(err, pagination.ErrInvalidFilter):
		return httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrRefundNotFound):
		return httpx.NewError("refund_not_found", err.Error(), http.StatusNotFound)
	case errors.Is(err, services.ErrPaymentReferenceNotFound):
		return httpx.NewError("payment_not_found", err.Error(), http.StatusNotFound)
	case errors.Is(err, services.ErrRefundForbidden):
		return httpx.NewError("forbidden", "caller is not authorised for this refund's service", http.StatusForbidden)
	case errors.Is(err, services.ErrRefundActionNotAllowed):
		return httpx.NewError("action_not_allowed", err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrRefundConflict):
		return httpx.NewError("refund_conflict", err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrUpstreamTimeout):
		return httpx.NewError("upstream_timeout", err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, services.ErrUpstreamUnavailable):
		return httpx.NewError("upstream_unavailable", err.Error(), http.StatusBadGateway)
	case errors.Is(err, services.ErrRefundUnavailable):
		return httpx.NewError("refund_store_unavailable", "refund storage unavailable", http.StatusServiceUnavailable)
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		return httpx.NewError("refund_store_unavailable", "refund storage unavailable", http.StatusServiceUnavailable)
	}
	return httpx.NewError("refund_error", "failed to process refund request", http.StatusInternalServerError)
}

func writeRefundError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	httpErr := refundHTTPError(err)
	if httpErr.Status >= http.StatusInternalServerError {
		requestctx.Logger(ctx).Error("refund request failed", zap.Error(err), zap.Int("status", httpErr.Status))
	}
	httpx.WriteError(ctx, w, httpErr)
}
