package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/auth"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/services"
)

const maxCallbackBodySize = 8 * 1024

// CallbackHandlers serves the machine-to-machine routes: the payment service
// cancelling a payment's refunds and the middle office reporting outcomes.
// Authentication is applied by the router group.
type CallbackHandlers struct {
	reviews services.RefundReviewService
}

func NewCallbackHandlers(reviews services.RefundReviewService) *CallbackHandlers {
	return &CallbackHandlers{reviews: reviews}
}

// PaymentRoutes registers /payment/{paymentReference}/action/cancel.
func (h *CallbackHandlers) PaymentRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Patch("/{paymentReference}/action/cancel", h.cancelRefunds)
}

// MiddleOfficeRoutes registers /middle-office/refund/{reference}.
func (h *CallbackHandlers) MiddleOfficeRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Patch("/refund/{reference}", h.middleOfficeUpdate)
}

func (h *CallbackHandlers) cancelRefunds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reviews == nil {
		writeServiceUnavailable(w, r, "refund review")
		return
	}
	cmd := services.CancelRefundsCommand{PaymentReference: chi.URLParam(r, "paymentReference")}
	if caller, ok := auth.ServiceIdentityFromContext(ctx); ok {
		cmd.Service = caller.Name
	}

	cancelled, err := h.reviews.CancelRefunds(ctx, cmd)
	if err != nil && (len(cancelled) == 0 || !isPartialCancel(err)) {
		writeRefundError(ctx, w, err)
		return
	}

	refs := make([]string, 0, len(cancelled))
	for _, refund := range cancelled {
		refs = append(refs, refund.Reference)
	}
	resp := map[string]any{"cancelled": refs}
	status := http.StatusOK
	if err != nil {
		// some refunds moved, some did not: report both
		status = http.StatusMultiStatus
		resp["error"] = err.Error()
	}
	writeJSONResponse(w, status, resp)
}

// isPartialCancel reports whether err is a per-refund failure list rather
// than a failure to load the payment's refunds at all.
func isPartialCancel(err error) bool {
	var joined interface{ Unwrap() []error }
	return errors.As(err, &joined)
}

func (h *CallbackHandlers) middleOfficeUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reviews == nil {
		writeServiceUnavailable(w, r, "refund review")
		return
	}
	var req middleOfficeUpdateRequest
	if !decodeJSONBody(w, r, maxCallbackBodySize, &req) {
		return
	}

	refund, err := h.reviews.UpdateFromMiddleOffice(ctx, services.MiddleOfficeUpdateCommand{
		Reference: chi.URLParam(r, "reference"),
		Status:    strings.TrimSpace(req.Status),
		Reason:    req.Reason,
	})
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, refundResponse{Refund: buildRefundPayload(refund)})
}
