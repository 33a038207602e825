package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/auth"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/httpx"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/pagination"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/services"
)

const maxRefundBodySize = 32 * 1024

// RefundHandlers serves the caseworker and approver refund routes.
type RefundHandlers struct {
	authn         *auth.Authenticator
	requests      services.RefundRequestService
	reviews       services.RefundReviewService
	history       services.StatusHistoryService
	notifications services.RefundNotificationService

	idempotency   func(http.Handler) http.Handler
	pathUserRoles []string
	resendLimiter resendLimiter
}

// RefundHandlersDeps carries the services behind the refund routes. Nil
// services leave their routes answering 503.
type RefundHandlersDeps struct {
	Authenticator *auth.Authenticator
	Requests      services.RefundRequestService
	Reviews       services.RefundReviewService
	History       services.StatusHistoryService
	Notifications services.RefundNotificationService
	// Idempotency wraps the create and resubmit routes when set.
	Idempotency func(http.Handler) http.Handler
	// PathUserRoles may read another user's refunds.
	PathUserRoles []string
	// ResendLimit resends per refund are allowed within ResendWindow.
	ResendLimit  int
	ResendWindow time.Duration
	Clock        func() time.Time
}

// NewRefundHandlers builds the handlers. Resends are unlimited unless both
// ResendLimit and ResendWindow are positive.
func NewRefundHandlers(deps RefundHandlersDeps) *RefundHandlers {
	return &RefundHandlers{
		authn:         deps.Authenticator,
		requests:      deps.Requests,
		reviews:       deps.Reviews,
		history:       deps.History,
		notifications: deps.Notifications,
		idempotency:   deps.Idempotency,
		pathUserRoles: deps.PathUserRoles,
		resendLimiter: newResendLimiter(deps.ResendLimit, deps.ResendWindow, deps.Clock),
	}
}

// Routes registers the /refund endpoints.
func (h *RefundHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}

	mutate := r
	if h.idempotency != nil {
		mutate = r.With(h.idempotency)
	}
	mutate.Post("/", h.createRefund)
	mutate.Patch("/resubmit/{reference}", h.resubmitRefund)

	r.Get("/", h.listRefunds)
	r.Get("/reasons", h.refundReasons)
	r.Get("/rejection-reasons", h.rejectionReasons)
	r.Get("/{reference}", h.getRefund)
	r.With(auth.RequireRole(auth.RoleRefundAdmin)).Delete("/{reference}", h.deleteRefund)
	r.Get("/{reference}/status-history", h.statusHistory)
	r.Get("/{reference}/actions", h.availableActions)
	r.Patch("/{reference}/action/{reviewerAction}", h.reviewRefund)
}

// ResendRoutes registers /resend/notification/{reference}.
func (h *RefundHandlers) ResendRoutes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Put("/notification/{reference}", h.resendNotification)
}

// UserRoutes registers /users/{userID}/refunds.
func (h *RefundHandlers) UserRoutes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.With(auth.RequirePathUser("userID", h.pathUserRoles...)).Get("/{userID}/refunds", h.listUserRefunds)
}

func (h *RefundHandlers) createRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.requests == nil {
		writeServiceUnavailable(w, r, "refund")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	var req createRefundRequest
	if !decodeJSONBody(w, r, maxRefundBodySize, &req) {
		return
	}

	cmd := services.CreateRefundCommand{
		PaymentReference: strings.TrimSpace(req.PaymentReference),
		Reason:           strings.TrimSpace(req.RefundReason),
		Amount:           req.TotalRefundAmount,
		Fees:             feesFromRequest(req.Fees),
		Actor:            actor,
	}
	if raw := strings.TrimSpace(req.RefundInstructionType); raw != "" {
		instruction, ok := domain.ParseRefundInstructionType(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "refund_instruction_type must be RefundWhenContacted or SendRefund", http.StatusBadRequest))
			return
		}
		cmd.RefundInstructionType = instruction
	}
	if req.ContactDetails != nil {
		cmd.ContactDetails = contactDetailsFromRequest(*req.ContactDetails)
	}

	refund, err := h.requests.CreateRefund(ctx, cmd)
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, refundResponse{Refund: buildRefundPayload(refund)})
}

func (h *RefundHandlers) resubmitRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.requests == nil {
		writeServiceUnavailable(w, r, "refund")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	var req resubmitRefundRequest
	if !decodeJSONBody(w, r, maxRefundBodySize, &req) {
		return
	}

	cmd := services.ResubmitRefundCommand{
		Reference: strings.TrimSpace(chi.URLParam(r, "reference")),
		Reason:    strings.TrimSpace(req.RefundReason),
		Amount:    req.Amount,
		Fees:      feesFromRequest(req.Fees),
		Actor:     actor,
	}
	if req.ContactDetails != nil {
		contact := contactDetailsFromRequest(*req.ContactDetails)
		cmd.ContactDetails = &contact
	}

	refund, err := h.requests.ResubmitRefund(ctx, cmd)
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, refundResponse{Refund: buildRefundPayload(refund), Message: "Refund resubmitted"})
}

func (h *RefundHandlers) getRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.requests == nil {
		writeServiceUnavailable(w, r, "refund")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	refund, err := h.requests.GetRefund(ctx, chi.URLParam(r, "reference"), actor)
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, refundResponse{Refund: buildRefundPayload(refund)})
}

func (h *RefundHandlers) listRefunds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.requests == nil {
		writeServiceUnavailable(w, r, "refund")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	params, err := pagination.FromRequest(r, pagination.Options{AllowedFilters: []string{"status"}})
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}

	page, err := h.requests.ListRefunds(ctx, services.RefundListFilter{
		Status:     params.Filters["status"],
		Pagination: services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
		Actor:      actor,
	})
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildRefundList(page))
}

func (h *RefundHandlers) listUserRefunds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.requests == nil {
		writeServiceUnavailable(w, r, "refund")
		return
	}
	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}
	page, err := h.requests.ListUserRefunds(ctx, chi.URLParam(r, "userID"), services.Pagination{
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
	})
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildRefundList(page))
}

func (h *RefundHandlers) deleteRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.requests == nil {
		writeServiceUnavailable(w, r, "refund")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	if err := h.requests.DeleteRefund(ctx, chi.URLParam(r, "reference"), actor); err != nil {
		writeRefundError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RefundHandlers) refundReasons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.requests == nil {
		writeServiceUnavailable(w, r, "refund")
		return
	}
	reasons, err := h.requests.RefundReasons(ctx)
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}
	out := make([]reasonPayload, 0, len(reasons))
	for _, reason := range reasons {
		out = append(out, reasonPayload{Code: reason.Code, Name: reason.Name, Description: reason.Description})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"reasons": out})
}

func (h *RefundHandlers) rejectionReasons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.requests == nil {
		writeServiceUnavailable(w, r, "refund")
		return
	}
	reasons, err := h.requests.RejectionReasons(ctx)
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}
	out := make([]reasonPayload, 0, len(reasons))
	for _, reason := range reasons {
		out = append(out, reasonPayload{Code: reason.Code, Name: reason.Name, Description: reason.Description})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"reasons": out})
}

func (h *RefundHandlers) statusHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.history == nil {
		writeServiceUnavailable(w, r, "status history")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	rows, err := h.history.History(ctx, chi.URLParam(r, "reference"), actor)
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"status_history": buildStatusHistory(rows)})
}

func (h *RefundHandlers) availableActions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reviews == nil {
		writeServiceUnavailable(w, r, "refund review")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	events, err := h.reviews.AvailableActions(ctx, chi.URLParam(r, "reference"), actor)
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}
	actions := make([]string, 0, len(events))
	for _, event := range events {
		actions = append(actions, string(event))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"actions": actions})
}

func (h *RefundHandlers) reviewRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reviews == nil {
		writeServiceUnavailable(w, r, "refund review")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	// APPROVE carries no body.
	var req reviewRefundRequest
	if !decodeOptionalJSONBody(w, r, maxRefundBodySize, &req) {
		return
	}

	refund, err := h.reviews.ReviewRefund(ctx, services.ReviewRefundCommand{
		Reference: chi.URLParam(r, "reference"),
		Action:    chi.URLParam(r, "reviewerAction"),
		Code:      strings.TrimSpace(req.Code),
		Reason:    req.Reason,
		Actor:     actor,
	})
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, refundResponse{Refund: buildRefundPayload(refund), Message: reviewMessage(refund.RefundStatus)})
}

func (h *RefundHandlers) resendNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		writeServiceUnavailable(w, r, "notification")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	cmd := services.ResendNotificationCommand{
		Reference: strings.TrimSpace(chi.URLParam(r, "reference")),
		Actor:     actor,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("notificationType")); raw != "" {
		channel, ok := domain.ParseNotificationType(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "notificationType must be EMAIL or LETTER", http.StatusBadRequest))
			return
		}
		cmd.Channel = channel
	}
	if h.resendLimiter != nil {
		if ok, wait := h.resendLimiter.Reserve(cmd.Reference); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			httpx.WriteError(ctx, w, httpx.NewError("resend_rate_limited", "too many notification resends for "+cmd.Reference, http.StatusTooManyRequests))
			return
		}
	}

	msg, err := h.notifications.ResendNotification(ctx, cmd)
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"notification_id":   msg.ID,
		"template_id":       msg.TemplateID,
		"notification_type": msg.Channel,
		"reference":         msg.Reference,
	})
}

func writeServiceUnavailable(w http.ResponseWriter, r *http.Request, name string) {
	httpx.WriteError(r.Context(), w, httpx.NewError("service_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}
