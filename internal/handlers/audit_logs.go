package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/auth"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/httpx"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/pagination"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/services"
)

// AuditLogHandlers lets refund admins read the security audit trail.
type AuditLogHandlers struct {
	authn  *auth.Authenticator
	system services.SystemService
}

func NewAuditLogHandlers(authn *auth.Authenticator, system services.SystemService) *AuditLogHandlers {
	return &AuditLogHandlers{authn: authn, system: system}
}

func (h *AuditLogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleRefundAdmin))
	} else {
		r.Use(auth.RequireRole(auth.RoleRefundAdmin))
	}
	r.Get("/", h.listAuditLogs)
}

type auditLogPayload struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	TargetRef string         `json:"target_ref"`
	Roles     []string       `json:"roles,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

func (h *AuditLogHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		writeServiceUnavailable(w, r, "audit log")
		return
	}
	params, err := pagination.FromRequest(r, pagination.Options{AllowedFilters: []string{"target_ref", "actor", "since"}})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter := services.AuditLogFilter{
		TargetRef:  params.Filters["target_ref"],
		Actor:      params.Filters["actor"],
		Pagination: services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
	}
	if raw := strings.TrimSpace(params.Filters["since"]); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "since must be an RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.Since = &since
	}

	page, err := h.system.ListAuditLogs(ctx, filter)
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}
	entries := make([]auditLogPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		entries = append(entries, auditLogPayload{
			ID:        entry.ID,
			Actor:     entry.Actor,
			Action:    entry.Action,
			TargetRef: entry.TargetRef,
			Roles:     entry.Roles,
			Severity:  entry.Severity,
			RequestID: entry.RequestID,
			Metadata:  entry.Metadata,
			CreatedAt: formatTime(entry.CreatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"audit_logs":      entries,
		"next_page_token": page.NextPageToken,
	})
}
