package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/auth"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/services"
)

func TestAuditLogHandlersList(t *testing.T) {
	created := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	var captured services.AuditLogFilter
	system := &stubSystemService{
		auditFunc: func(ctx context.Context, filter services.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
			captured = filter
			return domain.CursorPage[domain.AuditLogEntry]{Items: []domain.AuditLogEntry{{
				ID:        "a-1",
				Actor:     "caseworker-1",
				Action:    "refund.review.forbidden",
				TargetRef: "RF-1111-2222-3333-4444",
				Severity:  "warn",
				CreatedAt: created,
			}}}, nil
		},
	}
	router := NewRouter(WithAuditLogRoutes(NewAuditLogHandlers(nil, system).Routes))
	admin := &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleRefundAdmin}}

	rr := serveAs(router, admin, http.MethodGet, "/api/v1/audit-logs?target_ref=RF-1111-2222-3333-4444&since=2024-05-01T00:00:00Z", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.TargetRef != "RF-1111-2222-3333-4444" || captured.Since == nil || !captured.Since.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected filter %+v", captured)
	}
	var resp struct {
		AuditLogs []auditLogPayload `json:"audit_logs"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.AuditLogs) != 1 || resp.AuditLogs[0].Action != "refund.review.forbidden" {
		t.Fatalf("unexpected entries %+v", resp.AuditLogs)
	}
}

func TestAuditLogHandlersRejects(t *testing.T) {
	router := NewRouter(WithAuditLogRoutes(NewAuditLogHandlers(nil, &stubSystemService{}).Routes))
	admin := &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleRefundAdmin}}

	if rr := serveAs(router, caseworker(), http.MethodGet, "/api/v1/audit-logs", ""); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non admin, got %d", rr.Code)
	}
	if rr := serveAs(router, admin, http.MethodGet, "/api/v1/audit-logs?since=yesterday", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad since, got %d", rr.Code)
	}
}
