package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories"
)

type stubAuditRepo struct {
	entries   []domain.AuditLogEntry
	appendErr error

	listFilter repositories.AuditLogFilter
	listResp   domain.CursorPage[domain.AuditLogEntry]
	listErr    error
}

func (s *stubAuditRepo) Append(_ context.Context, entry domain.AuditLogEntry) error {
	s.entries = append(s.entries, entry)
	return s.appendErr
}

func (s *stubAuditRepo) List(_ context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	s.listFilter = filter
	return s.listResp, s.listErr
}

type captureLogger struct {
	events []string
	fields []map[string]any
}

func (c *captureLogger) log(_ context.Context, event string, fields map[string]any) {
	c.events = append(c.events, event)
	c.fields = append(c.fields, fields)
}

func (c *captureLogger) has(event string) bool {
	for _, e := range c.events {
		if e == event {
			return true
		}
	}
	return false
}

func TestAuditLogServiceRecordSanitizes(t *testing.T) {
	repo := &stubAuditRepo{}
	fixed := time.Date(2024, 5, 5, 12, 0, 0, 0, time.UTC)

	svc, err := NewAuditLogService(AuditLogServiceDeps{
		Repository:  repo,
		Clock:       func() time.Time { return fixed },
		IDGenerator: func() string { return "audit-1" },
	})
	if err != nil {
		t.Fatalf("new audit log service: %v", err)
	}

	svc.Record(context.Background(), AuditLogRecord{
		Actor:     "  caseworker-1  ",
		Action:    " refund.review.forbidden ",
		TargetRef: " RF-1111-2222-3333-4444 ",
		Roles:     []string{"payments-refund-probate", "Payments-Refund-Probate", " payments-refund-approver-divorce "},
		Severity:  "Warn",
		RequestID: " req-123\x07 ",
		Metadata:  map[string]any{"event": "APPROVE", "error": errors.New("no role"), " ": "dropped"},
	})

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	entry := repo.entries[0]
	if entry.ID != "audit-1" {
		t.Fatalf("unexpected id %q", entry.ID)
	}
	if entry.Actor != "caseworker-1" || entry.TargetRef != "RF-1111-2222-3333-4444" {
		t.Fatalf("unexpected actor/target %q/%q", entry.Actor, entry.TargetRef)
	}
	if entry.Severity != "warn" {
		t.Fatalf("unexpected severity %q", entry.Severity)
	}
	if entry.RequestID != "req-123" {
		t.Fatalf("expected control characters stripped, got %q", entry.RequestID)
	}
	if len(entry.Roles) != 2 || entry.Roles[0] != "payments-refund-approver-divorce" || entry.Roles[1] != "payments-refund-probate" {
		t.Fatalf("unexpected roles %v", entry.Roles)
	}
	if entry.Metadata["error"] != "no role" || entry.Metadata["event"] != "APPROVE" {
		t.Fatalf("unexpected metadata %#v", entry.Metadata)
	}
	if _, ok := entry.Metadata[""]; ok {
		t.Fatalf("expected blank metadata key dropped")
	}
	if !entry.CreatedAt.Equal(fixed) {
		t.Fatalf("expected CreatedAt %s, got %s", fixed, entry.CreatedAt)
	}
}

func TestAuditLogServiceRecordLogsOnFailure(t *testing.T) {
	repo := &stubAuditRepo{appendErr: errors.New("boom")}
	logger := &captureLogger{}

	svc, err := NewAuditLogService(AuditLogServiceDeps{Repository: repo, Logger: logger.log})
	if err != nil {
		t.Fatalf("new audit log service: %v", err)
	}

	svc.Record(context.Background(), AuditLogRecord{Actor: "system", Action: "test.action", TargetRef: "RF-1"})

	if !logger.has("audit.append_failed") {
		t.Fatalf("expected append failure to be logged, got %v", logger.events)
	}
}

func TestAuditLogServiceListDelegates(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := &stubAuditRepo{
		listResp: domain.CursorPage[domain.AuditLogEntry]{
			Items:         []domain.AuditLogEntry{{ID: "log-1"}},
			NextPageToken: "next-token",
		},
	}
	svc, err := NewAuditLogService(AuditLogServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("new audit log service: %v", err)
	}

	page, err := svc.List(context.Background(), AuditLogFilter{
		TargetRef:  " RF-1 ",
		Actor:      " user-1 ",
		Since:      &since,
		Pagination: Pagination{PageSize: 25, PageToken: " token "},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.NextPageToken != "next-token" || len(page.Items) != 1 {
		t.Fatalf("unexpected page %#v", page)
	}
	if repo.listFilter.TargetRef != "RF-1" || repo.listFilter.Actor != "user-1" {
		t.Fatalf("expected trimmed filter, got %#v", repo.listFilter)
	}
	if repo.listFilter.Since == nil || !repo.listFilter.Since.Equal(since) {
		t.Fatalf("expected since passed through")
	}
	if repo.listFilter.Pagination.PageToken != " token " {
		t.Fatalf("expected page token untouched, got %q", repo.listFilter.Pagination.PageToken)
	}
}
