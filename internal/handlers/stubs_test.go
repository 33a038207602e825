package handlers

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/auth"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/services"
)

type stubSystemService struct {
	report    services.SystemHealthReport
	err       error
	auditFunc func(ctx context.Context, filter services.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

func (s *stubSystemService) ListAuditLogs(ctx context.Context, filter services.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	if s.auditFunc != nil {
		return s.auditFunc(ctx, filter)
	}
	return domain.CursorPage[domain.AuditLogEntry]{}, nil
}

type stubRequestService struct {
	createFunc   func(ctx context.Context, cmd services.CreateRefundCommand) (services.Refund, error)
	resubmitFunc func(ctx context.Context, cmd services.ResubmitRefundCommand) (services.Refund, error)
	getFunc      func(ctx context.Context, reference string, actor services.Actor) (services.Refund, error)
	listFunc     func(ctx context.Context, filter services.RefundListFilter) (domain.CursorPage[services.Refund], error)
	userListFunc func(ctx context.Context, userID string, pager services.Pagination) (domain.CursorPage[services.Refund], error)
	deleteFunc   func(ctx context.Context, reference string, actor services.Actor) error
}

func (s *stubRequestService) CreateRefund(ctx context.Context, cmd services.CreateRefundCommand) (services.Refund, error) {
	if s.createFunc != nil {
		return s.createFunc(ctx, cmd)
	}
	return services.Refund{}, nil
}

func (s *stubRequestService) ResubmitRefund(ctx context.Context, cmd services.ResubmitRefundCommand) (services.Refund, error) {
	if s.resubmitFunc != nil {
		return s.resubmitFunc(ctx, cmd)
	}
	return services.Refund{}, nil
}

func (s *stubRequestService) GetRefund(ctx context.Context, reference string, actor services.Actor) (services.Refund, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, reference, actor)
	}
	return services.Refund{}, nil
}

func (s *stubRequestService) ListRefunds(ctx context.Context, filter services.RefundListFilter) (domain.CursorPage[services.Refund], error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, filter)
	}
	return domain.CursorPage[services.Refund]{}, nil
}

func (s *stubRequestService) ListUserRefunds(ctx context.Context, userID string, pager services.Pagination) (domain.CursorPage[services.Refund], error) {
	if s.userListFunc != nil {
		return s.userListFunc(ctx, userID, pager)
	}
	return domain.CursorPage[services.Refund]{}, nil
}

func (s *stubRequestService) RefundReasons(context.Context) ([]services.RefundReason, error) {
	return domain.DefaultRefundReasons(), nil
}

func (s *stubRequestService) RejectionReasons(context.Context) ([]services.RejectionReason, error) {
	return domain.DefaultRejectionReasons(), nil
}

func (s *stubRequestService) DeleteRefund(ctx context.Context, reference string, actor services.Actor) error {
	if s.deleteFunc != nil {
		return s.deleteFunc(ctx, reference, actor)
	}
	return nil
}

type stubReviewService struct {
	reviewFunc  func(ctx context.Context, cmd services.ReviewRefundCommand) (services.Refund, error)
	cancelFunc  func(ctx context.Context, cmd services.CancelRefundsCommand) ([]services.Refund, error)
	updateFunc  func(ctx context.Context, cmd services.MiddleOfficeUpdateCommand) (services.Refund, error)
	actionsFunc func(ctx context.Context, reference string, actor services.Actor) ([]domain.RefundEvent, error)
}

func (s *stubReviewService) ReviewRefund(ctx context.Context, cmd services.ReviewRefundCommand) (services.Refund, error) {
	if s.reviewFunc != nil {
		return s.reviewFunc(ctx, cmd)
	}
	return services.Refund{}, nil
}

func (s *stubReviewService) CancelRefunds(ctx context.Context, cmd services.CancelRefundsCommand) ([]services.Refund, error) {
	if s.cancelFunc != nil {
		return s.cancelFunc(ctx, cmd)
	}
	return nil, nil
}

func (s *stubReviewService) UpdateFromMiddleOffice(ctx context.Context, cmd services.MiddleOfficeUpdateCommand) (services.Refund, error) {
	if s.updateFunc != nil {
		return s.updateFunc(ctx, cmd)
	}
	return services.Refund{}, nil
}

func (s *stubReviewService) AvailableActions(ctx context.Context, reference string, actor services.Actor) ([]domain.RefundEvent, error) {
	if s.actionsFunc != nil {
		return s.actionsFunc(ctx, reference, actor)
	}
	return nil, nil
}

type stubHistoryService struct {
	services.StatusHistoryService
	historyFunc func(ctx context.Context, reference string, actor services.Actor) ([]services.StatusHistoryView, error)
}

func (s *stubHistoryService) History(ctx context.Context, reference string, actor services.Actor) ([]services.StatusHistoryView, error) {
	return s.historyFunc(ctx, reference, actor)
}

type stubNotificationService struct {
	services.RefundNotificationService
	resendFunc func(ctx context.Context, cmd services.ResendNotificationCommand) (services.NotificationMessage, error)
}

func (s *stubNotificationService) ResendNotification(ctx context.Context, cmd services.ResendNotificationCommand) (services.NotificationMessage, error) {
	return s.resendFunc(ctx, cmd)
}

var (
	_ services.SystemService             = (*stubSystemService)(nil)
	_ services.RefundRequestService      = (*stubRequestService)(nil)
	_ services.RefundReviewService       = (*stubReviewService)(nil)
	_ services.StatusHistoryService      = (*stubHistoryService)(nil)
	_ services.RefundNotificationService = (*stubNotificationService)(nil)
)

func caseworker() *auth.Identity {
	return &auth.Identity{UID: "caseworker-1", Roles: []string{"payments-refund-probate"}}
}

func approver() *auth.Identity {
	return &auth.Identity{UID: "approver-1", Roles: []string{"payments-refund-approver-probate"}}
}

func sampleRefund(status domain.RefundStatus) services.Refund {
	created := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	return services.Refund{
		ID:                    "01HQREFUND",
		Reference:             "RF-1111-2222-3333-4444",
		PaymentReference:      "RC-1234-5678-9012-3456",
		CcdCaseNumber:         "1234567890123456",
		ServiceType:           "probate",
		Amount:                decimal.RequireFromString("50.5"),
		Reason:                "RR001",
		RefundStatus:          status,
		RefundInstructionType: domain.RefundWhenContacted,
		ContactDetails: domain.ContactDetails{
			NotificationType: domain.NotificationEmail,
			Email:            "applicant@example.com",
		},
		CreatedBy:   "caseworker-1",
		UpdatedBy:   "caseworker-1",
		DateCreated: created,
		DateUpdated: created,
		Version:     1,
		Fees: []domain.RefundFee{
			{FeeID: "1", Code: "FEE0001", Version: "1", Volume: 1, RefundAmount: decimal.RequireFromString("50.5")},
		},
	}
}
