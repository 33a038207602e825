package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/auth"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Refund             = domain.Refund
	RefundFee          = domain.RefundFee
	ContactDetails     = domain.ContactDetails
	StatusHistory      = domain.StatusHistory
	RefundReason       = domain.RefundReason
	RejectionReason    = domain.RejectionReason
	SystemHealthReport = domain.SystemHealthReport
	AuditLogEntry      = domain.AuditLogEntry
)

// Logger receives structured service events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Actor is the caller a refund operation is performed for.
type Actor struct {
	ID    string
	Roles []string
}

// RefundRoles parses the actor's role strings into service scopes.
func (a Actor) RefundRoles() auth.RefundRoles {
	return auth.ParseRefundRoles(a.Roles)
}

// RefundReviewService drives reviewer and system transitions of existing refunds.
type RefundReviewService interface {
	ReviewRefund(ctx context.Context, cmd ReviewRefundCommand) (Refund, error)
	CancelRefunds(ctx context.Context, cmd CancelRefundsCommand) ([]Refund, error)
	UpdateFromMiddleOffice(ctx context.Context, cmd MiddleOfficeUpdateCommand) (Refund, error)
	AvailableActions(ctx context.Context, reference string, actor Actor) ([]domain.RefundEvent, error)
}

// RefundRequestService raises, resubmits and reads refunds.
type RefundRequestService interface {
	CreateRefund(ctx context.Context, cmd CreateRefundCommand) (Refund, error)
	ResubmitRefund(ctx context.Context, cmd ResubmitRefundCommand) (Refund, error)
	GetRefund(ctx context.Context, reference string, actor Actor) (Refund, error)
	ListRefunds(ctx context.Context, filter RefundListFilter) (domain.CursorPage[Refund], error)
	ListUserRefunds(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[Refund], error)
	RefundReasons(ctx context.Context) ([]RefundReason, error)
	RejectionReasons(ctx context.Context) ([]RejectionReason, error)
	DeleteRefund(ctx context.Context, reference string, actor Actor) error
}

// StatusHistoryService owns the append-only status ledger.
type StatusHistoryService interface {
	Append(ctx context.Context, refund Refund, status domain.RefundStatus, notes string, actor string) (StatusHistory, error)
	IsClonedRefund(ctx context.Context, refund Refund) (bool, error)
	OriginalRefundReference(ctx context.Context, refund Refund) (string, bool, error)
	OriginalNoteForRejected(ctx context.Context, refund Refund) (string, bool, error)
	History(ctx context.Context, reference string, actor Actor) ([]StatusHistoryView, error)
}

// RefundNotificationService chooses templates and dispatches applicant notifications.
type RefundNotificationService interface {
	TemplateFor(instruction domain.RefundInstructionType, channel domain.NotificationType, rejectionWithOtherReason bool, language string) (string, error)
	ResendNotification(ctx context.Context, cmd ResendNotificationCommand) (NotificationMessage, error)
}

// SystemService exposes health and audit information.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	ListAuditLogs(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// AuditLogService centralizes immutable audit log persistence and retrieval.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// MiddleOfficePublisher hands approved refunds to the reconciliation provider.
type MiddleOfficePublisher interface {
	PublishRefund(ctx context.Context, msg MiddleOfficeMessage) error
}

// NotificationPublisher hands notification requests to the notification service.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, msg NotificationMessage) error
}

// UserDirectory resolves user ids to display names.
type UserDirectory interface {
	DisplayName(ctx context.Context, uid string) string
}

// RefundMetrics records transition and side effect counters.
type RefundMetrics interface {
	RecordTransition(ctx context.Context, event, status string)
	RecordSideEffect(ctx context.Context, kind, outcome string)
}

// ReviewRefundCommand is a reviewer action against one refund.
type ReviewRefundCommand struct {
	Reference string
	Action    string
	// Code is the rejection reason code, required for REJECT.
	Code string
	// Reason is reviewer free text, required for SENDBACK and for REJECT with the "other" code.
	Reason string
	Actor  Actor
}

// CancelRefundsCommand rejects every open refund of a cancelled payment.
type CancelRefundsCommand struct {
	PaymentReference string
	// Service names the calling service, recorded as the ledger actor.
	Service string
}

// MiddleOfficeUpdateCommand carries the reconciliation provider's verdict.
type MiddleOfficeUpdateCommand struct {
	Reference string
	Status    string
	Reason    string
}

// CreateRefundCommand raises a new refund against a payment.
type CreateRefundCommand struct {
	PaymentReference      string
	Reason                string
	Amount                decimal.Decimal
	Fees                  []RefundFee
	RefundInstructionType domain.RefundInstructionType
	ContactDetails        ContactDetails
	Actor                 Actor
}

// ResubmitRefundCommand replaces the details of a sent back refund.
type ResubmitRefundCommand struct {
	Reference      string
	Reason         string
	Amount         decimal.Decimal
	Fees           []RefundFee
	ContactDetails *ContactDetails
	Actor          Actor
}

// RefundListFilter scopes the caseworker refund listing.
type RefundListFilter struct {
	Status     string
	Pagination Pagination
	Actor      Actor
}

// StatusHistoryView is a ledger row with the creator's display name resolved.
type StatusHistoryView struct {
	StatusHistory
	CreatedByName string
}

// ResendNotificationCommand re-sends the applicant notification for a refund.
type ResendNotificationCommand struct {
	Reference string
	// Channel overrides the stored notification type when set.
	Channel domain.NotificationType
	Actor   Actor
}

// NotificationMessage is the payload handed to the notification service.
type NotificationMessage struct {
	ID              string            `json:"id"`
	TemplateID      string            `json:"template_id"`
	Channel         string            `json:"notification_type"`
	Recipient       NotificationParty `json:"recipient"`
	Reference       string            `json:"reference"`
	Personalisation map[string]string `json:"personalisation"`
	Language        string            `json:"language"`
	RequestedAt     time.Time         `json:"requested_at"`
}

// NotificationParty is the applicant contact the notification goes to.
type NotificationParty struct {
	Email       string `json:"email,omitempty"`
	AddressLine string `json:"address_line,omitempty"`
	City        string `json:"city,omitempty"`
	County      string `json:"county,omitempty"`
	Country     string `json:"country,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`
}

// MiddleOfficeMessage is the refund handed to the reconciliation provider.
type MiddleOfficeMessage struct {
	RefundReference   string          `json:"refund_reference"`
	OriginalReference string          `json:"original_refund_reference,omitempty"`
	PaymentReference  string          `json:"payment_reference"`
	CcdCaseNumber     string          `json:"ccd_case_number"`
	ServiceType       string          `json:"service_type"`
	Amount            decimal.Decimal `json:"amount"`
	Reason            string          `json:"reason"`
	InstructionType   string          `json:"refund_instruction_type,omitempty"`
	ApprovedBy        string          `json:"approved_by"`
	ApprovedAt        time.Time       `json:"approved_at"`
}

// AuditLogFilter narrows audit log listings.
type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	Since      *time.Time
	Pagination Pagination
}

// AuditLogRecord is one audit event before normalisation.
type AuditLogRecord struct {
	Actor      string
	Action     string
	TargetRef  string
	Roles      []string
	Severity   string
	RequestID  string
	OccurredAt time.Time
	Metadata   map[string]any
}
