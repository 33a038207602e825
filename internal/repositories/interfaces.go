package repositories

import (
	"context"
	"time"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Refunds() RefundRepository
	StatusHistory() StatusHistoryRepository
	ReferenceData() ReferenceDataRepository
	AuditLogs() AuditLogRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
// Implementations carry the transaction on ctx; all reads must precede writes.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RefundListFilter scopes refund listings.
type RefundListFilter struct {
	// Services limits results to refunds owned by these services. Empty means none.
	Services   []string
	Status     *domain.RefundStatus
	CreatedBy  string
	Pagination domain.Pagination
}

// RefundRepository persists refund aggregates with their embedded fee lines.
type RefundRepository interface {
	// Insert fails with a conflict when the reference already exists.
	Insert(ctx context.Context, refund domain.Refund) error
	// Update writes refund only if the stored version equals expectedVersion.
	Update(ctx context.Context, refund domain.Refund, expectedVersion int64) error
	FindByReference(ctx context.Context, reference string) (domain.Refund, error)
	FindByPaymentReference(ctx context.Context, paymentReference string) ([]domain.Refund, error)
	ExistsByReference(ctx context.Context, reference string) (bool, error)
	List(ctx context.Context, filter RefundListFilter) (domain.CursorPage[domain.Refund], error)
	// Delete removes the refund together with its status history.
	Delete(ctx context.Context, reference string) error
}

// StatusHistoryRepository is the append-only ledger of refund status changes.
type StatusHistoryRepository interface {
	Append(ctx context.Context, entry domain.StatusHistory) error
	// ListByRefund returns entries ordered by DateCreated descending.
	ListByRefund(ctx context.Context, reference string) ([]domain.StatusHistory, error)
}

// ReferenceDataRepository serves the closed refund and rejection reason tables.
type ReferenceDataRepository interface {
	RefundReasons(ctx context.Context) ([]domain.RefundReason, error)
	RejectionReasons(ctx context.Context) ([]domain.RejectionReason, error)
	FindRefundReason(ctx context.Context, code string) (domain.RefundReason, error)
	FindRejectionReason(ctx context.Context, code string) (domain.RejectionReason, error)
	// SeedIfEmpty writes the default tables when no reasons are stored yet.
	SeedIfEmpty(ctx context.Context, refundReasons []domain.RefundReason, rejectionReasons []domain.RejectionReason) error
}

// AuditLogFilter narrows audit log listings.
type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	Since      *time.Time
	Pagination domain.Pagination
}

// AuditLogRepository stores security relevant refund actions.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// HealthRepository gathers dependency status for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
