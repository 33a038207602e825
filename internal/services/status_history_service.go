package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories"
)

// StatusHistoryServiceDeps bundles collaborators required to construct a StatusHistoryService.
type StatusHistoryServiceDeps struct {
	History     repositories.StatusHistoryRepository
	Refunds     repositories.RefundRepository
	Users       UserDirectory
	Clock       func() time.Time
	IDGenerator func() string
}

type statusHistoryService struct {
	history repositories.StatusHistoryRepository
	refunds repositories.RefundRepository
	users   UserDirectory
	clock   func() time.Time
	newID   func() string
}

var _ StatusHistoryService = (*statusHistoryService)(nil)

// NewStatusHistoryService constructs the ledger service.
func NewStatusHistoryService(deps StatusHistoryServiceDeps) (StatusHistoryService, error) {
	if deps.History == nil {
		return nil, errors.New("status history service: history repository is required")
	}
	if deps.Refunds == nil {
		return nil, errors.New("status history service: refund repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = newULID
	}
	return &statusHistoryService{
		history: deps.History,
		refunds: deps.Refunds,
		users:   deps.Users,
		clock:   func() time.Time { return clock().UTC() },
		newID:   idGen,
	}, nil
}

// Append writes one ledger row. Callers run it inside the transaction that
// changes the refund status.
func (s *statusHistoryService) Append(ctx context.Context, refund Refund, status domain.RefundStatus, notes string, actor string) (StatusHistory, error) {
	if strings.TrimSpace(refund.Reference) == "" {
		return StatusHistory{}, fmt.Errorf("%w: refund reference is required", ErrRefundInvalidRequest)
	}
	entry := StatusHistory{
		ID:              s.newID(),
		RefundReference: refund.Reference,
		Status:          status,
		Notes:           notes,
		CreatedBy:       strings.TrimSpace(actor),
		DateCreated:     s.clock(),
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return StatusHistory{}, mapRepositoryError(err)
	}
	return entry, nil
}

func (s *statusHistoryService) IsClonedRefund(ctx context.Context, refund Refund) (bool, error) {
	_, found, err := s.latest(ctx, refund, domain.StatusReissued)
	return found, err
}

// OriginalRefundReference returns the refund's own reference unless it was
// reissued, in which case the reference embedded in the newest REISSUED note
// is returned. A REISSUED row without a reference yields ok=false.
func (s *statusHistoryService) OriginalRefundReference(ctx context.Context, refund Refund) (string, bool, error) {
	entry, found, err := s.latest(ctx, refund, domain.StatusReissued)
	if err != nil {
		return "", false, err
	}
	if !found {
		return refund.Reference, true, nil
	}
	match := domain.EmbeddedRefundReference.FindString(entry.Notes)
	if match == "" {
		return "", false, nil
	}
	return match, true, nil
}

func (s *statusHistoryService) OriginalNoteForRejected(ctx context.Context, refund Refund) (string, bool, error) {
	entry, found, err := s.latest(ctx, refund, domain.StatusRejected)
	if err != nil || !found {
		return "", false, err
	}
	return entry.Notes, true, nil
}

// History lists the ledger newest first for callers scoped to the refund's service.
func (s *statusHistoryService) History(ctx context.Context, reference string, actor Actor) ([]StatusHistoryView, error) {
	refund, err := s.refunds.FindByReference(ctx, strings.TrimSpace(reference))
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	if !actor.RefundRoles().CanAccessService(refund.ServiceType) {
		return nil, fmt.Errorf("%w: no role for service %s", ErrRefundForbidden, refund.ServiceType)
	}
	entries, err := s.history.ListByRefund(ctx, refund.Reference)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	views := make([]StatusHistoryView, 0, len(entries))
	for _, entry := range entries {
		name := entry.CreatedBy
		if s.users != nil {
			name = s.users.DisplayName(ctx, entry.CreatedBy)
		}
		views = append(views, StatusHistoryView{StatusHistory: entry, CreatedByName: name})
	}
	return views, nil
}

// latest re-reads the ledger on every call; ledgers hold a handful of rows.
func (s *statusHistoryService) latest(ctx context.Context, refund Refund, status domain.RefundStatus) (StatusHistory, bool, error) {
	entries, err := s.history.ListByRefund(ctx, refund.Reference)
	if err != nil {
		return StatusHistory{}, false, mapRepositoryError(err)
	}
	for _, entry := range entries {
		if entry.Status == status {
			return entry, true, nil
		}
	}
	return StatusHistory{}, false, nil
}
