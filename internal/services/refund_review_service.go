package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/payments"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/textutil"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories"
)

// Fixed ledger notes written by the review engine.
const (
	NoteRefundApproved       = "Refund Approved"
	NotePaymentCancelled     = "Refund cancelled due to payment failure"
	NoteReissuedFromTemplate = "Reissued from %s"
	// ReasonUnableToApplyToCard triggers a reissue when the middle office rejects a refund.
	ReasonUnableToApplyToCard = "Unable to apply refund to Card"
)

// Validation messages returned to reviewers.
const (
	msgRejectReasonRequired  = "Refund reject reason is required"
	msgRejectReasonInvalid   = "Reject reason is invalid"
	msgOtherReasonRequired   = "Enter reason for rejection"
	msgSendBackReasonMissing = "Enter reason for sendback"
)

// MiddleOfficeActor is recorded as the ledger actor for reconciliation callbacks.
const MiddleOfficeActor = "middle-office"

// reviewerEvents are the actions a reviewer may request; SUBMIT belongs to the resubmit path.
var reviewerEvents = map[domain.RefundEvent]struct{}{
	domain.EventApprove:  {},
	domain.EventReject:   {},
	domain.EventSendBack: {},
	domain.EventCancel:   {},
	domain.EventAccept:   {},
}

// RefundReviewServiceDeps bundles collaborators required to construct a RefundReviewService.
type RefundReviewServiceDeps struct {
	Refunds            repositories.RefundRepository
	ReferenceData      repositories.ReferenceDataRepository
	UnitOfWork         repositories.UnitOfWork
	History            StatusHistoryService
	Payments           payments.PaymentService
	MiddleOffice       MiddleOfficePublisher
	Audit              AuditLogService
	Metrics            RefundMetrics
	Logger             Logger
	Clock              func() time.Time
	IDGenerator        func() string
	ReferenceGenerator ReferenceGenerator
	ReferenceAttempts  int
	SideEffectTimeout  time.Duration
	SideEffectRetries  int
}

type refundReviewService struct {
	refunds           repositories.RefundRepository
	reasons           repositories.ReferenceDataRepository
	unitOfWork        repositories.UnitOfWork
	history           StatusHistoryService
	payments          payments.PaymentService
	middleOffice      MiddleOfficePublisher
	audit             AuditLogService
	metrics           RefundMetrics
	logger            Logger
	clock             func() time.Time
	newID             func() string
	newReference      ReferenceGenerator
	referenceAttempts int
	effects           sideEffectRunner
}

var _ RefundReviewService = (*refundReviewService)(nil)

// NewRefundReviewService constructs the review engine.
func NewRefundReviewService(deps RefundReviewServiceDeps) (RefundReviewService, error) {
	if deps.Refunds == nil {
		return nil, errors.New("refund review service: refund repository is required")
	}
	if deps.ReferenceData == nil {
		return nil, errors.New("refund review service: reference data repository is required")
	}
	if deps.History == nil {
		return nil, errors.New("refund review service: status history service is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("refund review service: payment service is required")
	}
	if deps.MiddleOffice == nil {
		return nil, errors.New("refund review service: middle office publisher is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = newULID
	}
	refGen := deps.ReferenceGenerator
	if refGen == nil {
		refGen = RandomReference
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &refundReviewService{
		refunds:           deps.Refunds,
		reasons:           deps.ReferenceData,
		unitOfWork:        deps.UnitOfWork,
		history:           deps.History,
		payments:          deps.Payments,
		middleOffice:      deps.MiddleOffice,
		audit:             deps.Audit,
		metrics:           deps.Metrics,
		logger:            logger,
		clock:             func() time.Time { return clock().UTC() },
		newID:             idGen,
		newReference:      refGen,
		referenceAttempts: deps.ReferenceAttempts,
		effects:           newSideEffectRunner(deps.SideEffectTimeout, deps.SideEffectRetries, logger, deps.Metrics),
	}, nil
}

func (s *refundReviewService) ReviewRefund(ctx context.Context, cmd ReviewRefundCommand) (Refund, error) {
	reference := strings.TrimSpace(cmd.Reference)
	if reference == "" {
		return Refund{}, fmt.Errorf("%w: refund reference is required", ErrRefundReviewInvalid)
	}

	refund, err := s.refunds.FindByReference(ctx, reference)
	if err != nil {
		return Refund{}, mapRepositoryError(err)
	}
	if refund.RefundStatus.IsTerminal() {
		return Refund{}, fmt.Errorf("%w: refund %s is %s", ErrRefundActionNotAllowed, refund.Reference, refund.RefundStatus)
	}

	event, err := domain.ParseRefundEvent(cmd.Action)
	if err != nil {
		return Refund{}, fmt.Errorf("%w: %v", ErrRefundReviewInvalid, err)
	}
	if _, ok := reviewerEvents[event]; !ok {
		return Refund{}, fmt.Errorf("%w: %s is not a reviewer action", ErrRefundReviewInvalid, event)
	}
	next, err := domain.NextState(refund.RefundStatus, event)
	if err != nil {
		return Refund{}, fmt.Errorf("%w: %v", ErrRefundReviewInvalid, err)
	}

	roles := cmd.Actor.RefundRoles()
	if !roles.CanApproveService(refund.ServiceType) {
		s.recordForbidden(ctx, AuditActionReviewForbidden, refund, event, cmd.Actor)
		return Refund{}, fmt.Errorf("%w: %s may not %s refunds for service %s", ErrRefundForbidden, cmd.Actor.ID, event, refund.ServiceType)
	}

	notes, code, err := s.reviewNotes(ctx, event, cmd.Code, cmd.Reason)
	if err != nil {
		return Refund{}, err
	}

	updated, err := s.commit(ctx, transition{
		reference:       refund.Reference,
		expectedVersion: refund.Version,
		event:           event,
		notes:           notes,
		rejectionCode:   code,
		actor:           cmd.Actor.ID,
	})
	if err != nil {
		return Refund{}, err
	}

	s.logger(ctx, "refund.reviewed", map[string]any{
		"reference": updated.Reference,
		"event":     string(event),
		"from":      string(refund.RefundStatus),
		"to":        string(next),
		"actor":     cmd.Actor.ID,
	})

	return updated, s.afterTransition(ctx, refund.RefundStatus, event, updated, cmd.Actor.ID)
}

func (s *refundReviewService) CancelRefunds(ctx context.Context, cmd CancelRefundsCommand) ([]Refund, error) {
	paymentReference := strings.TrimSpace(cmd.PaymentReference)
	if paymentReference == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrRefundInvalidRequest)
	}
	actor := strings.TrimSpace(cmd.Service)
	if actor == "" {
		actor = "payment-api"
	}

	refunds, err := s.refunds.FindByPaymentReference(ctx, paymentReference)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	if len(refunds) == 0 {
		return nil, fmt.Errorf("%w: no refunds for payment %s", ErrRefundNotFound, paymentReference)
	}

	changed := make([]Refund, 0, len(refunds))
	var errs []error
	for _, refund := range refunds {
		if refund.RefundStatus.IsTerminal() {
			continue
		}
		event := domain.EventCancel
		if refund.RefundStatus == domain.StatusSentForApproval {
			event = domain.EventReject
		}
		updated, err := s.commit(ctx, transition{
			reference:       refund.Reference,
			expectedVersion: refund.Version,
			event:           event,
			notes:           NotePaymentCancelled,
			rejectionCode:   domain.RejectionCodePaymentCancelled,
			actor:           actor,
		})
		if err != nil {
			s.logger(ctx, "refund.cancel_failed", map[string]any{
				"reference":        refund.Reference,
				"paymentReference": paymentReference,
				"error":            err.Error(),
			})
			errs = append(errs, err)
			continue
		}
		changed = append(changed, updated)
	}

	if s.audit != nil && len(changed) > 0 {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     actor,
			Action:    AuditActionRefundsCanceled,
			TargetRef: paymentReference,
			Metadata:  map[string]any{"refunds": len(changed)},
		})
	}
	if len(errs) > 0 {
		return changed, errors.Join(errs...)
	}
	return changed, nil
}

func (s *refundReviewService) UpdateFromMiddleOffice(ctx context.Context, cmd MiddleOfficeUpdateCommand) (Refund, error) {
	reference := strings.TrimSpace(cmd.Reference)
	if reference == "" {
		return Refund{}, fmt.Errorf("%w: refund reference is required", ErrRefundReviewInvalid)
	}
	status, err := domain.ParseRefundStatus(cmd.Status)
	if err != nil {
		return Refund{}, fmt.Errorf("%w: %v", ErrRefundReviewInvalid, err)
	}
	var event domain.RefundEvent
	switch status {
	case domain.StatusAccepted:
		event = domain.EventAccept
	case domain.StatusRejected:
		event = domain.EventReject
	default:
		return Refund{}, fmt.Errorf("%w: middle office status must be ACCEPTED or REJECTED, got %s", ErrRefundReviewInvalid, status)
	}
	reason := textutil.SanitizeNote(cmd.Reason)

	refund, err := s.refunds.FindByReference(ctx, reference)
	if err != nil {
		return Refund{}, mapRepositoryError(err)
	}
	if refund.RefundStatus.IsTerminal() {
		return Refund{}, fmt.Errorf("%w: refund %s is %s", ErrRefundActionNotAllowed, refund.Reference, refund.RefundStatus)
	}
	if refund.RefundStatus != domain.StatusSentToMiddleOffice {
		return Refund{}, fmt.Errorf("%w: refund %s is %s, not with the middle office", ErrRefundReviewInvalid, refund.Reference, refund.RefundStatus)
	}

	t := transition{
		reference:       refund.Reference,
		expectedVersion: refund.Version,
		event:           event,
		notes:           reason,
		actor:           MiddleOfficeActor,
	}

	reissue := event == domain.EventReject && strings.EqualFold(reason, ReasonUnableToApplyToCard)
	var clone Refund
	if reissue {
		// reads for the clone happen before the transaction starts writing
		var source string
		clone, source, err = s.prepareReissue(ctx, refund)
		if err != nil {
			return Refund{}, err
		}
		t.within = func(ctx context.Context, _ Refund) error {
			return s.writeReissue(ctx, clone, source)
		}
	}

	updated, err := s.commit(ctx, t)
	if err != nil {
		return Refund{}, err
	}
	s.logger(ctx, "refund.middle_office_update", map[string]any{
		"reference": updated.Reference,
		"status":    string(updated.RefundStatus),
		"reissued":  clone.Reference,
	})

	if reissue {
		s.record(ctx, "REISSUE", domain.StatusSentToMiddleOffice)
		return updated, s.publishToMiddleOffice(ctx, clone, MiddleOfficeActor)
	}
	return updated, s.afterTransition(ctx, refund.RefundStatus, event, updated, MiddleOfficeActor)
}

func (s *refundReviewService) AvailableActions(ctx context.Context, reference string, actor Actor) ([]domain.RefundEvent, error) {
	refund, err := s.refunds.FindByReference(ctx, strings.TrimSpace(reference))
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	roles := actor.RefundRoles()
	if !roles.CanAccessService(refund.ServiceType) {
		s.recordForbidden(ctx, AuditActionAccessForbidden, refund, "", actor)
		return nil, fmt.Errorf("%w: no role for service %s", ErrRefundForbidden, refund.ServiceType)
	}
	if !roles.CanApproveService(refund.ServiceType) {
		return []domain.RefundEvent{}, nil
	}
	allowed := domain.AllowedEvents(refund.RefundStatus)
	actions := make([]domain.RefundEvent, 0, len(allowed))
	for _, event := range allowed {
		if _, ok := reviewerEvents[event]; ok {
			actions = append(actions, event)
		}
	}
	return actions, nil
}

// reviewNotes computes the ledger note and rejection code for a reviewer action.
func (s *refundReviewService) reviewNotes(ctx context.Context, event domain.RefundEvent, code, reason string) (string, string, error) {
	reason = textutil.SanitizeNote(reason)
	switch event {
	case domain.EventApprove:
		return NoteRefundApproved, "", nil
	case domain.EventReject:
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" {
			return "", "", fmt.Errorf("%w: %s", ErrRefundReviewInvalid, msgRejectReasonRequired)
		}
		if code == domain.RejectionCodeOther {
			if reason == "" {
				return "", "", fmt.Errorf("%w: %s", ErrRefundReviewInvalid, msgOtherReasonRequired)
			}
			return reason, code, nil
		}
		rejection, err := s.reasons.FindRejectionReason(ctx, code)
		if err != nil {
			if isNotFound(err) {
				return "", "", fmt.Errorf("%w: %s", ErrRefundReviewInvalid, msgRejectReasonInvalid)
			}
			return "", "", mapRepositoryError(err)
		}
		return rejection.Name, rejection.Code, nil
	case domain.EventSendBack:
		if reason == "" {
			return "", "", fmt.Errorf("%w: %s", ErrRefundReviewInvalid, msgSendBackReasonMissing)
		}
		return reason, "", nil
	default:
		return "", "", nil
	}
}

type transition struct {
	reference       string
	expectedVersion int64
	event           domain.RefundEvent
	notes           string
	rejectionCode   string
	actor           string
	// within runs inside the transaction after the refund and its ledger row are written.
	within func(ctx context.Context, updated Refund) error
}

// commit re-reads the refund inside a transaction, checks the version the
// caller validated against, writes the new status and appends the ledger row.
func (s *refundReviewService) commit(ctx context.Context, t transition) (Refund, error) {
	var updated Refund
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.refunds.FindByReference(txCtx, t.reference)
		if err != nil {
			return err
		}
		if current.Version != t.expectedVersion {
			return fmt.Errorf("%w: refund %s changed concurrently", ErrRefundConflict, t.reference)
		}
		next, err := domain.NextState(current.RefundStatus, t.event)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRefundConflict, err)
		}

		now := s.clock()
		updated = current
		updated.RefundStatus = next
		if next == domain.StatusRejected {
			updated.RejectionCode = t.rejectionCode
		}
		updated.UpdatedBy = t.actor
		updated.DateUpdated = now
		updated.Version = current.Version + 1

		if err := s.refunds.Update(txCtx, updated, current.Version); err != nil {
			return err
		}
		if _, err := s.history.Append(txCtx, updated, next, t.notes, t.actor); err != nil {
			return err
		}
		if t.within != nil {
			return t.within(txCtx, updated)
		}
		return nil
	})
	if err != nil {
		return Refund{}, mapRepositoryError(err)
	}
	s.record(ctx, string(t.event), updated.RefundStatus)
	return updated, nil
}

// afterTransition fires post-commit side effects for a reviewer or middle office transition.
func (s *refundReviewService) afterTransition(ctx context.Context, from domain.RefundStatus, event domain.RefundEvent, updated Refund, actor string) error {
	switch {
	case event == domain.EventApprove:
		return s.publishToMiddleOffice(ctx, updated, actor)
	case from == domain.StatusSentToMiddleOffice && updated.RefundStatus == domain.StatusRejected:
		return s.effects.run(ctx, SideEffectCancelPayment, updated, func(ctx context.Context) error {
			return s.payments.CancelPayment(ctx, updated.PaymentReference)
		})
	default:
		return nil
	}
}

func (s *refundReviewService) publishToMiddleOffice(ctx context.Context, refund Refund, actor string) error {
	original, ok, err := s.history.OriginalRefundReference(ctx, refund)
	if err != nil || !ok {
		original = ""
	}
	if original == refund.Reference {
		original = ""
	}
	msg := MiddleOfficeMessage{
		RefundReference:   refund.Reference,
		OriginalReference: original,
		PaymentReference:  refund.PaymentReference,
		CcdCaseNumber:     refund.CcdCaseNumber,
		ServiceType:       refund.ServiceType,
		Amount:            refund.Amount.Round(2),
		Reason:            refund.Reason,
		InstructionType:   string(refund.RefundInstructionType),
		ApprovedBy:        actor,
		ApprovedAt:        refund.DateUpdated,
	}
	return s.effects.run(ctx, SideEffectMiddleOffice, refund, func(ctx context.Context) error {
		return s.middleOffice.PublishRefund(ctx, msg)
	})
}

// prepareReissue builds the clone of a refund the middle office could not
// apply to the card and resolves the reference it was first raised under.
// It allocates the new reference before any write.
func (s *refundReviewService) prepareReissue(ctx context.Context, rejected Refund) (Refund, string, error) {
	reference, err := nextReference(ctx, s.refunds, s.newReference, s.referenceAttempts)
	if err != nil {
		return Refund{}, "", err
	}
	original, ok, err := s.history.OriginalRefundReference(ctx, rejected)
	if err != nil {
		return Refund{}, "", err
	}
	if !ok {
		original = rejected.Reference
	}

	now := s.clock()
	clone := rejected
	clone.ID = s.newID()
	clone.Reference = reference
	clone.RefundStatus = domain.StatusSentToMiddleOffice
	clone.RefundInstructionType = domain.RefundWhenContacted
	clone.RejectionCode = ""
	clone.CreatedBy = MiddleOfficeActor
	clone.UpdatedBy = MiddleOfficeActor
	clone.DateCreated = now
	clone.DateUpdated = now
	clone.Version = 1
	clone.Fees = append([]RefundFee(nil), rejected.Fees...)
	return clone, original, nil
}

func (s *refundReviewService) writeReissue(ctx context.Context, clone Refund, source string) error {
	if err := s.refunds.Insert(ctx, clone); err != nil {
		return err
	}
	if _, err := s.history.Append(ctx, clone, domain.StatusReissued, fmt.Sprintf(NoteReissuedFromTemplate, source), MiddleOfficeActor); err != nil {
		return err
	}
	_, err := s.history.Append(ctx, clone, domain.StatusSentToMiddleOffice, "", MiddleOfficeActor)
	return err
}

func (s *refundReviewService) recordForbidden(ctx context.Context, action string, refund Refund, event domain.RefundEvent, actor Actor) {
	s.logger(ctx, "refund.forbidden", map[string]any{
		"reference": refund.Reference,
		"service":   refund.ServiceType,
		"event":     string(event),
		"actor":     actor.ID,
		"roles":     actor.Roles,
	})
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:     actor.ID,
		Action:    action,
		TargetRef: refund.Reference,
		Roles:     actor.Roles,
		Severity:  "warn",
		Metadata: map[string]any{
			"event":   string(event),
			"service": refund.ServiceType,
			"status":  string(refund.RefundStatus),
		},
	})
}

func (s *refundReviewService) record(ctx context.Context, event string, status domain.RefundStatus) {
	if s.metrics != nil {
		s.metrics.RecordTransition(ctx, event, string(status))
	}
}

func (s *refundReviewService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}
