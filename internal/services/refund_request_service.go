package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/payments"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/auth"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/textutil"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories"
)

// Ledger notes written by the request engine.
const (
	NoteRefundInitiated   = "Refund initiated"
	NoteRefundResubmitted = "Refund resubmitted"
)

const moneyScale = 2

// RefundRequestServiceDeps bundles collaborators required to construct a RefundRequestService.
type RefundRequestServiceDeps struct {
	Refunds            repositories.RefundRepository
	ReferenceData      repositories.ReferenceDataRepository
	UnitOfWork         repositories.UnitOfWork
	History            StatusHistoryService
	Payments           payments.PaymentService
	Audit              AuditLogService
	Metrics            RefundMetrics
	Logger             Logger
	Clock              func() time.Time
	IDGenerator        func() string
	ReferenceGenerator ReferenceGenerator
	ReferenceAttempts  int
}

type refundRequestService struct {
	refunds           repositories.RefundRepository
	reasons           repositories.ReferenceDataRepository
	unitOfWork        repositories.UnitOfWork
	history           StatusHistoryService
	payments          payments.PaymentService
	audit             AuditLogService
	metrics           RefundMetrics
	logger            Logger
	clock             func() time.Time
	newID             func() string
	newReference      ReferenceGenerator
	referenceAttempts int
}

var _ RefundRequestService = (*refundRequestService)(nil)

// NewRefundRequestService constructs the request and resubmit engine.
func NewRefundRequestService(deps RefundRequestServiceDeps) (RefundRequestService, error) {
	if deps.Refunds == nil {
		return nil, errors.New("refund request service: refund repository is required")
	}
	if deps.ReferenceData == nil {
		return nil, errors.New("refund request service: reference data repository is required")
	}
	if deps.History == nil {
		return nil, errors.New("refund request service: status history service is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("refund request service: payment service is required")
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

	return &refundRequestService{
		refunds:           deps.Refunds,
		reasons:           deps.ReferenceData,
		unitOfWork:        deps.UnitOfWork,
		history:           deps.History,
		payments:          deps.Payments,
		audit:             deps.Audit,
		metrics:           deps.Metrics,
		logger:            logger,
		clock:             func() time.Time { return clock().UTC() },
		newID:             idGen,
		newReference:      refGen,
		referenceAttempts: deps.ReferenceAttempts,
	}, nil
}

func (s *refundRequestService) CreateRefund(ctx context.Context, cmd CreateRefundCommand) (Refund, error) {
	paymentReference := strings.TrimSpace(cmd.PaymentReference)
	if paymentReference == "" {
		return Refund{}, fmt.Errorf("%w: payment reference is required", ErrRefundInvalidRequest)
	}
	if strings.TrimSpace(cmd.Actor.ID) == "" {
		return Refund{}, fmt.Errorf("%w: caller identity is required", ErrRefundInvalidRequest)
	}
	instruction := cmd.RefundInstructionType
	if instruction == "" {
		instruction = domain.RefundWhenContacted
	}
	contact, err := normaliseContactDetails(cmd.ContactDetails)
	if err != nil {
		return Refund{}, err
	}

	payment, err := s.loadPayment(ctx, paymentReference)
	if err != nil {
		return Refund{}, err
	}
	if !cmd.Actor.RefundRoles().CanAccessService(payment.ServiceType) {
		s.recordForbidden(ctx, paymentReference, payment.ServiceType, cmd.Actor)
		return Refund{}, fmt.Errorf("%w: %s has no role for service %s", ErrRefundForbidden, cmd.Actor.ID, payment.ServiceType)
	}
	if payment.Status != "" && payment.Status != domain.PaymentSuccess {
		return Refund{}, fmt.Errorf("%w: payment %s is %s", ErrRefundInvalidRequest, paymentReference, payment.Status)
	}

	reason, err := s.resolveReason(ctx, cmd.Reason)
	if err != nil {
		return Refund{}, err
	}
	existing, err := s.refunds.FindByPaymentReference(ctx, paymentReference)
	if err != nil {
		return Refund{}, mapRepositoryError(err)
	}
	fees, err := validateRefundAmount(cmd.Amount, cmd.Fees, payment, refundedAmount(existing, ""))
	if err != nil {
		return Refund{}, err
	}

	reference, err := nextReference(ctx, s.refunds, s.newReference, s.referenceAttempts)
	if err != nil {
		return Refund{}, err
	}

	now := s.clock()
	refund := Refund{
		ID:                    s.newID(),
		Reference:             reference,
		PaymentReference:      paymentReference,
		CcdCaseNumber:         payment.CcdCaseNumber,
		ServiceType:           payment.ServiceType,
		Amount:                cmd.Amount.Round(moneyScale),
		Reason:                reason.Code,
		RefundStatus:          domain.StatusSentForApproval,
		RefundInstructionType: instruction,
		ContactDetails:        contact,
		CreatedBy:             cmd.Actor.ID,
		UpdatedBy:             cmd.Actor.ID,
		DateCreated:           now,
		DateUpdated:           now,
		Version:               1,
		Fees:                  fees,
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.refunds.Insert(txCtx, refund); err != nil {
			return err
		}
		_, err := s.history.Append(txCtx, refund, domain.StatusSentForApproval, NoteRefundInitiated, cmd.Actor.ID)
		return err
	})
	if err != nil {
		return Refund{}, mapRepositoryError(err)
	}

	s.record(ctx, "CREATE", refund.RefundStatus)
	s.logger(ctx, "refund.created", map[string]any{
		"reference":        refund.Reference,
		"paymentReference": refund.PaymentReference,
		"service":          refund.ServiceType,
		"amount":           refund.Amount.StringFixed(moneyScale),
		"actor":            cmd.Actor.ID,
	})
	return refund, nil
}

func (s *refundRequestService) ResubmitRefund(ctx context.Context, cmd ResubmitRefundCommand) (Refund, error) {
	reference := strings.TrimSpace(cmd.Reference)
	if reference == "" {
		return Refund{}, fmt.Errorf("%w: refund reference is required", ErrRefundInvalidRequest)
	}

	refund, err := s.refunds.FindByReference(ctx, reference)
	if err != nil {
		return Refund{}, mapRepositoryError(err)
	}
	if !cmd.Actor.RefundRoles().CanAccessService(refund.ServiceType) {
		s.recordForbidden(ctx, refund.Reference, refund.ServiceType, cmd.Actor)
		return Refund{}, fmt.Errorf("%w: %s has no role for service %s", ErrRefundForbidden, cmd.Actor.ID, refund.ServiceType)
	}

	next, err := domain.NextState(refund.RefundStatus, domain.EventSubmit)
	if err != nil {
		return Refund{}, fmt.Errorf("%w: refund %s is %s", ErrRefundActionNotAllowed, refund.Reference, refund.RefundStatus)
	}
	if next == refund.RefundStatus {
		// SUBMIT on a terminal refund changes nothing.
		return refund, nil
	}

	changes := refund
	if strings.TrimSpace(cmd.Reason) != "" {
		reason, err := s.resolveReason(ctx, cmd.Reason)
		if err != nil {
			return Refund{}, err
		}
		changes.Reason = reason.Code
	}
	if cmd.ContactDetails != nil {
		contact, err := normaliseContactDetails(*cmd.ContactDetails)
		if err != nil {
			return Refund{}, err
		}
		changes.ContactDetails = contact
	}
	if len(cmd.Fees) > 0 || !cmd.Amount.IsZero() {
		payment, err := s.loadPayment(ctx, refund.PaymentReference)
		if err != nil {
			return Refund{}, err
		}
		existing, err := s.refunds.FindByPaymentReference(ctx, refund.PaymentReference)
		if err != nil {
			return Refund{}, mapRepositoryError(err)
		}
		fees, err := validateRefundAmount(cmd.Amount, cmd.Fees, payment, refundedAmount(existing, refund.Reference))
		if err != nil {
			return Refund{}, err
		}
		changes.Amount = cmd.Amount.Round(moneyScale)
		changes.Fees = fees
	}

	var updated Refund
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.refunds.FindByReference(txCtx, refund.Reference)
		if err != nil {
			return err
		}
		if current.Version != refund.Version {
			return fmt.Errorf("%w: refund %s changed concurrently", ErrRefundConflict, refund.Reference)
		}
		updated = changes
		updated.RefundStatus = next
		updated.RejectionCode = ""
		updated.UpdatedBy = cmd.Actor.ID
		updated.DateUpdated = s.clock()
		updated.Version = current.Version + 1
		if err := s.refunds.Update(txCtx, updated, current.Version); err != nil {
			return err
		}
		_, err = s.history.Append(txCtx, updated, next, NoteRefundResubmitted, cmd.Actor.ID)
		return err
	})
	if err != nil {
		return Refund{}, mapRepositoryError(err)
	}

	s.record(ctx, string(domain.EventSubmit), updated.RefundStatus)
	s.logger(ctx, "refund.resubmitted", map[string]any{
		"reference": updated.Reference,
		"amount":    updated.Amount.StringFixed(moneyScale),
		"actor":     cmd.Actor.ID,
	})
	return updated, nil
}

func (s *refundRequestService) GetRefund(ctx context.Context, reference string, actor Actor) (Refund, error) {
	refund, err := s.refunds.FindByReference(ctx, strings.TrimSpace(reference))
	if err != nil {
		return Refund{}, mapRepositoryError(err)
	}
	if !actor.RefundRoles().CanAccessService(refund.ServiceType) {
		s.recordForbidden(ctx, refund.Reference, refund.ServiceType, actor)
		return Refund{}, fmt.Errorf("%w: no role for service %s", ErrRefundForbidden, refund.ServiceType)
	}
	return refund, nil
}

func (s *refundRequestService) ListRefunds(ctx context.Context, filter RefundListFilter) (domain.CursorPage[Refund], error) {
	services, err := filter.Actor.RefundRoles().Services()
	if err != nil {
		if errors.Is(err, auth.ErrNoRefundServiceRole) {
			return domain.CursorPage[Refund]{}, fmt.Errorf("%w: %v", ErrRefundForbidden, err)
		}
		return domain.CursorPage[Refund]{}, err
	}

	repoFilter := repositories.RefundListFilter{
		Services:   services,
		Pagination: filter.Pagination,
	}
	if status := strings.TrimSpace(filter.Status); status != "" {
		parsed, err := domain.ParseRefundStatus(status)
		if err != nil {
			return domain.CursorPage[Refund]{}, fmt.Errorf("%w: %v", ErrRefundInvalidRequest, err)
		}
		repoFilter.Status = &parsed
	}

	page, err := s.refunds.List(ctx, repoFilter)
	if err != nil {
		return domain.CursorPage[Refund]{}, mapRepositoryError(err)
	}
	return page, nil
}

func (s *refundRequestService) ListUserRefunds(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[Refund], error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CursorPage[Refund]{}, fmt.Errorf("%w: user id is required", ErrRefundInvalidRequest)
	}
	page, err := s.refunds.List(ctx, repositories.RefundListFilter{CreatedBy: userID, Pagination: pager})
	if err != nil {
		return domain.CursorPage[Refund]{}, mapRepositoryError(err)
	}
	return page, nil
}

func (s *refundRequestService) RefundReasons(ctx context.Context) ([]RefundReason, error) {
	reasons, err := s.reasons.RefundReasons(ctx)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	return reasons, nil
}

func (s *refundRequestService) RejectionReasons(ctx context.Context) ([]RejectionReason, error) {
	reasons, err := s.reasons.RejectionReasons(ctx)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	return reasons, nil
}

// DeleteRefund removes a refund and its ledger. Only refund administrators may call it.
func (s *refundRequestService) DeleteRefund(ctx context.Context, reference string, actor Actor) error {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return fmt.Errorf("%w: refund reference is required", ErrRefundInvalidRequest)
	}
	if !hasRole(actor.Roles, auth.RoleRefundAdmin) {
		if s.audit != nil {
			s.audit.Record(ctx, AuditLogRecord{
				Actor:     actor.ID,
				Action:    AuditActionAccessForbidden,
				TargetRef: reference,
				Roles:     actor.Roles,
				Severity:  "warn",
				Metadata:  map[string]any{"operation": "delete"},
			})
		}
		return fmt.Errorf("%w: %s may not delete refunds", ErrRefundForbidden, actor.ID)
	}
	if err := s.refunds.Delete(ctx, reference); err != nil {
		return mapRepositoryError(err)
	}
	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     actor.ID,
			Action:    AuditActionRefundDeleted,
			TargetRef: reference,
			Roles:     actor.Roles,
		})
	}
	s.logger(ctx, "refund.deleted", map[string]any{"reference": reference, "actor": actor.ID})
	return nil
}

func (s *refundRequestService) loadPayment(ctx context.Context, paymentReference string) (payments.PaymentDetails, error) {
	payment, err := s.payments.GetPaymentAndFees(ctx, paymentReference)
	if err == nil {
		return payment, nil
	}
	switch {
	case errors.Is(err, payments.ErrPaymentNotFound):
		return payments.PaymentDetails{}, fmt.Errorf("%w: %s", ErrPaymentReferenceNotFound, paymentReference)
	case errors.Is(err, payments.ErrPaymentRejected):
		return payments.PaymentDetails{}, fmt.Errorf("%w: %v", ErrRefundInvalidRequest, err)
	default:
		return payments.PaymentDetails{}, classifyUpstreamError(err)
	}
}

func (s *refundRequestService) resolveReason(ctx context.Context, code string) (RefundReason, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return RefundReason{}, fmt.Errorf("%w: refund reason is required", ErrRefundInvalidRequest)
	}
	reason, err := s.reasons.FindRefundReason(ctx, code)
	if err != nil {
		if isNotFound(err) {
			return RefundReason{}, fmt.Errorf("%w: unknown refund reason %s", ErrRefundInvalidRequest, code)
		}
		return RefundReason{}, mapRepositoryError(err)
	}
	return reason, nil
}

func (s *refundRequestService) recordForbidden(ctx context.Context, target, service string, actor Actor) {
	s.logger(ctx, "refund.forbidden", map[string]any{
		"target":  target,
		"service": service,
		"actor":   actor.ID,
		"roles":   actor.Roles,
	})
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:     actor.ID,
		Action:    AuditActionAccessForbidden,
		TargetRef: target,
		Roles:     actor.Roles,
		Severity:  "warn",
		Metadata:  map[string]any{"service": service},
	})
}

func (s *refundRequestService) record(ctx context.Context, event string, status domain.RefundStatus) {
	if s.metrics != nil {
		s.metrics.RecordTransition(ctx, event, string(status))
	}
}

func (s *refundRequestService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

// validateRefundAmount checks amount against the payment's fees and returns
// the normalised fee lines. alreadyRefunded is the total held by other
// refunds of the same payment that were not rejected.
func validateRefundAmount(amount decimal.Decimal, fees []RefundFee, payment payments.PaymentDetails, alreadyRefunded decimal.Decimal) ([]RefundFee, error) {
	if !hasMoneyScale(amount) {
		return nil, fmt.Errorf("%w: amount %s has more than two decimal places", ErrRefundInvalidRequest, amount)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrRefundInvalidRequest)
	}
	if len(fees) == 0 {
		return nil, fmt.Errorf("%w: at least one fee is required", ErrRefundInvalidRequest)
	}

	available := payment.FeeTotal().Sub(alreadyRefunded).Round(moneyScale)
	if amount.Round(moneyScale).GreaterThan(available) {
		return nil, fmt.Errorf("%w: amount %s exceeds refundable amount %s", ErrRefundInvalidRequest,
			amount.StringFixed(moneyScale), available.StringFixed(moneyScale))
	}

	calculated := make(map[string]decimal.Decimal, len(payment.Fees))
	for _, fee := range payment.Fees {
		code := strings.ToUpper(strings.TrimSpace(fee.Code))
		calculated[code] = calculated[code].Add(fee.CalculatedAmount)
	}

	out := make([]RefundFee, 0, len(fees))
	requested := make(map[string]decimal.Decimal, len(fees))
	total := decimal.Zero
	for _, fee := range fees {
		code := strings.ToUpper(strings.TrimSpace(fee.Code))
		if code == "" {
			return nil, fmt.Errorf("%w: fee code is required", ErrRefundInvalidRequest)
		}
		limit, ok := calculated[code]
		if !ok {
			return nil, fmt.Errorf("%w: fee %s is not part of payment %s", ErrRefundInvalidRequest, code, payment.Reference)
		}
		if !hasMoneyScale(fee.RefundAmount) || fee.RefundAmount.IsNegative() {
			return nil, fmt.Errorf("%w: invalid refund amount for fee %s", ErrRefundInvalidRequest, code)
		}
		requested[code] = requested[code].Add(fee.RefundAmount)
		if requested[code].Round(moneyScale).GreaterThan(limit.Round(moneyScale)) {
			return nil, fmt.Errorf("%w: refund for fee %s exceeds its calculated amount %s", ErrRefundInvalidRequest,
				code, limit.StringFixed(moneyScale))
		}
		total = total.Add(fee.RefundAmount)

		line := fee
		line.Code = code
		line.Version = strings.TrimSpace(fee.Version)
		line.RefundAmount = fee.RefundAmount.Round(moneyScale)
		if line.Volume <= 0 {
			line.Volume = 1
		}
		out = append(out, line)
	}
	if !total.Round(moneyScale).Equal(amount.Round(moneyScale)) {
		return nil, fmt.Errorf("%w: fee amounts total %s but refund amount is %s", ErrRefundInvalidRequest,
			total.StringFixed(moneyScale), amount.StringFixed(moneyScale))
	}
	return out, nil
}

// refundedAmount sums refunds of a payment that still hold money, skipping exclude.
func refundedAmount(refunds []Refund, exclude string) decimal.Decimal {
	total := decimal.Zero
	for _, refund := range refunds {
		if refund.Reference == exclude || refund.RefundStatus == domain.StatusRejected {
			continue
		}
		total = total.Add(refund.Amount)
	}
	return total
}

func hasMoneyScale(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(moneyScale))
}

func normaliseContactDetails(contact ContactDetails) (ContactDetails, error) {
	channel, ok := domain.ParseNotificationType(string(contact.NotificationType))
	if !ok {
		return ContactDetails{}, fmt.Errorf("%w: notification type must be EMAIL or LETTER", ErrRefundInvalidRequest)
	}
	out := ContactDetails{
		NotificationType: channel,
		Language:         strings.TrimSpace(contact.Language),
	}
	switch channel {
	case domain.NotificationEmail:
		email := strings.TrimSpace(contact.Email)
		if email == "" || !strings.Contains(email, "@") {
			return ContactDetails{}, fmt.Errorf("%w: a valid email is required for EMAIL notifications", ErrRefundInvalidRequest)
		}
		out.Email = email
	case domain.NotificationLetter:
		out.AddressLine = textutil.SanitizeNote(contact.AddressLine)
		out.City = textutil.SanitizeNote(contact.City)
		out.County = textutil.SanitizeNote(contact.County)
		out.Country = textutil.SanitizeNote(contact.Country)
		out.PostalCode = strings.ToUpper(strings.TrimSpace(contact.PostalCode))
		if out.AddressLine == "" || out.PostalCode == "" {
			return ContactDetails{}, fmt.Errorf("%w: address line and postal code are required for LETTER notifications", ErrRefundInvalidRequest)
		}
	}
	return out, nil
}

func hasRole(roles []string, role string) bool {
	for _, candidate := range roles {
		if strings.EqualFold(strings.TrimSpace(candidate), role) {
			return true
		}
	}
	return false
}
