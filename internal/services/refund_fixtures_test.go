package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/shopspring/decimal"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/payments"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories"
)

type testRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *testRepoError) Error() string      { return e.msg }
func (e *testRepoError) IsNotFound() bool    { return e.notFound }
func (e *testRepoError) IsConflict() bool    { return e.conflict }
func (e *testRepoError) IsUnavailable() bool { return e.unavailable }

var _ repositories.RepositoryError = (*testRepoError)(nil)

func notFoundErr(what string) error { return &testRepoError{msg: what + " not found", notFound: true} }
func conflictErr(what string) error { return &testRepoError{msg: what + " conflict", conflict: true} }

type memRefundRepo struct {
	mu      sync.Mutex
	refunds map[string]domain.Refund
	deleted []string

	updateFn func(ctx context.Context, refund domain.Refund, expectedVersion int64) error
}

func newMemRefundRepo(refunds ...domain.Refund) *memRefundRepo {
	repo := &memRefundRepo{refunds: make(map[string]domain.Refund)}
	for _, refund := range refunds {
		repo.refunds[refund.Reference] = refund
	}
	return repo
}

func (m *memRefundRepo) Insert(_ context.Context, refund domain.Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refunds[refund.Reference]; ok {
		return conflictErr(refund.Reference)
	}
	m.refunds[refund.Reference] = refund
	return nil
}

func (m *memRefundRepo) Update(ctx context.Context, refund domain.Refund, expectedVersion int64) error {
	if m.updateFn != nil {
		if err := m.updateFn(ctx, refund, expectedVersion); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.refunds[refund.Reference]
	if !ok {
		return notFoundErr(refund.Reference)
	}
	if current.Version != expectedVersion {
		return conflictErr(refund.Reference)
	}
	m.refunds[refund.Reference] = refund
	return nil
}

func (m *memRefundRepo) FindByReference(_ context.Context, reference string) (domain.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refund, ok := m.refunds[reference]
	if !ok {
		return domain.Refund{}, notFoundErr(reference)
	}
	return refund, nil
}

func (m *memRefundRepo) FindByPaymentReference(_ context.Context, paymentReference string) ([]domain.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Refund
	for _, refund := range m.refunds {
		if refund.PaymentReference == paymentReference {
			out = append(out, refund)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out, nil
}

func (m *memRefundRepo) ExistsByReference(_ context.Context, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.refunds[reference]
	return ok, nil
}

func (m *memRefundRepo) List(_ context.Context, filter repositories.RefundListFilter) (domain.CursorPage[domain.Refund], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	services := make(map[string]struct{}, len(filter.Services))
	for _, service := range filter.Services {
		services[service] = struct{}{}
	}
	var items []domain.Refund
	for _, refund := range m.refunds {
		if len(services) > 0 {
			if _, ok := services[refund.ServiceType]; !ok {
				continue
			}
		}
		if filter.CreatedBy != "" && refund.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.Status != nil && refund.RefundStatus != *filter.Status {
			continue
		}
		items = append(items, refund)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Reference > items[j].Reference })
	return domain.CursorPage[domain.Refund]{Items: items}, nil
}

func (m *memRefundRepo) Delete(_ context.Context, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refunds[reference]; !ok {
		return notFoundErr(reference)
	}
	delete(m.refunds, reference)
	m.deleted = append(m.deleted, reference)
	return nil
}

func (m *memRefundRepo) get(t *testing.T, reference string) domain.Refund {
	t.Helper()
	refund, err := m.FindByReference(context.Background(), reference)
	if err != nil {
		t.Fatalf("refund %s: %v", reference, err)
	}
	return refund
}

type memHistoryRepo struct {
	mu      sync.Mutex
	entries map[string][]domain.StatusHistory
	listErr error
}

func newMemHistoryRepo() *memHistoryRepo {
	return &memHistoryRepo{entries: make(map[string][]domain.StatusHistory)}
}

func (m *memHistoryRepo) Append(_ context.Context, entry domain.StatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.RefundReference] = append(m.entries[entry.RefundReference], entry)
	return nil
}

// ListByRefund returns entries newest first, mirroring insertion order reversed.
func (m *memHistoryRepo) ListByRefund(_ context.Context, reference string) ([]domain.StatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	src := m.entries[reference]
	out := make([]domain.StatusHistory, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
	}
	return out, nil
}

func (m *memHistoryRepo) latest(t *testing.T, reference string) domain.StatusHistory {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.entries[reference]
	if len(entries) == 0 {
		t.Fatalf("no ledger rows for %s", reference)
	}
	return entries[len(entries)-1]
}

type memReferenceData struct{}

func (memReferenceData) RefundReasons(context.Context) ([]domain.RefundReason, error) {
	return domain.DefaultRefundReasons(), nil
}

func (memReferenceData) RejectionReasons(context.Context) ([]domain.RejectionReason, error) {
	return domain.DefaultRejectionReasons(), nil
}

func (memReferenceData) FindRefundReason(_ context.Context, code string) (domain.RefundReason, error) {
	for _, reason := range domain.DefaultRefundReasons() {
		if reason.Code == strings.ToUpper(code) {
			return reason, nil
		}
	}
	return domain.RefundReason{}, notFoundErr(code)
}

func (memReferenceData) FindRejectionReason(_ context.Context, code string) (domain.RejectionReason, error) {
	for _, reason := range domain.DefaultRejectionReasons() {
		if reason.Code == strings.ToUpper(code) {
			return reason, nil
		}
	}
	return domain.RejectionReason{}, notFoundErr(code)
}

func (memReferenceData) SeedIfEmpty(context.Context, []domain.RefundReason, []domain.RejectionReason) error {
	return nil
}

type recordingUnitOfWork struct {
	calls  int
	before func()
}

func (u *recordingUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	u.calls++
	if u.before != nil {
		u.before()
	}
	return fn(ctx)
}

type stubPayments struct {
	mu        sync.Mutex
	getFn     func(ctx context.Context, ref string) (payments.PaymentDetails, error)
	cancelFn  func(ctx context.Context, ref string) error
	cancelled []string
}

func (s *stubPayments) GetPaymentAndFees(ctx context.Context, ref string) (payments.PaymentDetails, error) {
	if s.getFn == nil {
		return payments.PaymentDetails{}, payments.ErrPaymentNotFound
	}
	return s.getFn(ctx, ref)
}

func (s *stubPayments) CancelPayment(ctx context.Context, ref string) error {
	s.mu.Lock()
	s.cancelled = append(s.cancelled, ref)
	s.mu.Unlock()
	if s.cancelFn == nil {
		return nil
	}
	return s.cancelFn(ctx, ref)
}

type stubMiddleOffice struct {
	mu        sync.Mutex
	publishFn func(ctx context.Context, msg MiddleOfficeMessage) error
	messages  []MiddleOfficeMessage
}

func (s *stubMiddleOffice) PublishRefund(ctx context.Context, msg MiddleOfficeMessage) error {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	if s.publishFn != nil {
		return s.publishFn(ctx, msg)
	}
	return nil
}

type stubNotificationPublisher struct {
	publishFn func(ctx context.Context, msg NotificationMessage) error
	messages  []NotificationMessage
}

func (s *stubNotificationPublisher) PublishNotification(ctx context.Context, msg NotificationMessage) error {
	s.messages = append(s.messages, msg)
	if s.publishFn != nil {
		return s.publishFn(ctx, msg)
	}
	return nil
}

type recordingAudit struct {
	records []AuditLogRecord
}

func (r *recordingAudit) Record(_ context.Context, record AuditLogRecord) {
	r.records = append(r.records, record)
}

func (r *recordingAudit) List(context.Context, AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	return domain.CursorPage[domain.AuditLogEntry]{}, nil
}

type recordingMetrics struct {
	transitions []string
	sideEffects []string
}

func (r *recordingMetrics) RecordTransition(_ context.Context, event, status string) {
	r.transitions = append(r.transitions, event+":"+status)
}

func (r *recordingMetrics) RecordSideEffect(_ context.Context, kind, outcome string) {
	r.sideEffects = append(r.sideEffects, kind+":"+outcome)
}

type stubUsers map[string]string

func (s stubUsers) DisplayName(_ context.Context, uid string) string {
	if name, ok := s[uid]; ok {
		return name
	}
	return uid
}

var fixedNow = time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC)

func money(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func approver(service string) Actor {
	return Actor{ID: "approver-1", Roles: []string{"payments-refund-approver-" + service, "payments-refund-" + service}}
}

func caseworker(service string) Actor {
	return Actor{ID: "caseworker-1", Roles: []string{"payments-refund-" + service}}
}

func sampleRefund(reference string, status domain.RefundStatus) domain.Refund {
	return domain.Refund{
		ID:                    "id-" + reference,
		Reference:             reference,
		PaymentReference:      "RC-1111-2222-3333-4444",
		CcdCaseNumber:         "1234567890123456",
		ServiceType:           "probate",
		Amount:                money("100.00"),
		Reason:                "RR001",
		RefundStatus:          status,
		RefundInstructionType: domain.SendRefund,
		ContactDetails: domain.ContactDetails{
			NotificationType: domain.NotificationEmail,
			Email:            "applicant@example.com",
		},
		CreatedBy:   "caseworker-1",
		DateCreated: fixedNow.Add(-time.Hour),
		DateUpdated: fixedNow.Add(-time.Hour),
		Version:     3,
		Fees:        []domain.RefundFee{{Code: "FEE0001", Version: "1", Volume: 1, RefundAmount: money("100.00")}},
	}
}

func samplePayment() payments.PaymentDetails {
	return payments.PaymentDetails{
		Reference:     "RC-1111-2222-3333-4444",
		CcdCaseNumber: "1234567890123456",
		ServiceType:   "probate",
		Status:        domain.PaymentSuccess,
		Amount:        money("150.00"),
		Fees: []payments.Fee{
			{Code: "FEE0001", Version: "1", Volume: 1, CalculatedAmount: money("100.00")},
			{Code: "FEE0002", Version: "2", Volume: 1, CalculatedAmount: money("50.00")},
		},
	}
}

// sequenceReferences hands out the given references in order.
func sequenceReferences(refs ...string) ReferenceGenerator {
	var i int
	return func() (string, error) {
		if i >= len(refs) {
			return "", fmt.Errorf("reference sequence exhausted")
		}
		ref := refs[i]
		i++
		return ref, nil
	}
}

type refundHarness struct {
	refunds      *memRefundRepo
	ledger       *memHistoryRepo
	history      StatusHistoryService
	uow          *recordingUnitOfWork
	payments     *stubPayments
	middleOffice *stubMiddleOffice
	audit        *recordingAudit
	metrics      *recordingMetrics
	logger       *captureLogger
}

func newRefundHarness(t *testing.T, refunds ...domain.Refund) *refundHarness {
	t.Helper()
	h := &refundHarness{
		refunds:      newMemRefundRepo(refunds...),
		ledger:       newMemHistoryRepo(),
		uow:          &recordingUnitOfWork{},
		payments:     &stubPayments{},
		middleOffice: &stubMiddleOffice{},
		audit:        &recordingAudit{},
		metrics:      &recordingMetrics{},
		logger:       &captureLogger{},
	}
	history, err := NewStatusHistoryService(StatusHistoryServiceDeps{
		History: h.ledger,
		Refunds: h.refunds,
		Users:   stubUsers{"caseworker-1": "Case Worker"},
		Clock:   func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new status history service: %v", err)
	}
	h.history = history
	return h
}

func (h *refundHarness) reviewService(t *testing.T, refs ...string) *refundReviewService {
	t.Helper()
	svc, err := NewRefundReviewService(RefundReviewServiceDeps{
		Refunds:            h.refunds,
		ReferenceData:      memReferenceData{},
		UnitOfWork:         h.uow,
		History:            h.history,
		Payments:           h.payments,
		MiddleOffice:       h.middleOffice,
		Audit:              h.audit,
		Metrics:            h.metrics,
		Logger:             h.logger.log,
		Clock:              func() time.Time { return fixedNow },
		ReferenceGenerator: sequenceReferences(refs...),
		SideEffectTimeout:  time.Second,
		SideEffectRetries:  1,
	})
	if err != nil {
		t.Fatalf("new review service: %v", err)
	}
	impl := svc.(*refundReviewService)
	impl.effects.backoff = instantBackoff
	return impl
}

func (h *refundHarness) requestService(t *testing.T, refs ...string) RefundRequestService {
	t.Helper()
	svc, err := NewRefundRequestService(RefundRequestServiceDeps{
		Refunds:            h.refunds,
		ReferenceData:      memReferenceData{},
		UnitOfWork:         h.uow,
		History:            h.history,
		Payments:           h.payments,
		Audit:              h.audit,
		Metrics:            h.metrics,
		Logger:             h.logger.log,
		Clock:              func() time.Time { return fixedNow },
		IDGenerator:        func() string { return "refund-id" },
		ReferenceGenerator: sequenceReferences(refs...),
	})
	if err != nil {
		t.Fatalf("new request service: %v", err)
	}
	return svc
}

func instantBackoff() gax.Backoff {
	return gax.Backoff{Initial: time.Nanosecond, Max: time.Nanosecond}
}
