package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
)

func newNotificationService(t *testing.T, h *refundHarness, publisher *stubNotificationPublisher, templates map[string]string) *refundNotificationService {
	t.Helper()
	svc, err := NewRefundNotificationService(RefundNotificationServiceDeps{
		Refunds:           h.refunds,
		ReferenceData:     memReferenceData{},
		History:           h.history,
		Publisher:         publisher,
		Templates:         templates,
		Metrics:           h.metrics,
		Logger:            h.logger.log,
		Clock:             func() time.Time { return fixedNow },
		IDGenerator:       func() string { return "msg-1" },
		SideEffectTimeout: time.Second,
		SideEffectRetries: 1,
	})
	if err != nil {
		t.Fatalf("new notification service: %v", err)
	}
	impl := svc.(*refundNotificationService)
	impl.effects.backoff = instantBackoff
	return impl
}

func TestTemplateKey(t *testing.T) {
	cases := []struct {
		instruction domain.RefundInstructionType
		channel     domain.NotificationType
		other       bool
		lang        string
		want        string
	}{
		{domain.SendRefund, domain.NotificationEmail, false, "en", "sendrefund-email-standard-en"},
		{domain.SendRefund, domain.NotificationLetter, true, "en", "sendrefund-letter-other-en"},
		{domain.RefundWhenContacted, domain.NotificationEmail, true, "cy", "refundwhencontacted-email-other-cy"},
		{domain.RefundWhenContacted, domain.NotificationLetter, false, "cy", "refundwhencontacted-letter-standard-cy"},
	}
	for _, tc := range cases {
		if got := TemplateKey(tc.instruction, tc.channel, tc.other, tc.lang); got != tc.want {
			t.Fatalf("TemplateKey(%s,%s,%v,%s)=%s want %s", tc.instruction, tc.channel, tc.other, tc.lang, got, tc.want)
		}
	}
	if got := len(DefaultNotificationTemplates()); got != 16 {
		t.Fatalf("expected 16 default templates, got %d", got)
	}
}

func TestNotificationLanguage(t *testing.T) {
	cases := map[string]string{
		"":      "en",
		"en-GB": "en",
		"cy":    "cy",
		"cy-GB": "cy",
		"fr":    "en",
		"xx-?":  "en",
	}
	for input, want := range cases {
		if got := NotificationLanguage(input); got != want {
			t.Fatalf("NotificationLanguage(%q)=%s want %s", input, got, want)
		}
	}
}

func TestRefundNotificationServiceTemplateFor(t *testing.T) {
	h := newRefundHarness(t)
	templates := map[string]string{
		"SendRefund-EMAIL-standard-en": "tmpl-send-email-en",
		"sendrefund-email-standard-cy": "tmpl-send-email-cy",
	}
	svc := newNotificationService(t, h, &stubNotificationPublisher{}, templates)

	got, err := svc.TemplateFor(domain.SendRefund, domain.NotificationEmail, false, "cy-GB")
	if err != nil || got != "tmpl-send-email-cy" {
		t.Fatalf("expected welsh template, got %q err=%v", got, err)
	}
	got, err = svc.TemplateFor(domain.SendRefund, domain.NotificationEmail, false, "de")
	if err != nil || got != "tmpl-send-email-en" {
		t.Fatalf("expected english fallback, got %q err=%v", got, err)
	}
	got, err = svc.TemplateFor(domain.SendRefund, domain.NotificationLetter, true, "en")
	if err != nil || got != "sendrefund-letter-other-en" {
		t.Fatalf("expected default alias template, got %q err=%v", got, err)
	}
	if _, err := svc.TemplateFor("Cheque", domain.NotificationEmail, false, "en"); !errors.Is(err, ErrRefundInvalidRequest) {
		t.Fatalf("expected ErrRefundInvalidRequest for unknown instruction, got %v", err)
	}
	if _, err := svc.TemplateFor(domain.SendRefund, "SMS", false, "en"); !errors.Is(err, ErrRefundInvalidRequest) {
		t.Fatalf("expected ErrRefundInvalidRequest for unknown channel, got %v", err)
	}
}

func TestRefundNotificationServiceTemplateMissing(t *testing.T) {
	h := newRefundHarness(t)
	svc := newNotificationService(t, h, &stubNotificationPublisher{}, nil)
	delete(svc.templates, "sendrefund-email-standard-cy")
	delete(svc.templates, "sendrefund-email-standard-en")

	if _, err := svc.TemplateFor(domain.SendRefund, domain.NotificationEmail, false, "cy"); !errors.Is(err, ErrNotificationTemplateMissing) {
		t.Fatalf("expected ErrNotificationTemplateMissing, got %v", err)
	}
}

func TestRefundNotificationServiceResendRejectedWithOtherReason(t *testing.T) {
	refund := sampleRefund(refRef, domain.StatusRejected)
	refund.RejectionCode = domain.RejectionCodeOther
	refund.ContactDetails.Language = "cy"
	h := newRefundHarness(t, refund)
	if _, err := h.history.Append(context.Background(), refund, domain.StatusRejected, "Amount is incorrect", "approver-1"); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	publisher := &stubNotificationPublisher{}
	svc := newNotificationService(t, h, publisher, nil)

	msg, err := svc.ResendNotification(context.Background(), ResendNotificationCommand{Reference: refRef, Actor: caseworker("probate")})
	if err != nil {
		t.Fatalf("resend notification: %v", err)
	}
	if msg.TemplateID != "sendrefund-email-other-cy" || msg.Language != "cy" || msg.ID != "msg-1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Recipient.Email != "applicant@example.com" || msg.Channel != "EMAIL" {
		t.Fatalf("unexpected recipient %+v", msg.Recipient)
	}
	p := msg.Personalisation
	if p["refundReference"] != refRef || p["originalRefundReference"] != refRef || p["refundAmount"] != "100.00" {
		t.Fatalf("unexpected personalisation %+v", p)
	}
	if p["refundReason"] != "Amended claim" || p["rejectionReason"] != "Amount is incorrect" {
		t.Fatalf("unexpected reasons %+v", p)
	}
	if len(publisher.messages) != 1 {
		t.Fatalf("expected one published notification, got %d", len(publisher.messages))
	}
	if !h.logger.has("refund.notification_sent") {
		t.Fatalf("expected notification log event")
	}
}

func TestRefundNotificationServiceResendRejectedWithListedReason(t *testing.T) {
	h := newRefundHarness(t, sampleRefund(refRef, domain.StatusSentForApproval))
	publisher := &stubNotificationPublisher{}
	svc := newNotificationService(t, h, publisher, nil)
	review := h.reviewService(t)

	if _, err := review.ReviewRefund(context.Background(), ReviewRefundCommand{
		Reference: refRef, Action: "REJECT", Code: "RE002", Actor: approver("probate"),
	}); err != nil {
		t.Fatalf("reject refund: %v", err)
	}

	msg, err := svc.ResendNotification(context.Background(), ResendNotificationCommand{Reference: refRef, Actor: caseworker("probate")})
	if err != nil {
		t.Fatalf("resend notification: %v", err)
	}
	if msg.TemplateID != "sendrefund-email-standard-en" {
		t.Fatalf("expected standard template for a listed rejection code, got %s", msg.TemplateID)
	}
	if msg.Personalisation["rejectionReason"] != "Amount is incorrect" {
		t.Fatalf("expected ledger rejection note, got %+v", msg.Personalisation)
	}
}

func TestRefundNotificationServiceResendChannelOverride(t *testing.T) {
	h := newRefundHarness(t, sampleRefund(refRef, domain.StatusAccepted))
	svc := newNotificationService(t, h, &stubNotificationPublisher{}, nil)

	_, err := svc.ResendNotification(context.Background(), ResendNotificationCommand{
		Reference: refRef, Channel: domain.NotificationLetter, Actor: caseworker("probate"),
	})
	if !errors.Is(err, ErrRefundInvalidRequest) {
		t.Fatalf("expected missing address to be rejected, got %v", err)
	}
	if _, err := svc.ResendNotification(context.Background(), ResendNotificationCommand{Reference: refRef, Actor: caseworker("divorce")}); !errors.Is(err, ErrRefundForbidden) {
		t.Fatalf("expected ErrRefundForbidden, got %v", err)
	}
}

func TestRefundNotificationServicePublishFailure(t *testing.T) {
	h := newRefundHarness(t, sampleRefund(refRef, domain.StatusAccepted))
	publisher := &stubNotificationPublisher{
		publishFn: func(context.Context, NotificationMessage) error { return context.DeadlineExceeded },
	}
	svc := newNotificationService(t, h, publisher, nil)

	_, err := svc.ResendNotification(context.Background(), ResendNotificationCommand{Reference: refRef, Actor: caseworker("probate")})
	var sideErr *SideEffectError
	if !errors.As(err, &sideErr) || sideErr.Kind != SideEffectNotification {
		t.Fatalf("expected notification SideEffectError, got %v", err)
	}
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", err)
	}
	if len(publisher.messages) != 2 {
		t.Fatalf("expected one retry, got %d attempts", len(publisher.messages))
	}
}
