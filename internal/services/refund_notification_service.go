package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories"
)

// ErrNotificationTemplateMissing indicates no template is configured for a combination.
var ErrNotificationTemplateMissing = errors.New("notification: template not configured")

var (
	notificationLanguages = []language.Tag{language.English, language.MustParse("cy")}
	notificationMatcher   = language.NewMatcher(notificationLanguages)
)

// Personalisation keys understood by the notification templates.
const (
	personalisationRefundReference   = "refundReference"
	personalisationOriginalReference = "originalRefundReference"
	personalisationCcdCaseNumber     = "ccdCaseNumber"
	personalisationRefundAmount      = "refundAmount"
	personalisationRefundReason      = "refundReason"
	personalisationRejectionReason   = "rejectionReason"
)

// TemplateKey builds the configuration key for a template, e.g. "sendrefund-email-standard-en".
func TemplateKey(instruction domain.RefundInstructionType, channel domain.NotificationType, rejectionWithOtherReason bool, lang string) string {
	variant := "standard"
	if rejectionWithOtherReason {
		variant = "other"
	}
	return strings.ToLower(fmt.Sprintf("%s-%s-%s-%s", instruction, channel, variant, lang))
}

// DefaultNotificationTemplates maps every key to itself so the notification
// service can resolve templates by alias when none are configured.
func DefaultNotificationTemplates() map[string]string {
	out := make(map[string]string, 16)
	for _, instruction := range []domain.RefundInstructionType{domain.RefundWhenContacted, domain.SendRefund} {
		for _, channel := range []domain.NotificationType{domain.NotificationEmail, domain.NotificationLetter} {
			for _, other := range []bool{false, true} {
				for _, lang := range []string{"en", "cy"} {
					key := TemplateKey(instruction, channel, other, lang)
					out[key] = key
				}
			}
		}
	}
	return out
}

// RefundNotificationServiceDeps bundles collaborators required to construct a RefundNotificationService.
type RefundNotificationServiceDeps struct {
	Refunds           repositories.RefundRepository
	ReferenceData     repositories.ReferenceDataRepository
	History           StatusHistoryService
	Publisher         NotificationPublisher
	Templates         map[string]string
	Metrics           RefundMetrics
	Logger            Logger
	Clock             func() time.Time
	IDGenerator       func() string
	SideEffectTimeout time.Duration
	SideEffectRetries int
}

type refundNotificationService struct {
	refunds   repositories.RefundRepository
	reasons   repositories.ReferenceDataRepository
	history   StatusHistoryService
	publisher NotificationPublisher
	templates map[string]string
	logger    Logger
	clock     func() time.Time
	newID     func() string
	effects   sideEffectRunner
}

var _ RefundNotificationService = (*refundNotificationService)(nil)

// NewRefundNotificationService constructs the notification service.
func NewRefundNotificationService(deps RefundNotificationServiceDeps) (RefundNotificationService, error) {
	if deps.Refunds == nil {
		return nil, errors.New("notification service: refund repository is required")
	}
	if deps.History == nil {
		return nil, errors.New("notification service: status history service is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("notification service: publisher is required")
	}

	templates := DefaultNotificationTemplates()
	for key, value := range deps.Templates {
		key = strings.ToLower(strings.TrimSpace(key))
		if key != "" && strings.TrimSpace(value) != "" {
			templates[key] = strings.TrimSpace(value)
		}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = uuid.NewString
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &refundNotificationService{
		refunds:   deps.Refunds,
		reasons:   deps.ReferenceData,
		history:   deps.History,
		publisher: deps.Publisher,
		templates: templates,
		logger:    logger,
		clock:     func() time.Time { return clock().UTC() },
		newID:     idGen,
		effects:   newSideEffectRunner(deps.SideEffectTimeout, deps.SideEffectRetries, logger, deps.Metrics),
	}, nil
}

// TemplateFor picks the template for the combination. Unsupported languages
// fall back to English; a missing Welsh template also falls back to English.
func (s *refundNotificationService) TemplateFor(instruction domain.RefundInstructionType, channel domain.NotificationType, rejectionWithOtherReason bool, lang string) (string, error) {
	if _, ok := domain.ParseRefundInstructionType(string(instruction)); !ok {
		return "", fmt.Errorf("%w: unknown refund instruction type %q", ErrRefundInvalidRequest, instruction)
	}
	if _, ok := domain.ParseNotificationType(string(channel)); !ok {
		return "", fmt.Errorf("%w: unknown notification type %q", ErrRefundInvalidRequest, channel)
	}
	base := NotificationLanguage(lang)
	if id, ok := s.templates[TemplateKey(instruction, channel, rejectionWithOtherReason, base)]; ok {
		return id, nil
	}
	if base != "en" {
		if id, ok := s.templates[TemplateKey(instruction, channel, rejectionWithOtherReason, "en")]; ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotificationTemplateMissing, TemplateKey(instruction, channel, rejectionWithOtherReason, base))
}

func (s *refundNotificationService) ResendNotification(ctx context.Context, cmd ResendNotificationCommand) (NotificationMessage, error) {
	refund, err := s.refunds.FindByReference(ctx, strings.TrimSpace(cmd.Reference))
	if err != nil {
		return NotificationMessage{}, mapRepositoryError(err)
	}
	if !cmd.Actor.RefundRoles().CanAccessService(refund.ServiceType) {
		return NotificationMessage{}, fmt.Errorf("%w: no role for service %s", ErrRefundForbidden, refund.ServiceType)
	}

	contact := refund.ContactDetails
	channel := contact.NotificationType
	if cmd.Channel != "" {
		channel = cmd.Channel
	}
	recipient, err := notificationRecipient(channel, contact)
	if err != nil {
		return NotificationMessage{}, err
	}
	instruction := refund.RefundInstructionType
	if instruction == "" {
		instruction = domain.RefundWhenContacted
	}

	rejected := refund.RefundStatus == domain.StatusRejected
	otherReason := rejected && refund.RejectionCode == domain.RejectionCodeOther
	lang := NotificationLanguage(contact.Language)
	templateID, err := s.TemplateFor(instruction, channel, otherReason, lang)
	if err != nil {
		return NotificationMessage{}, err
	}
	personalisation, err := s.personalisation(ctx, refund, rejected)
	if err != nil {
		return NotificationMessage{}, err
	}

	msg := NotificationMessage{
		ID:              s.newID(),
		TemplateID:      templateID,
		Channel:         string(channel),
		Recipient:       recipient,
		Reference:       refund.Reference,
		Personalisation: personalisation,
		Language:        lang,
		RequestedAt:     s.clock(),
	}
	if err := s.effects.run(ctx, SideEffectNotification, refund, func(ctx context.Context) error {
		return s.publisher.PublishNotification(ctx, msg)
	}); err != nil {
		return msg, err
	}
	s.logger(ctx, "refund.notification_sent", map[string]any{
		"reference":  refund.Reference,
		"channel":    msg.Channel,
		"templateId": templateID,
		"messageId":  msg.ID,
		"actor":      cmd.Actor.ID,
	})
	return msg, nil
}

func (s *refundNotificationService) personalisation(ctx context.Context, refund Refund, rejected bool) (map[string]string, error) {
	original, ok, err := s.history.OriginalRefundReference(ctx, refund)
	if err != nil {
		return nil, err
	}
	if !ok {
		original = refund.Reference
	}
	out := map[string]string{
		personalisationRefundReference:   refund.Reference,
		personalisationOriginalReference: original,
		personalisationCcdCaseNumber:     refund.CcdCaseNumber,
		personalisationRefundAmount:      refund.Amount.StringFixed(moneyScale),
		personalisationRefundReason:      s.reasonName(ctx, refund.Reason),
	}
	if rejected {
		note, found, err := s.history.OriginalNoteForRejected(ctx, refund)
		if err != nil {
			return nil, err
		}
		if found {
			out[personalisationRejectionReason] = note
		}
	}
	return out, nil
}

func (s *refundNotificationService) reasonName(ctx context.Context, code string) string {
	if s.reasons == nil || strings.TrimSpace(code) == "" {
		return code
	}
	reason, err := s.reasons.FindRefundReason(ctx, code)
	if err != nil {
		return code
	}
	return reason.Name
}

// NotificationLanguage negotiates a BCP47 tag down to "en" or "cy".
func NotificationLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return "en"
	}
	tag, _ := language.MatchStrings(notificationMatcher, lang)
	base, _ := tag.Base()
	if base.String() == "cy" {
		return "cy"
	}
	return "en"
}

func notificationRecipient(channel domain.NotificationType, contact ContactDetails) (NotificationParty, error) {
	switch channel {
	case domain.NotificationEmail:
		if strings.TrimSpace(contact.Email) == "" {
			return NotificationParty{}, fmt.Errorf("%w: refund has no email address", ErrRefundInvalidRequest)
		}
		return NotificationParty{Email: contact.Email}, nil
	case domain.NotificationLetter:
		if strings.TrimSpace(contact.AddressLine) == "" || strings.TrimSpace(contact.PostalCode) == "" {
			return NotificationParty{}, fmt.Errorf("%w: refund has no postal address", ErrRefundInvalidRequest)
		}
		return NotificationParty{
			AddressLine: contact.AddressLine,
			City:        contact.City,
			County:      contact.County,
			Country:     contact.Country,
			PostalCode:  contact.PostalCode,
		}, nil
	default:
		return NotificationParty{}, fmt.Errorf("%w: notification type must be EMAIL or LETTER", ErrRefundInvalidRequest)
	}
}
