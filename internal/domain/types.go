package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// refundReferencePattern matches the business key of a refund.
var refundReferencePattern = regexp.MustCompile(`^RF-\d{4}-\d{4}-\d{4}-\d{4}$`)

// EmbeddedRefundReference finds a refund reference inside free text such as ledger notes.
var EmbeddedRefundReference = regexp.MustCompile(`RF-\d{4}-\d{4}-\d{4}-\d{4}`)

// ValidRefundReference reports whether ref has the RF-dddd-dddd-dddd-dddd shape.
func ValidRefundReference(ref string) bool {
	return refundReferencePattern.MatchString(strings.TrimSpace(ref))
}

// RefundInstructionType drives notification template selection.
type RefundInstructionType string

const (
	RefundWhenContacted RefundInstructionType = "RefundWhenContacted"
	SendRefund          RefundInstructionType = "SendRefund"
)

// ParseRefundInstructionType matches case-insensitively and fails on unknown values.
func ParseRefundInstructionType(value string) (RefundInstructionType, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "refundwhencontacted":
		return RefundWhenContacted, true
	case "sendrefund":
		return SendRefund, true
	default:
		return "", false
	}
}

// NotificationType is the channel used to reach the applicant.
type NotificationType string

const (
	NotificationEmail  NotificationType = "EMAIL"
	NotificationLetter NotificationType = "LETTER"
)

// ParseNotificationType fails on anything other than EMAIL or LETTER.
func ParseNotificationType(value string) (NotificationType, bool) {
	switch NotificationType(strings.ToUpper(strings.TrimSpace(value))) {
	case NotificationEmail:
		return NotificationEmail, true
	case NotificationLetter:
		return NotificationLetter, true
	default:
		return "", false
	}
}

// ContactDetails captures how the applicant is told about the refund outcome.
type ContactDetails struct {
	NotificationType NotificationType
	Email            string
	AddressLine      string
	City             string
	County           string
	Country          string
	PostalCode       string
	// Language is a BCP47 tag; empty means English.
	Language string
}

// RefundFee allocates part of a refund to one fee line of the payment.
type RefundFee struct {
	FeeID        string
	Code         string
	Version      string
	Volume       int
	RefundAmount decimal.Decimal
}

// Refund is the aggregate root of the refund lifecycle.
type Refund struct {
	ID                    string
	Reference             string
	PaymentReference      string
	CcdCaseNumber         string
	ServiceType           string
	Amount                decimal.Decimal
	Reason                string
	RefundStatus          RefundStatus
	RefundInstructionType RefundInstructionType
	ContactDetails        ContactDetails
	RejectionCode         string
	CreatedBy             string
	UpdatedBy             string
	DateCreated           time.Time
	DateUpdated           time.Time
	// Version increments on every persisted mutation and backs optimistic concurrency.
	Version int64
	Fees    []RefundFee
}

// FeeTotal sums the refund amounts of all fee lines.
func (r Refund) FeeTotal() decimal.Decimal {
	total := decimal.Zero
	for _, fee := range r.Fees {
		total = total.Add(fee.RefundAmount)
	}
	return total
}

// StatusHistory is one append-only ledger row.
type StatusHistory struct {
	ID              string
	RefundReference string
	Status          RefundStatus
	Notes           string
	CreatedBy       string
	DateCreated     time.Time
}

// RefundReason is reference data describing why a refund was raised.
type RefundReason struct {
	Code        string
	Name        string
	Description string
}

// RejectionReason is reference data describing why a refund was rejected.
type RejectionReason struct {
	Code        string
	Name        string
	Description string
}

// RejectionCodeOther requires a free-text reason from the reviewer.
const RejectionCodeOther = "RE005"

// RejectionCodePaymentCancelled is recorded when the upstream payment is cancelled.
const RejectionCodePaymentCancelled = "RE007"

// DefaultRejectionReasons seeds the rejection reason table on first boot.
func DefaultRejectionReasons() []RejectionReason {
	return []RejectionReason{
		{Code: "RE001", Name: "Application not refundable", Description: "The application is not eligible for a refund"},
		{Code: "RE002", Name: "Amount is incorrect", Description: "The requested amount does not match the fee"},
		{Code: "RE003", Name: "Duplicate refund", Description: "A refund has already been raised for this payment"},
		{Code: "RE004", Name: "Refund already issued", Description: "The applicant has already been refunded"},
		{Code: RejectionCodeOther, Name: "Other", Description: "Reason supplied by the reviewer"},
		{Code: "RE006", Name: "Fee not paid", Description: "The fee was never collected"},
		{Code: RejectionCodePaymentCancelled, Name: "Payment cancelled", Description: "The underlying payment was cancelled"},
	}
}

// DefaultRefundReasons seeds the refund reason table on first boot.
func DefaultRefundReasons() []RefundReason {
	return []RefundReason{
		{Code: "RR001", Name: "Amended claim", Description: "The claim was amended after payment"},
		{Code: "RR002", Name: "Amended court", Description: "The case moved to a different court"},
		{Code: "RR003", Name: "Application rejected", Description: "The application was rejected by the court"},
		{Code: "RR004", Name: "Application/Claim withdrawn", Description: "The applicant withdrew"},
		{Code: "RR005", Name: "Court discretion", Description: "The court exercised its discretion"},
		{Code: "RR006", Name: "Duplicate payment", Description: "The fee was paid twice"},
		{Code: "RR007", Name: "Fee not due", Description: "No fee was payable"},
		{Code: "RR008", Name: "Help with Fees", Description: "Help with Fees granted after payment"},
		{Code: "RR009", Name: "Overpayment", Description: "More than the fee was paid"},
		{Code: "RR010", Name: "Retrospective remission", Description: "Remission applied after payment"},
	}
}
