package handlers

import (
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/hmcts/ccpay-refunds-app-sub001/internal/domain"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/services"
)

const moneyScale = 2

type refundFeeRequest struct {
	FeeID        string          `json:"fee_id"`
	Code         string          `json:"code"`
	Version      string          `json:"version"`
	Volume       int             `json:"volume"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
}

type contactDetailsRequest struct {
	NotificationType string `json:"notification_type"`
	Email            string `json:"email"`
	AddressLine      string `json:"address_line"`
	City             string `json:"city"`
	County           string `json:"county"`
	Country          string `json:"country"`
	PostalCode       string `json:"postal_code"`
	Language         string `json:"language"`
}

type createRefundRequest struct {
	PaymentReference      string                 `json:"payment_reference"`
	RefundReason          string                 `json:"refund_reason"`
	TotalRefundAmount     decimal.Decimal        `json:"total_refund_amount"`
	Fees                  []refundFeeRequest     `json:"fees"`
	RefundInstructionType string                 `json:"refund_instruction_type"`
	ContactDetails        *contactDetailsRequest `json:"contact_details"`
}

type resubmitRefundRequest struct {
	RefundReason   string                 `json:"refund_reason"`
	Amount         decimal.Decimal        `json:"amount"`
	Fees           []refundFeeRequest     `json:"fees"`
	ContactDetails *contactDetailsRequest `json:"contact_details"`
}

type reviewRefundRequest struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type middleOfficeUpdateRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type refundStatusPayload struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type refundFeePayload struct {
	FeeID        string `json:"fee_id,omitempty"`
	Code         string `json:"code"`
	Version      string `json:"version,omitempty"`
	Volume       int    `json:"volume,omitempty"`
	RefundAmount string `json:"refund_amount"`
}

type contactDetailsPayload struct {
	NotificationType string `json:"notification_type,omitempty"`
	Email            string `json:"email,omitempty"`
	AddressLine      string `json:"address_line,omitempty"`
	City             string `json:"city,omitempty"`
	County           string `json:"county,omitempty"`
	Country          string `json:"country,omitempty"`
	PostalCode       string `json:"postal_code,omitempty"`
	Language         string `json:"language,omitempty"`
}

type refundPayload struct {
	RefundReference       string                `json:"refund_reference"`
	PaymentReference      string                `json:"payment_reference"`
	CcdCaseNumber         string                `json:"ccd_case_number,omitempty"`
	ServiceType           string                `json:"service_type"`
	Amount                string                `json:"amount"`
	Reason                string                `json:"reason"`
	RefundStatus          refundStatusPayload   `json:"refund_status"`
	RefundInstructionType string                `json:"refund_instruction_type,omitempty"`
	RejectionCode         string                `json:"rejection_code,omitempty"`
	ContactDetails        contactDetailsPayload `json:"contact_details"`
	Fees                  []refundFeePayload    `json:"fees"`
	CreatedBy             string                `json:"created_by"`
	UpdatedBy             string                `json:"updated_by,omitempty"`
	DateCreated           string                `json:"date_created"`
	DateUpdated           string                `json:"date_updated"`
}

type refundResponse struct {
	Refund  refundPayload `json:"refund"`
	Message string        `json:"message,omitempty"`
}

type refundListResponse struct {
	Refunds       []refundPayload `json:"refunds"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

type statusHistoryPayload struct {
	Status        refundStatusPayload `json:"status"`
	Notes         string              `json:"notes"`
	CreatedBy     string              `json:"created_by"`
	CreatedByName string              `json:"created_by_name,omitempty"`
	DateCreated   string              `json:"date_created"`
}

type reasonPayload struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func feesFromRequest(in []refundFeeRequest) []services.RefundFee {
	if len(in) == 0 {
		return nil
	}
	out := make([]services.RefundFee, 0, len(in))
	for _, fee := range in {
		out = append(out, services.RefundFee{
			FeeID:        strings.TrimSpace(fee.FeeID),
			Code:         strings.TrimSpace(fee.Code),
			Version:      strings.TrimSpace(fee.Version),
			Volume:       fee.Volume,
			RefundAmount: fee.RefundAmount,
		})
	}
	return out
}

// contactDetailsFromRequest passes the channel through verbatim; the service
// owns its validation.
func contactDetailsFromRequest(in contactDetailsRequest) services.ContactDetails {
	return services.ContactDetails{
		NotificationType: domain.NotificationType(strings.TrimSpace(in.NotificationType)),
		Email:            strings.TrimSpace(in.Email),
		AddressLine:      strings.TrimSpace(in.AddressLine),
		City:             strings.TrimSpace(in.City),
		County:           strings.TrimSpace(in.County),
		Country:          strings.TrimSpace(in.Country),
		PostalCode:       strings.TrimSpace(in.PostalCode),
		Language:         strings.TrimSpace(in.Language),
	}
}

func statusPayload(status domain.RefundStatus) refundStatusPayload {
	return refundStatusPayload{Code: string(status), Name: status.Name(), Description: status.Description()}
}

func buildRefundPayload(refund services.Refund) refundPayload {
	fees := make([]refundFeePayload, 0, len(refund.Fees))
	for _, fee := range refund.Fees {
		fees = append(fees, refundFeePayload{
			FeeID:        fee.FeeID,
			Code:         fee.Code,
			Version:      fee.Version,
			Volume:       fee.Volume,
			RefundAmount: fee.RefundAmount.StringFixed(moneyScale),
		})
	}
	contact := refund.ContactDetails
	return refundPayload{
		RefundReference:       refund.Reference,
		PaymentReference:      refund.PaymentReference,
		CcdCaseNumber:         refund.CcdCaseNumber,
		ServiceType:           refund.ServiceType,
		Amount:                refund.Amount.StringFixed(moneyScale),
		Reason:                refund.Reason,
		RefundStatus:          statusPayload(refund.RefundStatus),
		RefundInstructionType: string(refund.RefundInstructionType),
		RejectionCode:         refund.RejectionCode,
		ContactDetails: contactDetailsPayload{
			NotificationType: string(contact.NotificationType),
			Email:            contact.Email,
			AddressLine:      contact.AddressLine,
			City:             contact.City,
			County:           contact.County,
			Country:          contact.Country,
			PostalCode:       contact.PostalCode,
			Language:         contact.Language,
		},
		Fees:        fees,
		CreatedBy:   refund.CreatedBy,
		UpdatedBy:   refund.UpdatedBy,
		DateCreated: formatTime(refund.DateCreated),
		DateUpdated: formatTime(refund.DateUpdated),
	}
}

func buildRefundList(page domain.CursorPage[services.Refund]) refundListResponse {
	resp := refundListResponse{
		Refunds:       make([]refundPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, refund := range page.Items {
		resp.Refunds = append(resp.Refunds, buildRefundPayload(refund))
	}
	return resp
}

func buildStatusHistory(rows []services.StatusHistoryView) []statusHistoryPayload {
	out := make([]statusHistoryPayload, 0, len(rows))
	for _, row := range rows {
		out = append(out, statusHistoryPayload{
			Status:        statusPayload(row.Status),
			Notes:         row.Notes,
			CreatedBy:     row.CreatedBy,
			CreatedByName: row.CreatedByName,
			DateCreated:   formatTime(row.DateCreated),
		})
	}
	return out
}

// reviewMessage is the confirmation shown to the reviewer.
func reviewMessage(status domain.RefundStatus) string {
	switch status {
	case domain.StatusSentToMiddleOffice:
		return "Refund approved"
	case domain.StatusRejected:
		return "Refund rejected"
	case domain.StatusNeedMoreInfo:
		return "Refund returned to caseworker"
	default:
		return ""
	}
}
