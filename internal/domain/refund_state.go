package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrActionNotFound indicates the event is not legal from the current state.
	ErrActionNotFound = errors.New("refund: action not found for state")
	// ErrUnknownRefundStatus indicates a status code outside the closed set.
	ErrUnknownRefundStatus = errors.New("refund: unknown status")
	// ErrUnknownRefundEvent indicates an event name outside the closed set.
	ErrUnknownRefundEvent = errors.New("refund: unknown event")
)

// RefundStatus is the closed set of refund lifecycle codes.
type RefundStatus string

const (
	StatusSentForApproval    RefundStatus = "SENTFORAPPROVAL"
	StatusSentToMiddleOffice RefundStatus = "SENTTOMIDDLEOFFICE"
	StatusNeedMoreInfo       RefundStatus = "NEEDMOREINFO"
	StatusRejected           RefundStatus = "REJECTED"
	StatusAccepted           RefundStatus = "ACCEPTED"
	// StatusReissued only ever appears in the status history ledger.
	StatusReissued RefundStatus = "REISSUED"
)

type statusInfo struct {
	name        string
	description string
}

var refundStatuses = map[RefundStatus]statusInfo{
	StatusSentForApproval:    {name: "Sent for approval", description: "Refund request submitted"},
	StatusSentToMiddleOffice: {name: "Approved", description: "Refund request approved and sent to the middle office"},
	StatusNeedMoreInfo:       {name: "Update required", description: "Refund request sent back for more information"},
	StatusRejected:           {name: "Rejected", description: "Refund request rejected"},
	StatusAccepted:           {name: "Accepted", description: "Refund request accepted by the middle office"},
	StatusReissued:           {name: "Reissued", description: "Refund reissued from an earlier refund"},
}

var refundStatusAliases = map[string]RefundStatus{
	"APPROVED":          StatusSentToMiddleOffice,
	"UPDATEREQUIRED":    StatusNeedMoreInfo,
	"UPDATE REQUIRED":   StatusNeedMoreInfo,
	"SENT FOR APPROVAL": StatusSentForApproval,
}

// ParseRefundStatus resolves a code or alias, case-insensitively.
func ParseRefundStatus(code string) (RefundStatus, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if _, ok := refundStatuses[RefundStatus(normalized)]; ok {
		return RefundStatus(normalized), nil
	}
	if status, ok := refundStatusAliases[normalized]; ok {
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRefundStatus, code)
}

// Name returns the display name shown to caseworkers.
func (s RefundStatus) Name() string {
	if info, ok := refundStatuses[s]; ok {
		return info.name
	}
	return string(s)
}

// Description returns the long form of the status.
func (s RefundStatus) Description() string {
	return refundStatuses[s].description
}

// IsTerminal reports whether no reviewer action may follow.
func (s RefundStatus) IsTerminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

// RefundEvent is an action that moves a refund between states.
type RefundEvent string

const (
	EventApprove  RefundEvent = "APPROVE"
	EventReject   RefundEvent = "REJECT"
	EventSendBack RefundEvent = "SENDBACK"
	EventSubmit   RefundEvent = "SUBMIT"
	EventCancel   RefundEvent = "CANCEL"
	EventAccept   RefundEvent = "ACCEPT"
)

// ParseRefundEvent resolves an event name; UPDATEREQUIRED is an alias of SENDBACK.
func ParseRefundEvent(name string) (RefundEvent, error) {
	switch normalized := strings.ToUpper(strings.TrimSpace(name)); normalized {
	case "APPROVE", "REJECT", "SENDBACK", "SUBMIT", "CANCEL", "ACCEPT":
		return RefundEvent(normalized), nil
	case "UPDATEREQUIRED", "UPDATE-REQUIRED", "SEND-BACK":
		return EventSendBack, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRefundEvent, name)
	}
}

var eventOrder = []RefundEvent{EventApprove, EventReject, EventSendBack, EventSubmit, EventCancel, EventAccept}

// refundTransitions is the only place legality is decided.
var refundTransitions = map[RefundStatus]map[RefundEvent]RefundStatus{
	StatusSentForApproval: {
		EventApprove:  StatusSentToMiddleOffice,
		EventReject:   StatusRejected,
		EventSendBack: StatusNeedMoreInfo,
	},
	StatusSentToMiddleOffice: {
		EventReject: StatusRejected,
		EventCancel: StatusRejected,
		EventAccept: StatusAccepted,
	},
	StatusNeedMoreInfo: {
		EventSubmit: StatusSentForApproval,
		EventCancel: StatusRejected,
	},
	StatusAccepted: {
		EventSubmit: StatusAccepted,
	},
	StatusRejected: {
		EventSubmit: StatusRejected,
	},
}

// NextState returns the state reached by applying event to current.
func NextState(current RefundStatus, event RefundEvent) (RefundStatus, error) {
	next, ok := refundTransitions[current][event]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrActionNotFound, event, current)
	}
	return next, nil
}

// AllowedEvents lists the events legal from state in a stable order.
func AllowedEvents(state RefundStatus) []RefundEvent {
	transitions := refundTransitions[state]
	events := make([]RefundEvent, 0, len(transitions))
	for _, event := range eventOrder {
		if _, ok := transitions[event]; ok {
			events = append(events, event)
		}
	}
	return events
}

// PaymentStatus is the closed set of payment outcomes reported by the payment service.
type PaymentStatus string

const (
	PaymentSuccess   PaymentStatus = "success"
	PaymentFailed    PaymentStatus = "failed"
	PaymentPending   PaymentStatus = "pending"
	PaymentCancelled PaymentStatus = "cancelled"
)

// ParsePaymentStatus fails on unknown codes.
func ParsePaymentStatus(code string) (PaymentStatus, error) {
	switch status := PaymentStatus(strings.ToLower(strings.TrimSpace(code))); status {
	case PaymentSuccess, PaymentFailed, PaymentPending, PaymentCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("payment: unknown status %q", code)
	}
}

// PaymentChannel is the closed set of channels a payment can arrive through.
type PaymentChannel string

const (
	ChannelOnline      PaymentChannel = "online"
	ChannelTelephony   PaymentChannel = "telephony"
	ChannelBulkScan    PaymentChannel = "bulk scan"
	ChannelCardPresent PaymentChannel = "card present"
	ChannelPBA         PaymentChannel = "pba"
)

// ParsePaymentChannel fails on unknown codes.
func ParsePaymentChannel(code string) (PaymentChannel, error) {
	switch channel := PaymentChannel(strings.ToLower(strings.TrimSpace(code))); channel {
	case ChannelOnline, ChannelTelephony, ChannelBulkScan, ChannelCardPresent, ChannelPBA:
		return channel, nil
	default:
		return "", fmt.Errorf("payment: unknown channel %q", code)
	}
}
