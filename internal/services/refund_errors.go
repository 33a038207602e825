package services

import (
	"errors"
	"fmt"

	"github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories"
)

var (
	// ErrRefundInvalidRequest indicates a create or resubmit request failed validation.
	ErrRefundInvalidRequest = errors.New("refund: invalid request")
	// ErrRefundReviewInvalid indicates a reviewer action is malformed or illegal for the current state.
	ErrRefundReviewInvalid = errors.New("refund: invalid review request")
	// ErrRefundNotFound indicates the refund reference is unknown.
	ErrRefundNotFound = errors.New("refund: not found")
	// ErrPaymentReferenceNotFound indicates the payment service does not know the payment.
	ErrPaymentReferenceNotFound = errors.New("refund: payment reference not found")
	// ErrRefundForbidden indicates the caller's roles do not cover the refund's service.
	ErrRefundForbidden = errors.New("refund: forbidden")
	// ErrRefundConflict indicates a concurrent update won the race or the reference is taken.
	ErrRefundConflict = errors.New("refund: conflicting update")
	// ErrRefundActionNotAllowed indicates the refund is terminal.
	ErrRefundActionNotAllowed = errors.New("refund: action not allowed")
	// ErrRefundUnavailable indicates the refund store is temporarily unreachable.
	ErrRefundUnavailable = errors.New("refund: storage unavailable")
	// ErrUpstreamUnavailable indicates a collaborator failed or could not be reached.
	ErrUpstreamUnavailable = errors.New("refund: upstream unavailable")
	// ErrUpstreamTimeout indicates a collaborator did not answer in time.
	ErrUpstreamTimeout = errors.New("refund: upstream timeout")
)

// SideEffectError reports a post-commit side effect that failed. The
// transition itself is committed and Refund holds its persisted state.
type SideEffectError struct {
	Kind   string
	Refund Refund
	Err    error
}

func (e *SideEffectError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("refund %s: %s side effect failed: %v", e.Refund.Reference, e.Kind, e.Err)
}

func (e *SideEffectError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// mapRepositoryError translates storage classifications into service errors.
// Service sentinels returned from inside a transaction pass through unchanged.
func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		ErrRefundInvalidRequest, ErrRefundReviewInvalid, ErrRefundNotFound,
		ErrPaymentReferenceNotFound, ErrRefundForbidden, ErrRefundConflict,
		ErrRefundActionNotAllowed, ErrRefundUnavailable, ErrUpstreamUnavailable, ErrUpstreamTimeout,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrRefundNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrRefundConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrRefundUnavailable, err)
		}
	}
	return err
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
