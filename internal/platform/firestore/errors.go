package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind uint8

const (
	kindOther errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// kindByCode classifies gRPC codes. Aborted is what a lost transaction race
// on a refund document looks like, so it maps to a conflict (409) rather
// than to an outage.
var kindByCode = map[codes.Code]errorKind{
	codes.NotFound:           kindNotFound,
	codes.AlreadyExists:      kindConflict,
	codes.FailedPrecondition: kindConflict,
	codes.Aborted:            kindConflict,
	codes.OutOfRange:         kindConflict,
	codes.Unavailable:        kindUnavailable,
	codes.ResourceExhausted:  kindUnavailable,
	codes.Internal:           kindUnavailable,
	codes.DeadlineExceeded:   kindUnavailable,
}

// Error implements repositories.RepositoryError for the refund store.
type Error struct {
	op   string
	code codes.Code
	kind errorKind
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Code is the gRPC status code Firestore answered with, or codes.Unknown for
// errors raised by the repositories themselves.
func (e *Error) Code() codes.Code {
	if e == nil {
		return codes.OK
	}
	return e.code
}

func (e *Error) IsNotFound() bool    { return e != nil && e.kind == kindNotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.kind == kindConflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// WrapError annotates a Firestore failure with op and repository semantics.
// Cancellation and deadlines surface as the context errors so callers can
// tell a client hang-up from a backend fault.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	var repoErr *Error
	if errors.As(err, &repoErr) {
		if op != "" && repoErr.op == "" {
			repoErr.op = op
		}
		return repoErr
	}
	return &Error{op: op, code: code, kind: kindByCode[code], err: err}
}

// ConflictError reports a failed version check on a refund write.
func ConflictError(op string, err error) error {
	if err == nil {
		err = errors.New("firestore: version mismatch")
	}
	return &Error{op: op, code: codes.Unknown, kind: kindConflict, err: err}
}

// NotFoundError reports a lookup by field that matched no document.
func NotFoundError(op string, err error) error {
	if err == nil {
		err = errors.New("firestore: document not found")
	}
	return &Error{op: op, code: codes.Unknown, kind: kindNotFound, err: err}
}

func isDone(err error) bool {
	return errors.Is(err, iterator.Done)
}
