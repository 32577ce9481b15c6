// Package apperr defines the error kinds returned by the settlement services.
//
// Every business-rule violation is an *Error carrying a Kind. Callers match
// kinds with errors.Is against the exported sentinels:
//
//	if errors.Is(err, apperr.ErrAlreadyTaken) { ... }
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotAuthorized    Kind = "not_authorized"
	KindInvalidState     Kind = "invalid_state"
	KindInvalidLotState  Kind = "invalid_lot_state"
	KindAlreadyTaken     Kind = "already_taken"
	KindAlreadyRequested Kind = "already_requested"
	KindAlreadyIssued    Kind = "already_issued"
	KindDuplicateRequest Kind = "duplicate_request"
	KindAlreadyPending   Kind = "already_pending"
	KindNotRequested     Kind = "not_requested"
	KindNotConfirmed     Kind = "not_confirmed"
	KindSameParty        Kind = "same_party"
	KindNotFound         Kind = "not_found"
	KindExpired          Kind = "expired"
	KindTransient        Kind = "transient"
)

// Error is a classified failure. Op names the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel of the same kind. Sentinels are
// errors with a Kind and no Op or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op != "" || t.Msg != "" {
		return e == t
	}
	return e.Kind == t.Kind
}

var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrNotAuthorized    = &Error{Kind: KindNotAuthorized}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrInvalidLotState  = &Error{Kind: KindInvalidLotState}
	ErrAlreadyTaken     = &Error{Kind: KindAlreadyTaken}
	ErrAlreadyRequested = &Error{Kind: KindAlreadyRequested}
	ErrAlreadyIssued    = &Error{Kind: KindAlreadyIssued}
	ErrDuplicateRequest = &Error{Kind: KindDuplicateRequest}
	ErrAlreadyPending   = &Error{Kind: KindAlreadyPending}
	ErrNotRequested     = &Error{Kind: KindNotRequested}
	ErrNotConfirmed     = &Error{Kind: KindNotConfirmed}
	ErrSameParty        = &Error{Kind: KindSameParty}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrExpired          = &Error{Kind: KindExpired}
	ErrTransient        = &Error{Kind: KindTransient}
)

// New builds a classified error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether a caller may retry the same request unchanged.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
