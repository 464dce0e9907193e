package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the wire-visible category of a failure.
type ErrorKind string

const (
	ErrKindNotFound                ErrorKind = "not_found"
	ErrKindAuthenticationFailed    ErrorKind = "authentication_failed"
	ErrKindAuthenticationExhausted ErrorKind = "authentication_exhausted"
	ErrKindConnectionFailed        ErrorKind = "connection_failed"
	ErrKindProtocol                ErrorKind = "protocol_error"
	ErrKindIO                      ErrorKind = "io_error"
	ErrKindInvalidRequest          ErrorKind = "invalid_request"
	ErrKindInternal                ErrorKind = "internal"
)

// Error carries a kind alongside the usual message and cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

var (
	ErrNotFound                = &Error{Kind: ErrKindNotFound}
	ErrAuthenticationFailed    = &Error{Kind: ErrKindAuthenticationFailed}
	ErrAuthenticationExhausted = &Error{Kind: ErrKindAuthenticationExhausted}
	ErrConnectionFailed        = &Error{Kind: ErrKindConnectionFailed}
	ErrProtocol                = &Error{Kind: ErrKindProtocol}
	ErrIO                      = &Error{Kind: ErrKindIO}
	ErrInvalidRequest          = &Error{Kind: ErrKindInvalidRequest}
)

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain, or
// ErrKindInternal when there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindInternal
}

// NotFound is the common "no such session" error.
func NotFound(id string) *Error {
	return Errorf(ErrKindNotFound, "session %s not found", id)
}
