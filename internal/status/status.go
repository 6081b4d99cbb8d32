// Package status provides the error taxonomy shared by the executor, controllers and admin service.
package status

import (
	"errors"
	"fmt"
)

// Code classifies a failure.
type Code int

const (
	OK Code = iota
	Corruption
	InternalError
	Expired
	InvalidArgs
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case Corruption:
		return "Corruption"
	case InternalError:
		return "InternalError"
	case Expired:
		return "Expired"
	case InvalidArgs:
		return "InvalidArgs"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error is a coded error with an optional cause.
type Error struct {
	Code  Code
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error carrying the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code && (t.Msg == "" || t.Msg == e.Msg)
	}
	return false
}

// Sentinels for errors.Is matching by code.
var (
	ErrCorruption  = &Error{Code: Corruption}
	ErrInternal    = &Error{Code: InternalError}
	ErrExpired     = &Error{Code: Expired}
	ErrInvalidArgs = &Error{Code: InvalidArgs}
)

// New returns an error with the given code.
func New(code Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an error with the given code wrapping cause.
func Wrap(code Code, cause error, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

func Corruptionf(format string, args ...any) error  { return New(Corruption, format, args...) }
func Internalf(format string, args ...any) error    { return New(InternalError, format, args...) }
func Expiredf(format string, args ...any) error     { return New(Expired, format, args...) }
func InvalidArgsf(format string, args ...any) error { return New(InvalidArgs, format, args...) }

// CodeOf returns the code of err. Errors without a code are InternalError.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

// IsRetryable reports whether a retry loop may try again after err.
func IsRetryable(err error) bool {
	return err != nil && CodeOf(err) == InternalError
}
