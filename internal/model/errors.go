package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure for REST status mapping and audit records.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindNotFound       ErrorKind = "not_found"
	KindConflict       ErrorKind = "conflict"
	KindTransport      ErrorKind = "transport"
	KindTimeout        ErrorKind = "timeout"
	KindCommandFailure ErrorKind = "command_failure"
	KindIntegrity      ErrorKind = "integrity"
	KindFatal          ErrorKind = "fatal"
)

// Error is a classified failure. Output carries captured remote output for
// command failures.
type Error struct {
	Kind    ErrorKind
	Message string
	Output  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to its REST status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransport:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr classifies an underlying error.
func WrapErr(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// CommandError builds a command failure carrying the captured output.
func CommandError(message, output string) *Error {
	return &Error{Kind: KindCommandFailure, Message: message, Output: output}
}

// KindOf extracts the kind from an error chain; unclassified errors report
// KindFatal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsKind reports whether the error chain contains a classified error of the
// given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// StatusOf maps any error to an HTTP status code.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
