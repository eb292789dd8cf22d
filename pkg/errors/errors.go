// Package errors provides structured error handling for gotds.
//
// This package defines error types with:
//   - Error codes for programmatic handling
//   - Categories for grouping related errors
//   - Context fields for debugging
//   - Wrapping support for error chains
//
// Error codes follow a hierarchical scheme:
//   - 1xxx: Protocol errors (malformed wire data, unknown token/type)
//   - 2xxx: I/O errors (transport failure, unexpected EOF)
//   - 3xxx: Server errors (an ERROR token from SQL Server)
//   - 4xxx: Conversion errors (encoding, overflow, type mismatch)
//   - 5xxx: Programming errors (session used out of sequence)
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a numeric error code for programmatic handling.
type Code int

// Error codes by category.
const (
	// Protocol errors (1xxx)
	CodeProtocolInvalidValue  Code = 1001
	CodeProtocolInvalidLength Code = 1002
	CodeProtocolUnknownToken  Code = 1003

	// I/O errors (2xxx)
	CodeIOFailed        Code = 2001
	CodeIOUnexpectedEOF Code = 2002

	// Server errors (3xxx)
	CodeServerError Code = 3001

	// Conversion errors (4xxx)
	CodeConversionFailed Code = 4001
	CodeConversionRange  Code = 4002

	// Programming errors (5xxx)
	CodeProgrammingError Code = 5001
)

// String returns the error code as a string.
func (c Code) String() string {
	return fmt.Sprintf("E%04d", c)
}

// Category returns the broad category name for a code.
func (c Code) Category() string {
	switch {
	case c >= 1000 && c < 2000:
		return "protocol"
	case c >= 2000 && c < 3000:
		return "io"
	case c >= 3000 && c < 4000:
		return "server"
	case c >= 4000 && c < 5000:
		return "conversion"
	case c >= 5000 && c < 6000:
		return "programming"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this code invalidate the owning session,
// per the propagation policy in the library's error handling design:
// protocol and I/O errors unwind and invalidate the session, server and
// conversion errors are recoverable at the statement boundary.
func (c Code) Fatal() bool {
	switch c.Category() {
	case "protocol", "io":
		return true
	default:
		return false
	}
}

// Error is a structured error carrying a code, optional cause, and
// diagnostic fields (offending byte, token tag, SQL error number, ...).
type Error struct {
	Code    Code
	Message string
	Cause   error
	Fields  map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	b.WriteString(" ")
	b.WriteString(e.Code.Category())
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.Cause }

// WithField attaches a diagnostic field and returns the receiver.
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps cause as an Error with the given code and message.
func Wrap(cause error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Wrapf wraps cause as an Error with a formatted message.
func Wrapf(cause error, code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// ProtocolError constructs a fatal protocol-layer error: the wire
// contained a byte pattern outside the specification.
func ProtocolError(message string) *Error {
	return New(CodeProtocolInvalidValue, message)
}

// ProtocolErrorf is ProtocolError with a formatted message.
func ProtocolErrorf(format string, args ...interface{}) *Error {
	return Newf(CodeProtocolInvalidValue, format, args...)
}

// UnexpectedEOF constructs the fatal "transport closed mid-packet" error.
func UnexpectedEOF() *Error {
	return New(CodeIOUnexpectedEOF, "unexpected EOF reading from transport")
}

// IOError wraps a transport failure.
func IOError(cause error) *Error {
	return Wrap(cause, CodeIOFailed, "transport I/O failure")
}

// NewConversionError constructs a non-fatal conversion error: a decoded
// payload could not be converted to the requested high-level type.
func NewConversionError(message string) *Error {
	return New(CodeConversionFailed, message)
}

// Programming constructs a non-fatal programming-error: the session was
// used out of sequence (e.g. a read attempted with no outstanding request).
func Programming(message string) *Error {
	return New(CodeProgrammingError, message)
}

// GetCode extracts the Code from err, or CodeProgrammingError if err is not
// one of ours.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeProgrammingError
}

// IsFatal reports whether err should invalidate the owning session.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code.Fatal()
	}
	return false
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return errors.As(err, target) }
