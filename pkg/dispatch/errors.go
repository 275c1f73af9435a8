package dispatch

import (
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrTokenNotFound is returned by a TokenStore when a user has no registration.
var ErrTokenNotFound = errors.New("token not found")

// ErrTokenRejected is wrapped by a Messenger when the provider refuses a
// device token as unregistered or malformed.
var ErrTokenRejected = errors.New("device token rejected")

// Error is a caller-facing failure. Code selects the kind; Message is safe to
// expose and never carries downstream detail.
type Error struct {
	Code    codes.Code
	Message string
}

func (e *Error) Error() string {
	return e.Kind() + ": " + e.Message
}

// GRPCStatus lets status.Code and status.Convert understand dispatch errors.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

// Kind returns the callable-protocol name of the error, e.g. "invalid-argument".
func (e *Error) Kind() string {
	return strings.ReplaceAll(strings.ToLower(Status(e.Code)), "_", "-")
}

// Status returns the upper snake case status name used on the wire, e.g. "NOT_FOUND".
func Status(c codes.Code) string {
	switch c {
	case codes.OK:
		return "OK"
	case codes.FailedPrecondition:
		return "FAILED_PRECONDITION"
	case codes.InvalidArgument:
		return "INVALID_ARGUMENT"
	case codes.NotFound:
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}

func NewError(code codes.Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Unauthenticated is reported with the failed-precondition kind, which is what
// callable clients expect when no identity accompanies the call.
func Unauthenticated() *Error {
	return NewError(codes.FailedPrecondition, "The function must be called while authenticated.")
}

func InvalidArgument(msg string) *Error {
	return NewError(codes.InvalidArgument, msg)
}

func NotFound(msg string) *Error {
	return NewError(codes.NotFound, msg)
}

func Internal(msg string) *Error {
	return NewError(codes.Internal, msg)
}

// CodeOf returns the code of a dispatch error, or codes.Internal for anything else.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return codes.Internal
}
