package chunkxfer

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error represents a failed transfer session.
type Error struct {
	// Type is the error type
	Type ErrorType

	// Message is a human-readable error message
	Message string

	// Err is the underlying cause, if any
	Err error
}

// ErrorType categorizes transfer errors.
type ErrorType int

const (
	// ErrConnection indicates a transport level read or write failure
	ErrConnection ErrorType = iota

	// ErrMalformedHeader indicates a header that cannot be decoded
	ErrMalformedHeader

	// ErrIO indicates a local file read or write failure
	ErrIO

	// ErrProtocol indicates a chunk stream that disagrees with its message header
	ErrProtocol

	// ErrTimeout indicates a read or write did not complete in time
	ErrTimeout

	// ErrCancelled indicates the session's context was cancelled
	ErrCancelled
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chunkxfer %s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("chunkxfer %s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (t ErrorType) String() string {
	switch t {
	case ErrConnection:
		return "connection error"
	case ErrMalformedHeader:
		return "malformed header"
	case ErrIO:
		return "I/O failure"
	case ErrProtocol:
		return "protocol violation"
	case ErrTimeout:
		return "timeout"
	case ErrCancelled:
		return "cancelled"
	default:
		return "unknown error"
	}
}

// NewError creates a new transfer error.
func NewError(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
	}
}

// wrapError creates a transfer error with an underlying cause.
func wrapError(errType ErrorType, err error, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// TypeOf returns the ErrorType of err and whether err is a transfer error.
func TypeOf(err error) (ErrorType, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Type, true
	}
	return 0, false
}

func isType(err error, t ErrorType) bool {
	got, ok := TypeOf(err)
	return ok && got == t
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool { return isType(err, ErrTimeout) }

// IsCancelled checks if an error indicates cancellation
func IsCancelled(err error) bool { return isType(err, ErrCancelled) }

// IsProtocol checks if an error is a protocol violation
func IsProtocol(err error) bool { return isType(err, ErrProtocol) }

// IsMalformed checks if an error is a header decode failure
func IsMalformed(err error) bool { return isType(err, ErrMalformedHeader) }

// IsConnection checks if an error is a transport failure
func IsConnection(err error) bool { return isType(err, ErrConnection) }

// IsIO checks if an error is a local file failure
func IsIO(err error) bool { return isType(err, ErrIO) }
