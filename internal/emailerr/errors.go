// Package emailerr defines the error taxonomy shared by every mailbridge
// operation. Errors carry a kind with a stable code that the hosting
// adapter maps onto its transport-level status.
package emailerr

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure.
type Kind int

const (
	// KindConfiguration marks a missing or invalid parameter detected
	// before any I/O. Never retried.
	KindConfiguration Kind = iota
	// KindConnection marks a session, store, transport, address-parse or
	// token-refresh failure.
	KindConnection
	// KindPool marks a borrow, return or close failure, including
	// exhaustion under the FAIL policy or a BLOCK timeout.
	KindPool
	// KindNotFound marks a referenced email id, attachment index or
	// connection name that does not exist.
	KindNotFound
	// KindResponse marks a failure translating a result into the
	// adapter's response shape.
	KindResponse
)

func (k Kind) Code() string {
	switch k {
	case KindNotFound:
		return "700201"
	case KindConnection:
		return "700203"
	case KindConfiguration:
		return "700204"
	case KindResponse:
		return "700205"
	case KindPool:
		return "700207"
	}
	return "700200"
}

func (k Kind) Detail() string {
	switch k {
	case KindNotFound:
		return "EMAIL:EMAIL_NOT_FOUND"
	case KindConnection:
		return "EMAIL:CONNECTIVITY"
	case KindConfiguration:
		return "EMAIL:INVALID_CONFIGURATION"
	case KindResponse:
		return "EMAIL:RESPONSE_GENERATION"
	case KindPool:
		return "EMAIL:CONNECTION_POOL"
	}
	return "EMAIL:ERROR"
}

// Error is a classified failure, optionally wrapping a cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error without a cause.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of err. Unclassified errors report
// KindConnection, the catch-all for protocol-library failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindConnection
}

// IsKind reports whether err is classified under kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
