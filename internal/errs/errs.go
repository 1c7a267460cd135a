// Package errs defines the error taxonomy shared by every storage and
// transaction component. It exists as a leaf package (no dependencies on
// bufferpool/mvcc/lockmgr/txn/recovery) so that all of them, and the public
// engine package, can construct and inspect the same error kinds without an
// import cycle.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error into one of the taxonomy entries a caller above
// the storage boundary needs to branch on.
type Kind int

const (
	KindUnknown Kind = iota
	KindWriteConflict
	KindDeadlock
	KindLockTimeout
	KindBufferPoolExhausted
	KindIoFailure
	KindPageCorrupt
	KindIncompatibleLayout
	KindInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindWriteConflict:
		return "WriteConflict"
	case KindDeadlock:
		return "Deadlock"
	case KindLockTimeout:
		return "LockTimeout"
	case KindBufferPoolExhausted:
		return "BufferPoolExhausted"
	case KindIoFailure:
		return "IoFailure"
	case KindPageCorrupt:
		return "PageCorrupt"
	case KindIncompatibleLayout:
		return "IncompatibleLayout"
	case KindInvariantViolation:
		return "InvariantViolation"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned across the storage boundary.
// Outer layers (query execution, admin RPC) branch on Kind rather than on
// string content, and use errors.Is/errors.As to unwrap to the cause.
type Error struct {
	Kind    Kind
	Message string
	TxnID   uint64 // 0 if not transaction-scoped
	Cause   error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithTxn attaches a transaction ID for logging/introspection and returns
// the same error for chaining at the call site.
func (e *Error) WithTxn(txnID uint64) *Error {
	e.TxnID = txnID
	return e
}

// IsRetryable reports whether the caller may simply retry the transaction.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case KindWriteConflict, KindDeadlock, KindLockTimeout, KindBufferPoolExhausted:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the condition is an object- or instance-level
// fatal error rather than a retryable per-transaction failure.
func (e *Error) IsFatal() bool {
	switch e.Kind {
	case KindPageCorrupt, KindIncompatibleLayout, KindInvariantViolation:
		return true
	default:
		return false
	}
}

// Is supports errors.Is(err, KindX) style checks by kind value comparison
// when the target is itself an *Error with no Cause (a sentinel-by-kind).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// KindUnknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
