package bocache

import (
	"errors"
	"fmt"
)

// Error represents a structured bocache error with operation context.
type Error struct {
	Op     string    // Operation that failed (e.g. "Create", "Import")
	Handle int64     // BO handle, -1 if not applicable
	Code   ErrorCode // High-level error category
	Msg    string    // Human-readable message
	Inner  error     // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Handle >= 0 {
		return fmt.Sprintf("bocache: %s (op=%s handle=%d)", msg, e.Op, e.Handle)
	}
	if e.Op != "" {
		return fmt.Sprintf("bocache: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("bocache: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support based on error code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode represents a high-level error category.
type ErrorCode string

const (
	// ErrCodeAllocationExhausted: backend refused allocation after the
	// cache-flush-and-retry loop.
	ErrCodeAllocationExhausted ErrorCode = "allocation exhausted"

	// ErrCodeInvalidHandle: backend or registry contract was violated
	// (surfaced only in the rare case the caller wants to inspect it
	// before the panic unwinds; see ContractViolation).
	ErrCodeInvalidHandle ErrorCode = "invalid handle"

	// ErrCodeImportSizeUnknown: the fd passed to Import reports zero or
	// unknown length.
	ErrCodeImportSizeUnknown ErrorCode = "import size unknown"

	// ErrCodeExportUnsupported: the backend cannot produce a dmabuf fd for
	// this BO.
	ErrCodeExportUnsupported ErrorCode = "export unsupported"

	// ErrCodeInvalidParameters: caller-supplied arguments violate a
	// documented precondition (e.g. size == 0).
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"

	// ErrCodeDeviceClosed: an operation was attempted on a Device that has
	// already been closed.
	ErrCodeDeviceClosed ErrorCode = "device closed"
)

// newError constructs an *Error with the given operation, handle, and code.
func newError(op string, handle int64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Handle: handle, Code: code, Msg: msg}
}

// wrapError wraps an existing error with bocache operation context,
// preserving its code if it is already a *Error.
func wrapError(op string, handle int64, inner error) *Error {
	if inner == nil {
		return nil
	}
	var be *Error
	if errors.As(inner, &be) {
		return &Error{Op: op, Handle: handle, Code: be.Code, Msg: be.Msg, Inner: inner}
	}
	return &Error{Op: op, Handle: handle, Code: ErrCodeInvalidParameters, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// ContractViolation is panicked when the backend or a caller violates an
// invariant the core treats as fatal. It wraps an *Error so recover()-ing
// callers (tests included) can still inspect Code via errors.As.
type ContractViolation struct {
	*Error
}

// violatef panics with a ContractViolation built from the given operation
// and formatted message.
func violatef(op string, format string, args ...any) {
	panic(ContractViolation{&Error{
		Op:   op,
		Code: ErrCodeInvalidHandle,
		Msg:  fmt.Sprintf(format, args...),
	}})
}
