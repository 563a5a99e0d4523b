package upload

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors so callers can map them to transport-level
// responses without string matching.
type Kind string

const (
	// KindValidation marks client-fixable input errors
	KindValidation Kind = "VALIDATION_ERROR"
	// KindSessionNotFound covers missing, expired-and-removed, and
	// wrong-owner sessions. The three cases are deliberately
	// indistinguishable so session existence never leaks across owners.
	KindSessionNotFound Kind = "SESSION_NOT_FOUND"
	// KindSessionConflict marks a clientID reused with different parameters
	KindSessionConflict Kind = "SESSION_CONFLICT"
	// KindTerminalState marks an operation invalid for the current status
	KindTerminalState Kind = "TERMINAL_STATE"
	// KindIncompleteUpload marks complete called before all chunks arrived
	KindIncompleteUpload Kind = "INCOMPLETE_UPLOAD"
	// KindQuotaExceeded marks a denied quota reservation
	KindQuotaExceeded Kind = "QUOTA_EXCEEDED"
	// KindStorageFailure marks retryable chunk/content store I/O errors
	KindStorageFailure Kind = "STORAGE_FAILURE"
	// KindExpired marks operations against a session the sweep cancelled
	KindExpired Kind = "EXPIRED"
)

// Error is the typed error returned by every engine operation
type Error struct {
	Kind    Kind
	Message string
	// Missing lists absent chunk indices for INCOMPLETE_UPLOAD errors
	Missing []int
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains
func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the error kind, or "" for untyped errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func notFound() *Error {
	return &Error{Kind: KindSessionNotFound, Message: "upload session not found"}
}

func conflictf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindSessionConflict, Message: fmt.Sprintf(format, args...)}
}

func terminalf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindTerminalState, Message: fmt.Sprintf(format, args...)}
}

func incomplete(missing []int) *Error {
	return &Error{
		Kind:    KindIncompleteUpload,
		Message: fmt.Sprintf("%d chunks missing", len(missing)),
		Missing: missing,
	}
}

func quotaExceeded(requested int64) *Error {
	return &Error{Kind: KindQuotaExceeded, Message: fmt.Sprintf("quota reservation for %d bytes denied", requested)}
}

func storagef(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindStorageFailure, Message: fmt.Sprintf(format, args...), cause: cause}
}

func expired() *Error {
	return &Error{Kind: KindExpired, Message: "upload session expired"}
}
