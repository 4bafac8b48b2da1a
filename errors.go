package forkcore

import (
	"errors"
	"fmt"
)

// ErrorCode enumerates the error taxonomy shared across the fork & workbook
// concurrency core.
type ErrorCode int

const (
	// Unknown is an unspecified error condition; its detection site is
	// required to release all held resources before propagating.
	Unknown ErrorCode = iota
	// NotFound means the requested WorkbookId/ForkId/CheckpointId/ChangeId is absent.
	NotFound
	// VersionConflict means an optimistic-locking check failed.
	VersionConflict
	// ForkLimitExceeded means max_forks has been reached.
	ForkLimitExceeded
	// InvalidWorkbook means the file exists but cannot be parsed.
	InvalidWorkbook
	// InvalidBatch means an edit batch was structurally or semantically rejected.
	InvalidBatch
	// Timeout means a deadline elapsed while waiting on a lock, a permit, or the backend.
	Timeout
	// BackendFailed means the external recalc backend returned an error or exited abnormally.
	BackendFailed
	// IoError means a filesystem operation failed after retries.
	IoError
	// PathEscapesWorkspace means a resolved path left the configured workspace root.
	PathEscapesWorkspace
	// UnsupportedExtension means a path's extension is not in the configured allow-list.
	UnsupportedExtension
	// AliasInUse means the requested alias is already bound to a different WorkbookId.
	AliasInUse
	// Ambiguous means an ID-shaped reference collides with an alias in an unusual configuration.
	Ambiguous
	// NotCached means close was called for a WorkbookId that is not in the cache.
	NotCached
	// Internal marks an invariant violation; it must be logged with full diagnostics and treated as a bug.
	Internal
)

// String returns a short machine-stable name for the error code, suitable for
// the error-kind tag returned to RPC callers and recorded in audit events.
func (c ErrorCode) String() string {
	switch c {
	case NotFound:
		return "NotFound"
	case VersionConflict:
		return "VersionConflict"
	case ForkLimitExceeded:
		return "ForkLimitExceeded"
	case InvalidWorkbook:
		return "InvalidWorkbook"
	case InvalidBatch:
		return "InvalidBatch"
	case Timeout:
		return "Timeout"
	case BackendFailed:
		return "BackendFailed"
	case IoError:
		return "IoError"
	case PathEscapesWorkspace:
		return "PathEscapesWorkspace"
	case UnsupportedExtension:
		return "UnsupportedExtension"
	case AliasInUse:
		return "AliasInUse"
	case Ambiguous:
		return "Ambiguous"
	case NotCached:
		return "NotCached"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is the structured error value returned by every public operation in
// this module: a stable error-kind tag, the wrapped underlying error, and an
// optional resource identifier (e.g. the ForkId or path involved).
type Error struct {
	Code     ErrorCode
	Err      error
	Resource string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Resource == "" {
		return fmt.Errorf("%s: %w", e.Code, e.Err).Error()
	}
	return fmt.Errorf("%s (%s): %w", e.Code, e.Resource, e.Err).Error()
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped error.
func (e *Error) Unwrap() error { return e.Err }

// NewError constructs an *Error with the given code, wrapped error, and
// optional resource identifier.
func NewError(code ErrorCode, err error, resource string) *Error {
	return &Error{Code: code, Err: err, Resource: resource}
}

// CodeOf returns the ErrorCode carried by err if it (or something it wraps)
// is an *Error, and Unknown otherwise.
func CodeOf(err error) ErrorCode {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return Unknown
}
