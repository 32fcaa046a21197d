package syncview

import (
	"context"
	"errors"
	"net"
)

// error taxonomy. errors attach to a scope's view state rather than
// crossing the consumer boundary as panics or thrown errors.

type ErrorClass string

const (
	// connectivity failure. recovered locally by serving the last
	// cached/merged view and retried when connectivity returns
	ErrorClassTransient ErrorClass = "transient"
	// terminal for the scope until the caller resolves it
	ErrorClassPermission ErrorClass = "permission"
	// confined to a single optimistic entry
	ErrorClassWrite ErrorClass = "write"
	// corrupt cache blob. swallowed, treated as cache miss
	ErrorClassSerialization ErrorClass = "serialization"
	// the store cannot satisfy the ordering/filter combination.
	// retrying without intervention will not help
	ErrorClassIndexUnavailable ErrorClass = "index_unavailable"
	ErrorClassUnknown          ErrorClass = "unknown"
)

func (self ErrorClass) IsTerminal() bool {
	switch self {
	case ErrorClassPermission, ErrorClassIndexUnavailable:
		return true
	default:
		return false
	}
}

var (
	ErrTransientNetwork = errors.New("transient network error")
	ErrPermissionDenied = errors.New("permission denied")
	ErrIndexUnavailable = errors.New("index unavailable for query")
	ErrSerialization    = errors.New("serialization error")

	// subscription or in-flight work was torn down with its scope
	ErrClosed = errors.New("closed")
)

func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassUnknown
	case errors.Is(err, ErrPermissionDenied):
		return ErrorClassPermission
	case errors.Is(err, ErrIndexUnavailable):
		return ErrorClassIndexUnavailable
	case errors.Is(err, ErrSerialization):
		return ErrorClassSerialization
	case errors.Is(err, ErrTransientNetwork),
		errors.Is(err, context.DeadlineExceeded):
		return ErrorClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassTransient
	}
	return ErrorClassUnknown
}

// treat everything non-terminal as retryable once connectivity returns
func isRetryable(err error) bool {
	switch ClassifyError(err) {
	case ErrorClassPermission, ErrorClassIndexUnavailable:
		return false
	default:
		return true
	}
}
