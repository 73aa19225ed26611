package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for the HTTP layer.
type Kind string

const (
	// KindAdmissionRejected means capacity was exceeded; the caller should
	// retry later with backoff. Never retried internally.
	KindAdmissionRejected Kind = "admission_rejected"

	// KindSessionExpired means the reconnection grace window lapsed and the
	// caller must establish a new session.
	KindSessionExpired Kind = "session_expired"

	// KindBackendTimeout means the model backend did not answer within the
	// caller-supplied timeout.
	KindBackendTimeout Kind = "backend_timeout"

	// KindAgentUnavailable means the model backend failed twice for a turn.
	KindAgentUnavailable Kind = "agent_unavailable"

	// KindInvalidState means an operation was attempted on a closed
	// connection handle.
	KindInvalidState Kind = "invalid_state"

	// KindStoreConflict is internal to memory consolidation races. It is
	// resolved by rescheduling the affected group and never surfaced.
	KindStoreConflict Kind = "store_conflict"

	// KindInternal covers everything else.
	KindInternal Kind = "internal"
)

// Error carries a kind plus a human-readable message so the UI layer can
// render it without knowing internal cause.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf extracts the kind from err, or KindInternal for plain errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAdmissionRejected:
		return http.StatusTooManyRequests
	case KindSessionExpired:
		return http.StatusGone
	case KindBackendTimeout:
		return http.StatusGatewayTimeout
	case KindAgentUnavailable:
		return http.StatusBadGateway
	case KindInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
