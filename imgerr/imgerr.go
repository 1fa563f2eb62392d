// Package imgerr defines the error taxonomy surfaced to callers of the
// engine, per the spec's error handling design: every terminal
// delivery carries exactly one Kind, retries are never visible to a
// caller, and retryability is a pure function of Kind/status.
package imgerr

import "gitlab.com/NebulousLabs/errors"

// Kind classifies a terminal error delivered to a waiter.
type Kind int

const (
	// Unknown is the catch-all kind.
	Unknown Kind = iota
	// InvalidURL means the URL failed construction or was rejected by
	// the transport. Terminal, non-retryable.
	InvalidURL
	// NetworkError is a transport-level failure. Retryable per the
	// RetryPolicy.
	NetworkError
	// Timeout means a single attempt timed out. Retryable.
	Timeout
	// HTTPStatus is a non-2xx response. Retryable iff the status is
	// 429 or in [500, 599].
	HTTPStatus
	// Cancelled is a caller- or system-initiated cancellation.
	// Terminal.
	Cancelled
	// DecodingFailed means bytes arrived but could not be decoded.
	// Terminal.
	DecodingFailed
	// NotFound means the resource is absent (404, or a DiskStore probe
	// miss surfaced as an error in APIs that request it explicitly).
	NotFound
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case InvalidURL:
		return "InvalidURL"
	case NetworkError:
		return "NetworkError"
	case Timeout:
		return "Timeout"
	case HTTPStatus:
		return "HTTPStatus"
	case Cancelled:
		return "Cancelled"
	case DecodingFailed:
		return "DecodingFailed"
	case NotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// Error is the error type delivered to a waiter on terminal failure.
type Error struct {
	Kind       Kind
	StatusCode int // only meaningful when Kind == HTTPStatus
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

// Unwrap allows errors.Is/As (and gitlab.com/NebulousLabs/errors.Contains)
// to see through to the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// New wraps err (which may be nil) as a terminal Error of kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewHTTPStatus wraps an HTTP status code as a terminal Error.
func NewHTTPStatus(code int) *Error {
	return &Error{Kind: HTTPStatus, StatusCode: code, Err: errors.New("unexpected http status")}
}

// Retryable reports whether an error of this kind/status should be
// retried per the spec's retry policy classification:
//
//	Retryable:     transport failures, HTTP 5xx, HTTP 429, timeout.
//	Non-retryable: cancelled, invalid URL, HTTP 4xx other than 429.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case NetworkError, Timeout:
		return true
	case HTTPStatus:
		return e.StatusCode == 429 || (e.StatusCode >= 500 && e.StatusCode <= 599)
	default:
		return false
	}
}
