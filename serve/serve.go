// Package serve defines the errors returned to clients of the entropy
// server and maps internal failures onto them.
package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Thiagojm/qrngd/pool"
	"github.com/Thiagojm/qrngd/ratelimit"
)

// Kind classifies a client-facing failure.
type Kind int

const (
	Unauthorized Kind = iota + 1
	RateLimited
	DeviceUnavailable
	Timeout
	InvalidRequest
	Shutdown
)

var kindNames = map[Kind]string{
	Unauthorized:      "unauthorized",
	RateLimited:       "rate_limited",
	DeviceUnavailable: "device_unavailable",
	Timeout:           "timeout",
	InvalidRequest:    "invalid_request",
	Shutdown:          "shutdown",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// HTTPStatus returns the status code a transport should answer with.
func (k Kind) HTTPStatus() int {
	switch k {
	case Unauthorized:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	case DeviceUnavailable, Shutdown:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	case InvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is a failure reported to a client.
type Error struct {
	Kind Kind
	// RetryAfter is set for RateLimited.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf returns an *Error of kind k.
func Errorf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// As returns the *Error wrapped in err, if any.
func As(err error) (*Error, bool) {
	var se *Error
	ok := errors.As(err, &se)
	return se, ok
}

// Wrap maps an internal error onto the client taxonomy. Errors that are
// already an *Error are returned unchanged; unknown errors become
// DeviceUnavailable.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	if se, ok := As(err); ok {
		return se
	}
	if ex, ok := ratelimit.AsExhausted(err); ok {
		return &Error{Kind: RateLimited, RetryAfter: ex.RetryAfter, Err: err}
	}
	switch {
	case errors.Is(err, ratelimit.ErrUnauthorized):
		return &Error{Kind: Unauthorized, Err: err}
	case errors.Is(err, ratelimit.ErrRequestTooLarge):
		return &Error{Kind: InvalidRequest, Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, pool.ErrEmpty):
		return &Error{Kind: Timeout, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, pool.ErrClosed):
		return &Error{Kind: Shutdown, Err: err}
	default:
		return &Error{Kind: DeviceUnavailable, Err: err}
	}
}
