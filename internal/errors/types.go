// Package errors classifies failures for retry and circuit-breaking
// decisions. Explicit markers win; HTTP statuses and network errno
// heuristics cover errors that arrive unmarked.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// TransientError marks an error as safe to retry. RetryAfter, when set,
// overrides the backoff schedule with a server-suggested wait.
type TransientError struct {
	Err        error
	StatusCode int
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an error as not worth retrying.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// NewTransientError marks err as safe to retry.
func NewTransientError(err error) *TransientError { return &TransientError{Err: err} }

// NewPermanentError marks err as not worth retrying.
func NewPermanentError(err error) *PermanentError { return &PermanentError{Err: err} }

// StatusError carries the HTTP status of a failed outbound call so callers
// can classify it without parsing error strings.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// HTTPStatus implements the statusCoder contract used by classification.
func (e *StatusError) HTTPStatus() int { return e.Code }

type statusCoder interface {
	HTTPStatus() int
}

var transientStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

var permanentStatuses = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusUnauthorized:        true,
	http.StatusForbidden:           true,
	http.StatusNotFound:            true,
	http.StatusMethodNotAllowed:    true,
	http.StatusConflict:            true,
	http.StatusGone:                true,
	http.StatusUnprocessableEntity: true,
}

// IsTransient reports whether err is worth retrying. Unclassifiable
// errors are not transient, so a wrong guess cannot retry forever.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	if code := httpStatusOf(err); code > 0 {
		return transientStatuses[code]
	}
	return isNetworkError(err) || isTransientErrno(err)
}

// IsPermanent reports whether err should never be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return true
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return false
	}

	if code := httpStatusOf(err); code > 0 {
		return permanentStatuses[code]
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range permanentMessagePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

var permanentMessagePatterns = []string{
	"not found",
	"permission denied",
	"invalid",
	"unauthorized",
	"forbidden",
	"bad request",
	"already exists",
}

var networkErrorPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"deadline exceeded",
	"no such host",
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() || dnsErr.IsTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range networkErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func isTransientErrno(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
		syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
		return true
	}
	return false
}

func httpStatusOf(err error) int {
	var coder statusCoder
	if errors.As(err, &coder) {
		return coder.HTTPStatus()
	}
	var transient *TransientError
	if errors.As(err, &transient) && transient.StatusCode > 0 {
		return transient.StatusCode
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) && permanent.StatusCode > 0 {
		return permanent.StatusCode
	}
	return 0
}
