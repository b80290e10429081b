package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// statusErr propagates an HTTP status code as an error so upstream responses
// can be classified without inspecting bodies at every call site.
type statusErr int

var (
	errBadRequest  = statusErr(http.StatusBadRequest)
	errNotFound    = statusErr(http.StatusNotFound)
	errRateLimited = statusErr(http.StatusTooManyRequests)
	errUnavailable = statusErr(http.StatusServiceUnavailable)
)

func (e statusErr) Error() string {
	return fmt.Sprintf("%d %s", int(e), http.StatusText(int(e)))
}

// Status returns the underlying HTTP status code.
func (e statusErr) Status() int {
	return int(e)
}

var (
	// errQuotaExhausted marks a provider that spent its daily budget. The
	// provider stays registered but is skipped until the next UTC day.
	errQuotaExhausted = errors.New("daily quota exhausted")

	// errAuthFailed marks a provider whose credentials were rejected. Not
	// retryable; the provider is disabled until an operator intervenes.
	errAuthFailed = errors.New("upstream authentication failed")

	// errConflict is returned when an insert hits an existing unique key.
	// Find-or-create callers treat it as success and re-read the row.
	errConflict = errors.New("duplicate key")
)

// retryAfterErr is a rate-limit error carrying the delay the upstream asked
// for. It unwraps to errRateLimited so classification stays uniform.
type retryAfterErr struct {
	after time.Duration
}

func (e retryAfterErr) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.after)
}

func (e retryAfterErr) Unwrap() error {
	return errRateLimited
}

// retryAfterHint extracts the upstream-requested delay, if any.
func retryAfterHint(err error) (time.Duration, bool) {
	var ra retryAfterErr
	if errors.As(err, &ra) {
		return ra.after, true
	}
	return 0, false
}

// isNotFound reports whether the upstream said "no such thing". Not an error
// for our purposes; callers surface it as an empty success.
func isNotFound(err error) bool {
	var s statusErr
	return errors.As(err, &s) && s.Status() == http.StatusNotFound
}

// isAuthErr reports credential failures.
func isAuthErr(err error) bool {
	if errors.Is(err, errAuthFailed) {
		return true
	}
	var s statusErr
	if !errors.As(err, &s) {
		return false
	}
	return s.Status() == http.StatusUnauthorized || s.Status() == http.StatusForbidden
}

// isRateLimited reports upstream 429s.
func isRateLimited(err error) bool {
	var s statusErr
	return errors.As(err, &s) && s.Status() == http.StatusTooManyRequests
}

// isRetryable reports whether a retry could plausibly succeed. Timeouts,
// transient network failures, upstream 5XXs, rate limits, and exhausted
// quotas all qualify. Validation failures, 404s, bad credentials, and
// cancellation do not.
func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case isAuthErr(err) || isNotFound(err):
		return false
	case errors.Is(err, errBadRequest):
		return false
	case isRateLimited(err) || errors.Is(err, errQuotaExhausted):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var s statusErr
	if errors.As(err, &s) {
		return s.Status() >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Anything unclassified is assumed to be transient; the queue's retry
	// budget bounds how long we keep believing that.
	return true
}

// httpStatusFor maps an error onto the status code we respond with. Upstream
// failures are never parroted verbatim: their 5XXs are our 502.
func httpStatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var s statusErr
	switch {
	case errors.As(err, &s):
		if s.Status() >= 500 {
			return http.StatusBadGateway
		}
		return s.Status()
	case errors.Is(err, errQuotaExhausted), errors.Is(err, errAuthFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
