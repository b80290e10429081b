package internal

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
)

// rateClass groups routes with a shared per-IP budget. Standard classes fail
// open when the shared KV is unreachable; heavy classes fail closed because
// their routes fan out to paid upstreams.
type rateClass struct {
	name     string
	limit    int
	window   time.Duration
	failOpen bool
}

var (
	classStandard = rateClass{name: "standard", limit: 100, window: time.Minute, failOpen: true}
	classSearch   = rateClass{name: "search", limit: 60, window: time.Minute, failOpen: true}
	classWrite    = rateClass{name: "write", limit: 30, window: time.Minute, failOpen: true}
	classHeavy    = rateClass{name: "heavy", limit: 10, window: time.Minute, failOpen: false}
)

// rateLimiter enforces per-(class, client IP) request budgets over fixed
// windows in the shared KV.
type rateLimiter struct {
	kv keyval
}

func newRateLimiter(kv keyval) *rateLimiter {
	return &rateLimiter{kv: kv}
}

// rateStatus is what a single check observed, surfaced to clients through
// X-RateLimit headers.
type rateStatus struct {
	limit     int
	remaining int
	reset     time.Time
}

// check spends one request from the caller's window. The returned status is
// valid even when the budget is exhausted.
func (rl *rateLimiter) check(r *http.Request, class rateClass) (rateStatus, error) {
	ip := clientIP(r)
	key := fmt.Sprintf("rl:%s:%s", class.name, ip)

	count, remaining, err := rl.kv.IncrWindow(r.Context(), key, class.window)
	if err != nil {
		if class.failOpen {
			Log(r.Context()).Warn("rate limit store unavailable, failing open", "class", class.name, "err", err)
			return rateStatus{limit: class.limit, remaining: class.limit, reset: time.Now().Add(class.window)}, nil
		}
		return rateStatus{limit: class.limit, reset: time.Now().Add(class.window)}, errUnavailable
	}

	status := rateStatus{
		limit:     class.limit,
		remaining: max(class.limit-int(count), 0),
		reset:     time.Now().Add(remaining),
	}
	if int(count) > class.limit {
		return status, retryAfterErr{after: remaining}
	}
	return status, nil
}

// limit wraps a handler with the class's budget. 429 responses carry
// Retry-After; all responses carry the X-RateLimit triple.
func (rl *rateLimiter) limit(class rateClass, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := rl.check(r, class)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(status.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(status.remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(status.reset.Unix(), 10))

		if err != nil {
			if after, ok := retryAfterHint(err); ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(after.Seconds())+1))
			}
			writeError(w, r, err)
			return
		}
		next(w, r)
	}
}

// clientIP prefers the forwarded address set by our edge, falling back to the
// socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for idx := range len(fwd) {
			if fwd[idx] == ',' {
				return fwd[:idx]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// errorBody is the generic error envelope. No internals leak: just the status
// text, the request ID for correlation, and a retry hint when we have one.
type errorBody struct {
	Error      string `json:"error"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatusFor(err)
	body := errorBody{
		Error:     http.StatusText(status),
		RequestID: requestIDFromContext(r.Context()),
	}
	if after, ok := retryAfterHint(err); ok {
		body.RetryAfter = int(after.Seconds()) + 1
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(body)
}
