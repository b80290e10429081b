package internal

import (
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// throttledTransport rate limits requests. A 403 or 429 from the upstream
// temporarily drops the limit to 1RPM before restoring it.
type throttledTransport struct {
	http.RoundTripper
	*rate.Limiter
}

func (t throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(r.Context()); err != nil {
		return nil, err
	}
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		Log(r.Context()).Warn("backing off after upstream throttle",
			"status", resp.StatusCode, "limit", t.Limiter.Limit(), "tokens", t.Limiter.Tokens())
		orig := t.Limiter.Limit()
		t.Limiter.SetLimit(rate.Every(time.Hour / 60))          // 1RPM
		t.Limiter.SetLimitAt(time.Now().Add(time.Minute), orig) // Restore
	}

	return resp, nil
}

// ScopedTransport restricts requests to a particular host.
type ScopedTransport struct {
	Host string
	http.RoundTripper
}

// RoundTrip forces the request to stick to the given host, so redirects can't
// send us elsewhere. Helpful to ensuring credentials don't leak to other
// domains.
func (t ScopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = "https"
	r.URL.Host = t.Host
	return t.RoundTripper.RoundTrip(r)
}

// HeaderTransport adds a header to all requests. Best used with a
// ScopedTransport.
type HeaderTransport struct {
	Key   string
	Value string
	http.RoundTripper
}

// RoundTrip always sets the header on the request.
func (t *HeaderTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.Header.Add(t.Key, t.Value)
	return t.RoundTripper.RoundTrip(r)
}

// quotaTransport spends one unit of the provider's daily quota before each
// request goes out. Requests fail with errQuotaExhausted once the budget is
// spent; the counter resets at the next UTC day.
type quotaTransport struct {
	ledger   *quotaLedger
	provider string
	http.RoundTripper
}

func (t quotaTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.ledger != nil {
		if err := t.ledger.Spend(r.Context(), t.provider); err != nil {
			return nil, err
		}
	}
	return t.RoundTripper.RoundTrip(r)
}

// errorProxyTransport returns a non-nil statusErr for all response codes 400
// and above so call sites never have to inspect bodies. 429s carry the
// upstream's Retry-After hint when one is present.
type errorProxyTransport struct {
	http.RoundTripper
}

func (t errorProxyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			_ = resp.Body.Close()
			return nil, retryAfterErr{after: after}
		}
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, statusErr(resp.StatusCode)
	}
	return resp, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}

// upstreamOpts configures NewUpstreamClient.
type upstreamOpts struct {
	host      string
	rps       rate.Limit // 0 means unthrottled.
	headerKey string
	headerVal string
	ledger    *quotaLedger
	provider  string
	timeout   time.Duration
}

// NewUpstreamClient assembles an http.Client from our transport middlewares:
// scoped host → auth header → quota hook → throttle → error proxy. Every
// provider talks to its upstream through one of these.
func NewUpstreamClient(opts upstreamOpts) *http.Client {
	var rt http.RoundTripper = errorProxyTransport{http.DefaultTransport}
	if opts.rps > 0 {
		rt = throttledTransport{
			RoundTripper: rt,
			Limiter:      rate.NewLimiter(opts.rps, 1),
		}
	}
	if opts.ledger != nil {
		rt = quotaTransport{ledger: opts.ledger, provider: opts.provider, RoundTripper: rt}
	}
	if opts.headerKey != "" {
		rt = &HeaderTransport{Key: opts.headerKey, Value: opts.headerVal, RoundTripper: rt}
	}
	if opts.host != "" {
		rt = ScopedTransport{Host: opts.host, RoundTripper: rt}
	}
	return &http.Client{Transport: rt, Timeout: opts.timeout}
}

// roundTripperFunc adapts a function into an http.RoundTripper for tests.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
