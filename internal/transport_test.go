package internal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func cannedResponse(status int, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func TestErrorProxyTransport(t *testing.T) {
	t.Parallel()

	status := http.StatusOK
	header := http.Header{}
	rt := errorProxyTransport{roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return cannedResponse(status, header), nil
	})}
	req, err := http.NewRequest(http.MethodGet, "https://api2.isbndb.com/book/9780439064873", nil)
	require.NoError(t, err)

	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status = http.StatusInternalServerError
	_, err = rt.RoundTrip(req)
	assert.ErrorIs(t, err, statusErr(http.StatusInternalServerError))

	status = http.StatusTooManyRequests
	_, err = rt.RoundTrip(req)
	assert.ErrorIs(t, err, errRateLimited)

	// A Retry-After hint rides along on the error.
	header.Set("Retry-After", "7")
	_, err = rt.RoundTrip(req)
	assert.ErrorIs(t, err, errRateLimited)
	var ra retryAfterErr
	require.ErrorAs(t, err, &ra)
	assert.Equal(t, 7*time.Second, ra.after)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))

	at := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	parsed := parseRetryAfter(at)
	assert.Greater(t, parsed, 50*time.Second)
	assert.LessOrEqual(t, parsed, time.Minute)
}

func TestHeaderTransport(t *testing.T) {
	t.Parallel()

	var got string
	rt := &HeaderTransport{
		Key:   "Authorization",
		Value: "secret-key",
		RoundTripper: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			got = r.Header.Get("Authorization")
			return cannedResponse(http.StatusOK, nil), nil
		}),
	}
	req, err := http.NewRequest(http.MethodGet, "https://api2.isbndb.com/book/x", nil)
	require.NoError(t, err)

	_, err = rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, "secret-key", got)
}

func TestScopedTransport(t *testing.T) {
	t.Parallel()

	var got string
	rt := ScopedTransport{
		Host: "api2.isbndb.com",
		RoundTripper: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			got = r.URL.String()
			return cannedResponse(http.StatusOK, nil), nil
		}),
	}
	// A redirect pointing elsewhere is forced back to the scoped host.
	req, err := http.NewRequest(http.MethodGet, "http://evil.example.com/book/x", nil)
	require.NoError(t, err)

	_, err = rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, "https://api2.isbndb.com/book/x", got)
}

func TestQuotaTransport(t *testing.T) {
	t.Parallel()

	ledger := newQuotaLedger(newMemoryKV(), map[string]int{"isbndb": 2})
	calls := 0
	rt := quotaTransport{
		ledger:   ledger,
		provider: "isbndb",
		RoundTripper: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			calls++
			return cannedResponse(http.StatusOK, nil), nil
		}),
	}
	req, err := http.NewRequest(http.MethodGet, "https://api2.isbndb.com/book/x", nil)
	require.NoError(t, err)

	for range 2 {
		_, err := rt.RoundTrip(req)
		require.NoError(t, err)
	}

	// The budget is spent before the call goes out.
	_, err = rt.RoundTrip(req)
	assert.ErrorIs(t, err, errQuotaExhausted)
	assert.Equal(t, 2, calls)
}

func TestThrottledTransportBacksOff(t *testing.T) {
	t.Parallel()

	limiter := rate.NewLimiter(100, 1)
	rt := throttledTransport{
		RoundTripper: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			return cannedResponse(http.StatusTooManyRequests, nil), nil
		}),
		Limiter: limiter,
	}
	req, err := http.NewRequest(http.MethodGet, "https://openlibrary.org/x", nil)
	require.NoError(t, err)

	_, err = rt.RoundTrip(req)
	require.NoError(t, err)

	// An upstream throttle drops us to 1RPM until the restore kicks in.
	assert.Equal(t, rate.Every(time.Hour/60), limiter.Limit())
}

func TestUpstreamClientChainOrder(t *testing.T) {
	t.Parallel()

	client := NewUpstreamClient(upstreamOpts{
		host:      "api2.isbndb.com",
		headerKey: "Authorization",
		headerVal: "key",
		ledger:    newQuotaLedger(newMemoryKV(), map[string]int{"isbndb": 1}),
		provider:  "isbndb",
		timeout:   5 * time.Second,
	})

	// Outermost wrapper pins the host before anything else runs.
	scoped, ok := client.Transport.(ScopedTransport)
	require.True(t, ok)
	assert.Equal(t, "api2.isbndb.com", scoped.Host)

	header, ok := scoped.RoundTripper.(*HeaderTransport)
	require.True(t, ok)
	assert.Equal(t, "Authorization", header.Key)

	quota, ok := header.RoundTripper.(quotaTransport)
	require.True(t, ok)
	assert.Equal(t, "isbndb", quota.provider)

	_, ok = quota.RoundTripper.(errorProxyTransport)
	assert.True(t, ok)
}

func TestQuotaLedgerSpendAndExhaust(t *testing.T) {
	t.Parallel()

	ledger := newQuotaLedger(newMemoryKV(), map[string]int{"isbndb": 3})

	assert.False(t, ledger.Exhausted(t.Context(), "isbndb"))
	for range 3 {
		require.NoError(t, ledger.Spend(t.Context(), "isbndb"))
	}

	// Exhausted never consumes budget; Spend past the ceiling fails.
	assert.True(t, ledger.Exhausted(t.Context(), "isbndb"))
	assert.True(t, ledger.Exhausted(t.Context(), "isbndb"))
	assert.ErrorIs(t, ledger.Spend(t.Context(), "isbndb"), errQuotaExhausted)
}

func TestQuotaLedgerResetsNextDay(t *testing.T) {
	t.Parallel()

	ledger := newQuotaLedger(newMemoryKV(), map[string]int{"isbndb": 1})

	require.NoError(t, ledger.Spend(t.Context(), "isbndb"))
	assert.ErrorIs(t, ledger.Spend(t.Context(), "isbndb"), errQuotaExhausted)

	// Counters are day-bucketed on UTC dates.
	ledger.now = func() time.Time { return time.Now().UTC().Add(24 * time.Hour) }
	assert.False(t, ledger.Exhausted(t.Context(), "isbndb"))
	assert.NoError(t, ledger.Spend(t.Context(), "isbndb"))
}

func TestQuotaLedgerUnlimitedProvider(t *testing.T) {
	t.Parallel()

	ledger := newQuotaLedger(newMemoryKV(), map[string]int{"isbndb": 1})

	for range 50 {
		require.NoError(t, ledger.Spend(t.Context(), "openlibrary"))
	}
	assert.False(t, ledger.Exhausted(t.Context(), "openlibrary"))
}

func TestQuotaLedgerAdvisoryOnKVFailure(t *testing.T) {
	t.Parallel()

	ledger := newQuotaLedger(brokenKV{}, map[string]int{"isbndb": 1})

	// The ledger is advisory: a KV outage never blocks outbound calls.
	for range 5 {
		assert.NoError(t, ledger.Spend(t.Context(), "isbndb"))
	}
}

// brokenKV fails every operation.
type brokenKV struct{}

var _ keyval = brokenKV{}

func (brokenKV) GetWithTTL(context.Context, string) ([]byte, time.Duration, bool) {
	return nil, 0, false
}

func (brokenKV) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("kv down")
}

func (brokenKV) Delete(context.Context, string) error { return errors.New("kv down") }

func (brokenKV) IncrWindow(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("kv down")
}
