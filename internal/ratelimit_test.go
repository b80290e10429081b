package internal

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterEnforcesWindow(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(newMemoryKV())
	class := rateClass{name: "test", limit: 3, window: time.Minute, failOpen: true}

	handler := rl.limit(class, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for i := range 3 {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/editions/9780439064873", nil)
		r.RemoteAddr = "10.0.0.1:50000"
		handler(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(2-i), w.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/editions/9780439064873", nil)
	r.RemoteAddr = "10.0.0.1:50000"
	handler(w, r)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// A different client has its own budget.
	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/editions/9780439064873", nil)
	r.RemoteAddr = "10.0.0.2:50000"
	handler(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiterFailOpen(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(brokenKV{})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/editions/9780439064873", nil)
	rl.limit(classStandard, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})(w, r)

	// Standard classes serve through a KV outage.
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiterFailClosed(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(brokenKV{})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/generate/books", nil)
	rl.limit(classHeavy, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})(w, r)

	// Heavy routes fan out to paid upstreams; without the limiter they don't
	// serve.
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:1234"
	assert.Equal(t, "192.0.2.7", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", clientIP(r))

	// Only the first hop counts; proxies append.
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1, 10.0.0.2")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}
