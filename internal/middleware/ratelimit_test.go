package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dicomkit/dicomweb-server/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterFixedWindow(t *testing.T) {
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(config.RateLimitConfig{MaxRequests: 2, WindowSeconds: 60, LimitBy: config.LimitByClientIP})
	l.now = func() time.Time { return clock }

	ok, _ := l.Allow("ip:10.0.0.1")
	assert.True(t, ok)
	ok, _ = l.Allow("ip:10.0.0.1")
	assert.True(t, ok)

	ok, retryIn := l.Allow("ip:10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, retryIn)

	// Another identity has its own window.
	ok, _ = l.Allow("ip:10.0.0.2")
	assert.True(t, ok)

	// The window resets after it elapses.
	clock = clock.Add(61 * time.Second)
	ok, _ = l.Allow("ip:10.0.0.1")
	assert.True(t, ok)
}

func TestRateLimiterMiddlewareResponds429(t *testing.T) {
	l := NewRateLimiter(config.RateLimitConfig{MaxRequests: 1, WindowSeconds: 60, LimitBy: config.LimitByClientIP})
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/dicom-web/studies", nil)
	req.RemoteAddr = "10.0.0.1:4711"

	first := httptest.NewRecorder()
	h.ServeHTTP(first, req)
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Contains(t, second.Body.String(), "rate_limited")
}

func TestRateLimiterIdentityByAPIKey(t *testing.T) {
	l := NewRateLimiter(config.RateLimitConfig{MaxRequests: 1, WindowSeconds: 60, LimitBy: config.LimitByAPIKey})

	keyed := httptest.NewRequest(http.MethodGet, "/", nil)
	keyed.Header.Set("X-API-Key", "alpha")
	assert.Equal(t, "key:alpha", l.identity(keyed))

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	bare.RemoteAddr = "10.0.0.9:1234"
	assert.Equal(t, "ip:10.0.0.9", l.identity(bare), "missing key falls back to the client IP")
}

func TestConcurrencyLimitSheds(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	h := ConcurrencyLimit(1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never entered the handler")
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "overloaded")

	close(release)
	wg.Wait()
}
