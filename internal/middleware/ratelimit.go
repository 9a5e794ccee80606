package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dicomkit/dicomweb-server/internal/config"
)

type window struct {
	start time.Time
	count int
}

// RateLimiter enforces a fixed-window request cap per client identity.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	max     int
	span    time.Duration
	limitBy config.RateLimitKey
	now     func() time.Time
}

// NewRateLimiter creates the limiter from its config.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*window),
		max:     cfg.MaxRequests,
		span:    time.Duration(cfg.WindowSeconds) * time.Second,
		limitBy: cfg.LimitBy,
		now:     time.Now,
	}
}

func (l *RateLimiter) identity(r *http.Request) string {
	if l.limitBy == config.LimitByAPIKey {
		if key := r.Header.Get("X-API-Key"); key != "" {
			return "key:" + key
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Allow consumes one slot for the identity; the second result is the
// remaining window when denied.
func (l *RateLimiter) Allow(id string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[id]
	if !ok || now.Sub(w.start) >= l.span {
		l.windows[id] = &window{start: now, count: 1}
		return true, 0
	}
	if w.count >= l.max {
		return false, l.span - now.Sub(w.start)
	}
	w.count++
	return true, 0
}

// Middleware rejects over-limit requests with 429 and a Retry-After.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryIn := l.Allow(l.identity(r))
		if !ok {
			seconds := int(retryIn/time.Second) + 1
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "rate_limited",
				"message": "request rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ConcurrencyLimit caps in-flight requests; excess requests get 503.
func ConcurrencyLimit(max int) func(http.Handler) http.Handler {
	sem := make(chan struct{}, max)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				next.ServeHTTP(w, r)
			default:
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "overloaded",
					"message": "too many concurrent requests",
				})
			}
		})
	}
}
