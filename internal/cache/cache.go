// Package cache is the server-side response cache for safe DICOMweb reads:
// fingerprinted lookups, weak ETags and path-based invalidation.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dicomkit/dicomweb-server/internal/config"
	"github.com/dicomkit/dicomweb-server/internal/metrics"
)

// ErrCacheMiss is returned when a key is not found in cache
var ErrCacheMiss = fmt.Errorf("cache miss")

// Entry is one cached response.
type Entry struct {
	Path        string      `json:"path"`
	ContentType string      `json:"content_type"`
	Header      http.Header `json:"header,omitempty"`
	Body        []byte      `json:"body"`
	ETag        string      `json:"etag"`
	StoredAt    time.Time   `json:"stored_at"`
}

// EntryStore persists cache entries. Implementations are safe for concurrent
// use.
type EntryStore interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error
	// InvalidatePath removes every entry whose request path contains substr
	// and returns the number removed.
	InvalidatePath(ctx context.Context, substr string) (int, error)
	Flush(ctx context.Context) error
	Close() error
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// ResponseCache fronts an EntryStore with request fingerprinting, ETag
// derivation and hit/miss accounting. A disabled cache misses on every
// lookup and drops every store.
type ResponseCache struct {
	store   EntryStore
	ttl     time.Duration
	enabled bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates the response cache over the given store.
func New(store EntryStore, cfg config.CacheConfig) *ResponseCache {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ResponseCache{store: store, ttl: ttl, enabled: cfg.Enabled && store != nil}
}

// Enabled reports whether lookups and stores are live.
func (c *ResponseCache) Enabled() bool { return c.enabled }

// Fingerprint derives the cache key for a request: method, path, the query
// in sorted order, and the negotiation headers that shape the response body.
func Fingerprint(r *http.Request) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte('\n')
	b.WriteString(r.URL.Path)
	b.WriteByte('\n')

	q := r.URL.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
			b.WriteByte('&')
		}
	}
	b.WriteByte('\n')
	b.WriteString(r.Header.Get("Accept"))
	b.WriteByte('\n')
	b.WriteString(r.Header.Get("Accept-Charset"))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ETagFor derives the weak validator for a response body.
func ETagFor(body []byte) string {
	sum := sha256.Sum256(body)
	return `W/"` + hex.EncodeToString(sum[:8]) + `"`
}

// Lookup returns the cached entry for the key, or nil on a miss.
func (c *ResponseCache) Lookup(ctx context.Context, key string) *Entry {
	if !c.enabled {
		return nil
	}
	e, err := c.store.Get(ctx, key)
	if err != nil {
		c.misses.Add(1)
		metrics.CacheMisses.Inc()
		return nil
	}
	c.hits.Add(1)
	metrics.CacheHits.Inc()
	return e
}

// Store caches a response body and returns the entry with its ETag set.
// The returned entry is valid even when the cache is disabled, so handlers
// can still emit validators. Stored entries carry the Cache-Control
// directive so hits replay it.
func (c *ResponseCache) Store(ctx context.Context, key string, e *Entry) *Entry {
	e.ETag = ETagFor(e.Body)
	e.StoredAt = time.Now()
	if !c.enabled {
		return e
	}
	if e.Header == nil {
		e.Header = http.Header{}
	}
	e.Header.Set("Cache-Control", c.CacheControl())
	_ = c.store.Set(ctx, key, e, c.ttl)
	return e
}

// CacheControl is the directive advertised on cacheable responses.
func (c *ResponseCache) CacheControl() string {
	return fmt.Sprintf("public, max-age=%d", int(c.ttl.Seconds()))
}

// Invalidate drops every cached response whose path mentions the UID.
func (c *ResponseCache) Invalidate(ctx context.Context, uid string) {
	if !c.enabled || uid == "" {
		return
	}
	_, _ = c.store.InvalidatePath(ctx, uid)
}

// InvalidateAll drops the whole cache.
func (c *ResponseCache) InvalidateAll(ctx context.Context) {
	if !c.enabled {
		return
	}
	_ = c.store.Flush(ctx)
}

// Stats returns the hit/miss counters, plus evictions when the store
// tracks them.
func (c *ResponseCache) Stats() Stats {
	s := Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	if ec, ok := c.store.(interface{ Evictions() uint64 }); ok {
		s.Evictions = ec.Evictions()
	}
	return s
}
