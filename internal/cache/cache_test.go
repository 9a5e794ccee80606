package cache_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dicomkit/dicomweb-server/internal/cache"
	"github.com/dicomkit/dicomweb-server/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintNormalizesQueryOrder(t *testing.T) {
	a := httptest.NewRequest("GET", "/dicom-web/studies?PatientName=DOE&limit=10", nil)
	b := httptest.NewRequest("GET", "/dicom-web/studies?limit=10&PatientName=DOE", nil)
	assert.Equal(t, cache.Fingerprint(a), cache.Fingerprint(b))
}

func TestFingerprintVariesOnNegotiationHeaders(t *testing.T) {
	base := httptest.NewRequest("GET", "/dicom-web/studies", nil)

	other := httptest.NewRequest("GET", "/dicom-web/studies", nil)
	other.Header.Set("Accept", "application/json")
	assert.NotEqual(t, cache.Fingerprint(base), cache.Fingerprint(other))

	charset := httptest.NewRequest("GET", "/dicom-web/studies", nil)
	charset.Header.Set("Accept-Charset", "iso-8859-1")
	assert.NotEqual(t, cache.Fingerprint(base), cache.Fingerprint(charset))

	path := httptest.NewRequest("GET", "/dicom-web/studies/1.2.3", nil)
	assert.NotEqual(t, cache.Fingerprint(base), cache.Fingerprint(path))
}

func TestETagForIsWeakAndStable(t *testing.T) {
	etag := cache.ETagFor([]byte("body"))
	assert.True(t, strings.HasPrefix(etag, `W/"`))
	assert.True(t, strings.HasSuffix(etag, `"`))
	assert.Equal(t, etag, cache.ETagFor([]byte("body")))
	assert.NotEqual(t, etag, cache.ETagFor([]byte("other")))
}

func TestResponseCacheLookupStore(t *testing.T) {
	store := cache.NewMemoryStore(10, 0)
	rc := cache.New(store, config.CacheConfig{Enabled: true, DefaultTTL: time.Minute})
	ctx := context.Background()

	assert.Nil(t, rc.Lookup(ctx, "k1"), "cold cache misses")

	entry := rc.Store(ctx, "k1", &cache.Entry{Path: "/dicom-web/studies", Body: []byte(`[]`)})
	require.NotEmpty(t, entry.ETag)

	got := rc.Lookup(ctx, "k1")
	require.NotNil(t, got)
	assert.Equal(t, entry.ETag, got.ETag)
	assert.Equal(t, []byte(`[]`), got.Body)

	stats := rc.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestDisabledCacheNeverHits(t *testing.T) {
	rc := cache.New(nil, config.CacheConfig{Enabled: false})
	ctx := context.Background()

	entry := rc.Store(ctx, "k1", &cache.Entry{Body: []byte("x")})
	assert.NotEmpty(t, entry.ETag, "validators are still derived when disabled")
	assert.Nil(t, rc.Lookup(ctx, "k1"))
	assert.False(t, rc.Enabled())
}

func TestInvalidateByPath(t *testing.T) {
	store := cache.NewMemoryStore(10, 0)
	rc := cache.New(store, config.CacheConfig{Enabled: true, DefaultTTL: time.Minute})
	ctx := context.Background()

	rc.Store(ctx, "k1", &cache.Entry{Path: "/dicom-web/studies/1.2.3/metadata", Body: []byte("a")})
	rc.Store(ctx, "k2", &cache.Entry{Path: "/dicom-web/workitems", Body: []byte("b")})

	rc.Invalidate(ctx, "/studies")
	assert.Nil(t, rc.Lookup(ctx, "k1"))
	assert.NotNil(t, rc.Lookup(ctx, "k2"))

	rc.InvalidateAll(ctx)
	assert.Nil(t, rc.Lookup(ctx, "k2"))
}

func TestMemoryStoreTTL(t *testing.T) {
	store := cache.NewMemoryStore(10, 0)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", &cache.Entry{Body: []byte("x")}, 10*time.Millisecond))
	_, err := store.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
	assert.Equal(t, 0, store.Len(), "expired entry is removed on read")
}

func TestMemoryStoreEvictsOldestByCount(t *testing.T) {
	store := cache.NewMemoryStore(2, 0)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", &cache.Entry{Body: []byte("1")}, time.Minute))
	require.NoError(t, store.Set(ctx, "b", &cache.Entry{Body: []byte("2")}, time.Minute))
	require.NoError(t, store.Set(ctx, "c", &cache.Entry{Body: []byte("3")}, time.Minute))

	_, err := store.Get(ctx, "a")
	assert.ErrorIs(t, err, cache.ErrCacheMiss, "oldest entry evicted")
	_, err = store.Get(ctx, "c")
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), store.Evictions())
}

func TestMemoryStoreEvictsByBytes(t *testing.T) {
	store := cache.NewMemoryStore(0, 10)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", &cache.Entry{Body: []byte("12345")}, time.Minute))
	require.NoError(t, store.Set(ctx, "b", &cache.Entry{Body: []byte("12345")}, time.Minute))
	require.NoError(t, store.Set(ctx, "c", &cache.Entry{Body: []byte("123")}, time.Minute))

	_, err := store.Get(ctx, "a")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
	assert.Equal(t, 2, store.Len())
}
