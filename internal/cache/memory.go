package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dicomkit/dicomweb-server/internal/metrics"
)

type memoryEntry struct {
	key       string
	entry     *Entry
	expiresAt time.Time
	elem      *list.Element
}

// MemoryStore is the in-memory EntryStore: lazy TTL expiry plus FIFO
// eviction when the entry or byte budget is exceeded.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	order      *list.List // front = oldest
	totalBytes int64
	maxEntries int
	maxBytes   int64
	evictions  atomic.Uint64
}

// NewMemoryStore creates the store. Zero limits mean unlimited.
func NewMemoryStore(maxEntries int, maxBytes int64) *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]*memoryEntry),
		order:      list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

// Get returns the entry or ErrCacheMiss; expired entries are removed.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	me, ok := s.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if time.Now().After(me.expiresAt) {
		s.remove(me)
		return nil, ErrCacheMiss
	}
	return me.entry, nil
}

// Set stores the entry, evicting oldest entries to stay within budget.
func (s *MemoryStore) Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.remove(old)
	}
	me := &memoryEntry{key: key, entry: e, expiresAt: time.Now().Add(ttl)}
	me.elem = s.order.PushBack(me)
	s.entries[key] = me
	s.totalBytes += int64(len(e.Body))

	for s.overBudget() {
		oldest := s.order.Front()
		if oldest == nil || oldest.Value.(*memoryEntry) == me {
			break
		}
		s.remove(oldest.Value.(*memoryEntry))
		s.evictions.Add(1)
		metrics.CacheEvictions.Inc()
	}
	return nil
}

func (s *MemoryStore) overBudget() bool {
	if s.maxEntries > 0 && len(s.entries) > s.maxEntries {
		return true
	}
	if s.maxBytes > 0 && s.totalBytes > s.maxBytes {
		return true
	}
	return false
}

func (s *MemoryStore) remove(me *memoryEntry) {
	delete(s.entries, me.key)
	s.order.Remove(me.elem)
	s.totalBytes -= int64(len(me.entry.Body))
}

// InvalidatePath removes entries whose path contains substr.
func (s *MemoryStore) InvalidatePath(ctx context.Context, substr string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, me := range s.entries {
		if strings.Contains(me.entry.Path, substr) {
			s.remove(me)
			removed++
		}
	}
	return removed, nil
}

// Flush drops everything.
func (s *MemoryStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*memoryEntry)
	s.order.Init()
	s.totalBytes = 0
	return nil
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Evictions returns the eviction counter.
func (s *MemoryStore) Evictions() uint64 { return s.evictions.Load() }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
