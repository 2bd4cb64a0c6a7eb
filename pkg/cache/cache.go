// Package cache provides a small in-memory TTL cache. Entries expire lazily
// on read; nothing is persisted across restarts.
package cache

import (
	"sync"
	"time"
)

// TTL tiers used across the engine. Raw responses go stale within a minute,
// resolved aggregates are good for an hour and billing results barely move.
const (
	TTLShort  = time.Minute
	TTLMedium = time.Hour
	TTLLong   = 24 * time.Hour
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// Store is a concurrency-safe map of keys to values with per-entry TTLs.
type Store[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]

	// now is replaceable in tests
	now func() time.Time
}

// NewStore returns an empty store.
func NewStore[V any]() *Store[V] {
	return &Store[V]{
		entries: make(map[string]entry[V]),
		now:     time.Now,
	}
}

// Get returns the cached value for key if present and not expired. Expired
// entries are removed on access.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if s.now().After(e.expires) {
		delete(s.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key for ttl.
func (s *Store[V]) Put(key string, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry[V]{value: value, expires: s.now().Add(ttl)}
}

// Forget removes key, if present.
func (s *Store[V]) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Purge removes every entry.
func (s *Store[V]) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry[V])
}

// Len returns the number of entries, counting ones that expired but have not
// been read since.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SetNow replaces the store's clock. Only for tests.
func (s *Store[V]) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
