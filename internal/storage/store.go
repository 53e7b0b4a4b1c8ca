// Package storage provides the keyed in-memory stores behind a probe:
// one for tensor snapshots, one for metric series, one for breakpoint
// records. All three share the same generic map guarded by a single
// lock, with retention-based eviction swept synchronously at the end
// of every write.
package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/tensorlens/tensorlens/internal/metrics"
)

type entry[V any] struct {
	value     V
	updatedAt time.Time
	bytes     int
}

// Store is a named map with write-time retention sweeps. A retention
// of zero disables eviction. Writes and Get refresh an entry's
// last-access time; View, Range and the other read helpers do not. An
// entry older than the retention window disappears at the next write
// to any key.
type Store[V any] struct {
	mu        sync.RWMutex
	label     string
	retention time.Duration
	sizeOf    func(V) int
	now       func() time.Time

	items      map[string]*entry[V]
	totalBytes int64
}

// Usage reports the live footprint of a store.
type Usage struct {
	Count      int   `json:"count"`
	TotalBytes int64 `json:"total_bytes"`
}

// NewStore builds a store. label names the instance in metrics, and
// sizeOf estimates the resident bytes of one value (nil means zero).
func NewStore[V any](label string, retention time.Duration, sizeOf func(V) int) *Store[V] {
	if sizeOf == nil {
		sizeOf = func(V) int { return 0 }
	}
	return &Store[V]{
		label:     label,
		retention: retention,
		sizeOf:    sizeOf,
		now:       time.Now,
		items:     make(map[string]*entry[V]),
	}
}

// Get returns the value under name, refreshing its last-access time on
// hit. Entries past retention remain readable until the next write
// sweeps them.
func (s *Store[V]) Get(name string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[name]
	if !ok {
		var zero V
		return zero, false
	}
	e.updatedAt = s.now()
	return e.value, true
}

// Swap stores value under name and returns what it replaced. The
// retention sweep runs before the lock releases.
func (s *Store[V]) Swap(name string, value V) (prev V, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed = s.setLocked(name, value)
	s.sweepLocked()
	s.publishLocked()
	return prev, existed
}

// Upsert applies fn to the current value (zero when absent) and stores
// the result, all under one lock hold. fn must not call back into any
// store; the lock is not reentrant.
func (s *Store[V]) Upsert(name string, fn func(prev V, existed bool) V) V {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev V
	e, ok := s.items[name]
	if ok {
		prev = e.value
	}
	next := fn(prev, ok)
	s.setLocked(name, next)
	s.sweepLocked()
	s.publishLocked()
	return next
}

// Mutate applies fn to an existing entry under the write lock and
// stores the result, refreshing recency. Returns false without
// calling fn when name is absent. fn must not call back into any
// store.
func (s *Store[V]) Mutate(name string, fn func(V) V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[name]
	if !ok {
		return false
	}
	s.setLocked(name, fn(e.value))
	s.sweepLocked()
	s.publishLocked()
	return true
}

// View runs fn with the value under the read lock. fn must not mutate
// the value or call back into the store.
func (s *Store[V]) View(name string, fn func(V)) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[name]
	if !ok {
		return false
	}
	fn(e.value)
	return true
}

// Range runs fn with every entry under the read lock until fn returns
// false. Iteration order is not specified.
func (s *Store[V]) Range(fn func(name string, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, e := range s.items {
		if !fn(name, e.value) {
			return
		}
	}
}

// Remove deletes the entry under name.
func (s *Store[V]) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[name]
	if !ok {
		return false
	}
	s.totalBytes -= int64(e.bytes)
	delete(s.items, name)
	s.publishLocked()
	return true
}

// Names returns every key in sorted order.
func (s *Store[V]) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.items))
	for name := range s.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the live entry count.
func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Usage returns the live entry count and estimated resident bytes.
func (s *Store[V]) Usage() Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Usage{Count: len(s.items), TotalBytes: s.totalBytes}
}

// Clear purges every entry.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*entry[V])
	s.totalBytes = 0
	s.publishLocked()
}

func (s *Store[V]) setLocked(name string, value V) (prev V, existed bool) {
	size := s.sizeOf(value)
	if e, ok := s.items[name]; ok {
		prev = e.value
		s.totalBytes += int64(size - e.bytes)
		e.value = value
		e.bytes = size
		e.updatedAt = s.now()
		return prev, true
	}
	s.items[name] = &entry[V]{value: value, updatedAt: s.now(), bytes: size}
	s.totalBytes += int64(size)
	return prev, false
}

// sweepLocked walks the whole map, so every write pays O(n). Fine for
// the hundreds of names a training loop produces; revisit if a
// workload ever holds tens of thousands.
func (s *Store[V]) sweepLocked() {
	if s.retention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.retention)
	for name, e := range s.items {
		if e.updatedAt.Before(cutoff) {
			s.totalBytes -= int64(e.bytes)
			delete(s.items, name)
			metrics.StoreEvictionsTotal.WithLabelValues(s.label).Inc()
		}
	}
}

func (s *Store[V]) publishLocked() {
	metrics.StoreEntries.WithLabelValues(s.label).Set(float64(len(s.items)))
	metrics.StoreBytes.WithLabelValues(s.label).Set(float64(s.totalBytes))
}
