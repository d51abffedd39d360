// Package dedup provides the bounded session-scoped sets that keep the
// enforcement loops from acting twice on the same join request, audit-log
// entry, or instance.
package dedup

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Set is a bounded, insertion-ordered set of composite string keys. When the
// set exceeds its cap it evicts the oldest half in one sweep — deliberately
// not strict LRU; the contract is bounded memory plus tolerance for eventual
// reprocessing of very old keys.
type Set struct {
	mu    sync.Mutex
	max   int
	order []string
	index map[string]struct{}
}

// NewSet creates a Set that prunes once len exceeds max.
func NewSet(max int) *Set {
	if max < 2 {
		max = 2
	}
	return &Set{
		max:   max,
		index: make(map[string]struct{}),
	}
}

// Seen reports whether key has been marked.
func (s *Set) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[key]
	return ok
}

// Mark records key and reports whether it was newly added. Marking before
// acting is what makes concurrent overlapping passes converge on at-most-once
// handling.
func (s *Set) Mark(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[key]; ok {
		return false
	}
	s.index[key] = struct{}{}
	s.order = append(s.order, key)

	if len(s.order) > s.max {
		half := len(s.order) / 2
		for _, old := range s.order[:half] {
			delete(s.index, old)
		}
		s.order = append(s.order[:0], s.order[half:]...)
	}
	return true
}

// Len returns the current number of keys.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// TTLSet is a set whose entries expire after a fixed TTL, used for the
// closed-instance cache so an instance becomes eligible for re-closing only
// after the expiry window.
type TTLSet struct {
	cache *lru.LRU[string, time.Time]
}

// NewTTLSet creates a TTLSet with the given capacity and expiry.
func NewTTLSet(size int, ttl time.Duration) *TTLSet {
	if size <= 0 {
		size = 1000
	}
	return &TTLSet{cache: lru.NewLRU[string, time.Time](size, nil, ttl)}
}

// Mark records key with the current timestamp.
func (s *TTLSet) Mark(key string) {
	s.cache.Add(key, time.Now())
}

// Contains reports whether key is present and unexpired.
func (s *TTLSet) Contains(key string) bool {
	_, ok := s.cache.Get(key)
	return ok
}
