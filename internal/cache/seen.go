package cache

import (
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Seen is a set of record keys. The Bloom filter answers "definitely new"
// for every key; an exact map confirms positives for the first exactLimit
// keys. Keys added after the map is full are remembered by the filter
// alone, so a late lookup may report a false positive at the filter's
// configured rate.
type Seen struct {
	mu         sync.RWMutex
	filter     *bloom.BloomFilter
	exact      map[string]struct{}
	exactLimit int
	count      int
	overflowed bool
}

// NewSeen creates a seen-set sized for estimatedItems keys that keeps
// exact answers for all of them.
func NewSeen(estimatedItems int) *Seen {
	return NewSeenWithLimit(estimatedItems, estimatedItems)
}

// NewSeenWithLimit creates a seen-set whose exact map holds at most
// exactLimit keys.
func NewSeenWithLimit(estimatedItems, exactLimit int) *Seen {
	if estimatedItems < 1000 {
		estimatedItems = 1000
	}
	if exactLimit < 0 {
		exactLimit = 0
	}
	return &Seen{
		filter:     bloom.NewWithEstimates(uint(estimatedItems), 0.001),
		exact:      make(map[string]struct{}),
		exactLimit: exactLimit,
	}
}

// RecordKey builds the dedup key for a merchant listing row. Rows only
// collapse when name, network, country and detail page all agree.
func RecordKey(detailURL, name, network, country string) string {
	fold := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	return fold(name) + "\x00" + fold(network) + "\x00" + fold(country) + "\x00" + strings.TrimSpace(detailURL)
}

// Add inserts key and reports whether it was new.
func (s *Seen) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasLocked(key) {
		return false
	}
	s.filter.AddString(key)
	s.count++
	if len(s.exact) < s.exactLimit {
		s.exact[key] = struct{}{}
	} else {
		s.overflowed = true
	}
	return true
}

// Has reports whether key was added.
func (s *Seen) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasLocked(key)
}

func (s *Seen) hasLocked(key string) bool {
	if !s.filter.TestString(key) {
		return false
	}
	if _, ok := s.exact[key]; ok {
		return true
	}
	// unconfirmed positives only count once keys live in the filter alone
	return s.overflowed
}

// Len returns the number of distinct keys added.
func (s *Seen) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Exact reports whether every answer so far was confirmed by the map.
func (s *Seen) Exact() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.overflowed
}

// Reset empties the set.
func (s *Seen) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter.ClearAll()
	s.exact = make(map[string]struct{})
	s.count = 0
	s.overflowed = false
}
