package signal

import (
	"sync"
	"time"
)

// seenSet is a bounded set of recently observed message ids. Entries expire
// after ttl; when the set is full the oldest entry is evicted first.
type seenSet struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	ids   map[string]time.Time
	order []string // insertion order, oldest first
}

func newSeenSet(ttl time.Duration, max int) *seenSet {
	return &seenSet{
		ttl: ttl,
		max: max,
		ids: make(map[string]time.Time, max),
	}
}

// Observe records the id and reports whether this is its first sighting.
func (s *seenSet) Observe(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune(now)

	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.order) >= s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.ids[id] = now
	s.order = append(s.order, id)
	return true
}

func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// prune drops expired entries; insertion order doubles as time order.
func (s *seenSet) prune(now time.Time) {
	for len(s.order) > 0 {
		oldest := s.order[0]
		if now.Sub(s.ids[oldest]) <= s.ttl {
			return
		}
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
}
