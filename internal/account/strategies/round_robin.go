package strategies

import "sync"

// RoundRobinStrategy advances to the next available slot on every call
// for maximum spread. It trades cache continuity for throughput.
type RoundRobinStrategy struct {
	mu     sync.Mutex
	cursor int
}

// NewRoundRobinStrategy creates a round-robin selector.
func NewRoundRobinStrategy() *RoundRobinStrategy {
	return &RoundRobinStrategy{}
}

// Select starts one past the cursor and returns the first available
// slot, advancing the cursor to it.
func (s *RoundRobinStrategy) Select(candidates []Candidate, current int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(candidates)
	if n == 0 {
		return 0, false
	}
	if s.cursor >= n {
		s.cursor = 0
	}

	start := (s.cursor + 1) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if candidates[idx].Available {
			s.cursor = idx
			return idx, true
		}
	}
	return 0, false
}

// ResetCursor rewinds the rotation, used after pool compaction.
func (s *RoundRobinStrategy) ResetCursor() {
	s.mu.Lock()
	s.cursor = 0
	s.mu.Unlock()
}
