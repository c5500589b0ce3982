package strategies

// StickyStrategy keeps traffic on the current slot for cache locality
// and only rotates forward when that slot is unavailable.
type StickyStrategy struct{}

// NewStickyStrategy creates a sticky selector.
func NewStickyStrategy() *StickyStrategy {
	return &StickyStrategy{}
}

// Select returns current while it is available, else the next
// available slot scanning forward with wrap-around.
func (s *StickyStrategy) Select(candidates []Candidate, current int) (int, bool) {
	n := len(candidates)
	if n == 0 {
		return 0, false
	}
	if current < 0 || current >= n {
		current = 0
	}

	for i := 0; i < n; i++ {
		idx := (current + i) % n
		if candidates[idx].Available {
			return idx, true
		}
	}
	return 0, false
}
