package strategies

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/poemonsense/antigravity-broker/internal/account/strategies/trackers"
)

// Weights scales the hybrid scoring components.
type Weights struct {
	Health float64
	Tokens float64
	LRU    float64
}

// DefaultWeights returns the stock scoring weights.
func DefaultWeights() Weights {
	return Weights{Health: 2.0, Tokens: 5.0, LRU: 0.1}
}

// HybridStrategy combines health score, a client-side token bucket,
// and LRU freshness into one ranking:
//
//	score = (health x 2) + ((tokens / max x 100) x 5) + (idleSeconds x 0.1)
//
// Candidates that fail the health or token gates are filtered out
// first; when that leaves nothing, the gates are relaxed one at a time
// so the pool degrades instead of stalling.
type HybridStrategy struct {
	health  *trackers.HealthTracker
	buckets *trackers.TokenBucketTracker
	weights Weights

	now func() time.Time
}

// NewHybridStrategy creates a hybrid selector over the shared trackers.
func NewHybridStrategy(health *trackers.HealthTracker, buckets *trackers.TokenBucketTracker) *HybridStrategy {
	return &HybridStrategy{
		health:  health,
		buckets: buckets,
		weights: DefaultWeights(),
		now:     time.Now,
	}
}

// Select ranks the available candidates and picks the best one,
// consuming a token from its bucket.
func (s *HybridStrategy) Select(candidates []Candidate, current int) (int, bool) {
	pool := s.filter(candidates)
	if len(pool) == 0 {
		return 0, false
	}

	best := pool[0]
	bestScore := s.score(candidates[best])
	for _, idx := range pool[1:] {
		if sc := s.score(candidates[idx]); sc > bestScore {
			best, bestScore = idx, sc
		}
	}

	s.buckets.Consume(candidates[best].Key)
	log.Debugf("[HybridStrategy] Selected slot %d (score %.1f)", best, bestScore)
	return best, true
}

func (s *HybridStrategy) filter(candidates []Candidate) []int {
	var strict, noQuotaGate, any []int
	for i, c := range candidates {
		if !c.Available {
			continue
		}
		any = append(any, i)
		if !s.buckets.HasTokens(c.Key) {
			continue
		}
		noQuotaGate = append(noQuotaGate, i)
		if !s.health.Usable(c.Key) {
			continue
		}
		strict = append(strict, i)
	}

	switch {
	case len(strict) > 0:
		return strict
	case len(noQuotaGate) > 0:
		log.Warnf("[HybridStrategy] All accounts unhealthy, relaxing health gate")
		return noQuotaGate
	case len(any) > 0:
		log.Warnf("[HybridStrategy] All token buckets drained, relaxing budget gate")
		return any
	}
	return nil
}

func (s *HybridStrategy) score(c Candidate) float64 {
	health := s.health.Score(c.Key) * s.weights.Health

	ratio := s.buckets.Tokens(c.Key) / s.buckets.MaxTokens()
	tokens := ratio * 100 * s.weights.Tokens

	idle := s.now().UnixMilli() - c.LastUsed
	if idle > 3_600_000 {
		idle = 3_600_000
	}
	lru := float64(idle) / 1000 * s.weights.LRU

	return health + tokens + lru
}
