// Package trackers holds the per-account signals the hybrid strategy
// scores on: health and a client-side token bucket.
package trackers

import (
	"sync"
	"time"
)

// HealthConfig tunes the health score model.
type HealthConfig struct {
	Initial          float64
	SuccessReward    float64
	RateLimitPenalty float64
	FailurePenalty   float64
	RecoveryPerHour  float64
	MinUsable        float64
	MaxScore         float64
}

// DefaultHealthConfig returns the stock tuning.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Initial:          70,
		SuccessReward:    1,
		RateLimitPenalty: -10,
		FailurePenalty:   -20,
		RecoveryPerHour:  10,
		MinUsable:        50,
		MaxScore:         100,
	}
}

type healthRecord struct {
	score       float64
	lastUpdated time.Time
}

// HealthTracker keeps a per-account health score. Successes nudge the
// score up, rate limits and failures push it down, and idle accounts
// recover passively over time.
type HealthTracker struct {
	mu      sync.Mutex
	records map[string]*healthRecord
	config  HealthConfig

	now func() time.Time
}

// NewHealthTracker creates a tracker with the given tuning.
func NewHealthTracker(cfg HealthConfig) *HealthTracker {
	return &HealthTracker{
		records: make(map[string]*healthRecord),
		config:  cfg,
		now:     time.Now,
	}
}

// Score returns the current score for a key, with passive recovery
// applied. Unknown keys start at the initial score.
func (t *HealthTracker) Score(key string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scoreLocked(key)
}

func (t *HealthTracker) scoreLocked(key string) float64 {
	record, ok := t.records[key]
	if !ok {
		return t.config.Initial
	}

	hours := t.now().Sub(record.lastUpdated).Hours()
	recovered := record.score + hours*t.config.RecoveryPerHour
	if recovered > t.config.MaxScore {
		return t.config.MaxScore
	}
	return recovered
}

// Usable reports whether the key's score clears the usability floor.
func (t *HealthTracker) Usable(key string) bool {
	return t.Score(key) >= t.config.MinUsable
}

// RecordSuccess rewards a completed request.
func (t *HealthTracker) RecordSuccess(key string) {
	t.adjust(key, t.config.SuccessReward)
}

// RecordRateLimit penalizes a rate-limited request.
func (t *HealthTracker) RecordRateLimit(key string) {
	t.adjust(key, t.config.RateLimitPenalty)
}

// RecordFailure penalizes a hard failure.
func (t *HealthTracker) RecordFailure(key string) {
	t.adjust(key, t.config.FailurePenalty)
}

func (t *HealthTracker) adjust(key string, delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	score := t.scoreLocked(key) + delta
	if score > t.config.MaxScore {
		score = t.config.MaxScore
	}
	if score < 0 {
		score = 0
	}
	t.records[key] = &healthRecord{score: score, lastUpdated: t.now()}
}

// Reset forgets the key's history.
func (t *HealthTracker) Reset(key string) {
	t.mu.Lock()
	delete(t.records, key)
	t.mu.Unlock()
}

// Clear forgets all history.
func (t *HealthTracker) Clear() {
	t.mu.Lock()
	t.records = make(map[string]*healthRecord)
	t.mu.Unlock()
}
