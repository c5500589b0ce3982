package trackers

import (
	"math"
	"sync"
	"time"
)

// TokenBucketConfig tunes the client-side request budget.
type TokenBucketConfig struct {
	MaxTokens       float64
	TokensPerMinute float64
	InitialTokens   float64
}

// DefaultTokenBucketConfig returns the stock tuning.
func DefaultTokenBucketConfig() TokenBucketConfig {
	return TokenBucketConfig{
		MaxTokens:       50,
		TokensPerMinute: 6,
		InitialTokens:   50,
	}
}

type tokenBucket struct {
	tokens      float64
	lastUpdated time.Time
}

// TokenBucketTracker rate-limits on the client side before the vendor
// does. Each key has a bucket that refills over time; requests consume
// a token and drained keys are deprioritized by the hybrid strategy.
type TokenBucketTracker struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	config  TokenBucketConfig

	now func() time.Time
}

// NewTokenBucketTracker creates a tracker with the given tuning.
func NewTokenBucketTracker(cfg TokenBucketConfig) *TokenBucketTracker {
	return &TokenBucketTracker{
		buckets: make(map[string]*tokenBucket),
		config:  cfg,
		now:     time.Now,
	}
}

// Tokens returns the current token count for a key, with refill
// applied.
func (t *TokenBucketTracker) Tokens(key string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokensLocked(key)
}

func (t *TokenBucketTracker) tokensLocked(key string) float64 {
	bucket, ok := t.buckets[key]
	if !ok {
		return t.config.InitialTokens
	}

	minutes := t.now().Sub(bucket.lastUpdated).Minutes()
	tokens := bucket.tokens + minutes*t.config.TokensPerMinute
	if tokens > t.config.MaxTokens {
		return t.config.MaxTokens
	}
	return tokens
}

// HasTokens reports whether a key can afford a request.
func (t *TokenBucketTracker) HasTokens(key string) bool {
	return t.Tokens(key) >= 1
}

// Consume takes one token. Returns false when the bucket is drained.
func (t *TokenBucketTracker) Consume(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tokens := t.tokensLocked(key)
	if tokens < 1 {
		return false
	}
	t.buckets[key] = &tokenBucket{tokens: tokens - 1, lastUpdated: t.now()}
	return true
}

// Refund returns one token, typically after a request failed before it
// consumed any vendor quota.
func (t *TokenBucketTracker) Refund(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tokens := t.tokensLocked(key) + 1
	if tokens > t.config.MaxTokens {
		tokens = t.config.MaxTokens
	}
	t.buckets[key] = &tokenBucket{tokens: tokens, lastUpdated: t.now()}
}

// MaxTokens returns the bucket capacity.
func (t *TokenBucketTracker) MaxTokens() float64 {
	return t.config.MaxTokens
}

// TimeUntilNextToken returns how long until the key can afford a
// request, in milliseconds.
func (t *TokenBucketTracker) TimeUntilNextToken(key string) int64 {
	tokens := t.Tokens(key)
	if tokens >= 1 {
		return 0
	}
	minutes := (1 - tokens) / t.config.TokensPerMinute
	return int64(math.Ceil(minutes * 60 * 1000))
}

// Clear forgets all buckets.
func (t *TokenBucketTracker) Clear() {
	t.mu.Lock()
	t.buckets = make(map[string]*tokenBucket)
	t.mu.Unlock()
}
