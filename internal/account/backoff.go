package account

import (
	"math/rand"

	"github.com/poemonsense/antigravity-broker/internal/config"
)

// CalculateBackoff returns the exclusion window in milliseconds for a
// classified rejection. A server-provided retry hint wins, floored so
// tight loops cannot form. Quota exhaustion escalates with consecutive
// failures and saturates at the top tier; capacity rejections carry
// uniform jitter so a fleet of brokers does not retry in lockstep.
func CalculateBackoff(reason string, consecutiveFailures int, retryAfterMs int64) int64 {
	if retryAfterMs > 0 {
		if retryAfterMs < config.MinBackoffMs {
			return config.MinBackoffMs
		}
		return retryAfterMs
	}

	switch reason {
	case ReasonQuotaExhausted:
		tiers := config.QuotaExhaustedBackoffTiersMs
		idx := consecutiveFailures
		if idx >= len(tiers) {
			idx = len(tiers) - 1
		}
		if idx < 0 {
			idx = 0
		}
		return tiers[idx]

	case ReasonModelCapacity:
		base := config.BackoffByErrorType[ReasonModelCapacity]
		jitter := rand.Int63n(2*config.CapacityJitterMs+1) - config.CapacityJitterMs
		return base + jitter

	case ReasonRateLimitExceeded, ReasonServerError:
		return config.BackoffByErrorType[reason]
	}

	return config.BackoffByErrorType[ReasonUnknown]
}
