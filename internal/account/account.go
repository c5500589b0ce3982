// Package account owns the pool: selection strategies, per-family and
// per-model rate-limit state, cooldowns, soft-quota gating, and device
// fingerprints.
package account

import (
	"github.com/poemonsense/antigravity-broker/internal/storage"
)

// Family is a model family served by the pool.
type Family string

const (
	FamilyClaude Family = "claude"
	FamilyGemini Family = "gemini"
)

// HeaderStyle is the protocol persona a request is dressed in. For the
// Gemini family the style selects between two quota pools on the same
// credential; Claude only has the antigravity pool.
type HeaderStyle string

const (
	StyleAntigravity HeaderStyle = "antigravity"
	StyleGeminiCLI   HeaderStyle = "gemini-cli"
)

// Cooldown reasons.
const (
	CooldownAuthFailure  = "auth-failure"
	CooldownNetworkError = "network-error"
	CooldownProjectError = "project-error"
)

// Switch reasons recorded on the account when the pool rotates.
const (
	SwitchInitial   = "initial"
	SwitchRateLimit = "rate-limit"
	SwitchRotation  = "rotation"
)

// ManagedAccount is one pool slot: the persistent account plus the
// in-memory state that never hits disk.
type ManagedAccount struct {
	*storage.Account

	// Index is the slot position. Unstable: reassigned when the pool
	// compacts after a removal.
	Index int

	// TouchedForQuota maps quota key to the last selection touch, used
	// as an admission freshness signal.
	TouchedForQuota map[string]int64

	ConsecutiveFailures int
	LastFailureTime     int64
}

func newManagedAccount(a *storage.Account, index int) *ManagedAccount {
	return &ManagedAccount{
		Account:         a,
		Index:           index,
		TouchedForQuota: make(map[string]int64),
	}
}

// IsCoolingDown reports whether the account sits in a cooldown window.
func (a *ManagedAccount) IsCoolingDown(nowMs int64) bool {
	return a.CoolingDownUntil > nowMs
}

// IsRateLimitedForKey reports whether the quota key is closed at nowMs.
func (a *ManagedAccount) IsRateLimitedForKey(key string, nowMs int64) bool {
	reset, ok := a.RateLimitResetTimes[key]
	return ok && nowMs < reset
}

// resetTimeFor returns the reset for a key, 0 when none is recorded.
func (a *ManagedAccount) resetTimeFor(key string) int64 {
	return a.RateLimitResetTimes[key]
}

func (a *ManagedAccount) setResetTime(key string, resetMs int64) {
	if a.RateLimitResetTimes == nil {
		a.RateLimitResetTimes = make(map[string]int64)
	}
	a.RateLimitResetTimes[key] = resetMs
}
