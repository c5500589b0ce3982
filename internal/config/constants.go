// Package config provides runtime configuration and shared constants for
// the broker.
package config

// Cloud Code endpoints. The daily channel is preferred for onboarding,
// prod first for loadCodeAssist.
const (
	AntigravityEndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	AntigravityEndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// LoadCodeAssistEndpoints is the fallback order for loadCodeAssist.
var LoadCodeAssistEndpoints = []string{
	AntigravityEndpointProd,
	AntigravityEndpointDaily,
}

// OnboardUserEndpoints is the fallback order for onboardUser.
var OnboardUserEndpoints = []string{
	AntigravityEndpointDaily,
	AntigravityEndpointProd,
}

// OAuth client used for refresh-token redemption.
const (
	OAuthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	OAuthClientSecret = "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"
	OAuthTokenURL     = "https://oauth2.googleapis.com/token"
)

// Token lifecycle.
const (
	// TokenSkewMs is the clock-skew margin: an access token counts as
	// expired once now >= expires - TokenSkewMs.
	TokenSkewMs = 60_000

	// RefreshIntervalMs is the proactive refresh ticker period.
	RefreshIntervalMs = 5 * 60 * 1000

	// RefreshBufferMs is how far ahead of expiry the proactive queue
	// renews tokens.
	RefreshBufferMs = 30 * 60 * 1000
)

// DefaultManagedProjectID is the last-resort project id when onboarding
// never completes and the credential carries no project of its own.
const DefaultManagedProjectID = "bamboo-precept-lgxtv"

// Onboarding.
const (
	OnboardMaxAttempts = 10
	OnboardPollDelayMs = 5000
	DefaultTierID      = "FREE"
)

// HTTP timeouts.
const (
	RequestTimeoutMs      = 10_000
	VersionProbeTimeoutMs = 5_000
)

// Rate-limit backoff.
var (
	// QuotaExhaustedBackoffTiersMs escalates per consecutive failure and
	// saturates at the last tier (60s, 5m, 30m, 2h).
	QuotaExhaustedBackoffTiersMs = []int64{60_000, 300_000, 1_800_000, 7_200_000}

	// BackoffByErrorType holds the fixed backoff per classified reason.
	BackoffByErrorType = map[string]int64{
		"RATE_LIMIT_EXCEEDED":      30_000,
		"MODEL_CAPACITY_EXHAUSTED": 45_000,
		"SERVER_ERROR":             20_000,
		"UNKNOWN":                  60_000,
	}
)

const (
	// MinBackoffMs floors server-provided retry hints so tight loops
	// cannot form.
	MinBackoffMs = 2000

	// CapacityJitterMs is the +-jitter applied to capacity backoff.
	CapacityJitterMs = 15_000

	// FailureTTLMs resets consecutiveFailures after an hour of quiet.
	FailureTTLMs = 60 * 60 * 1000
)

// Cooldowns.
const (
	AuthFailureCooldownMs  = 30_000
	NetworkErrorCooldownMs = 15_000
)

// Signature cache.
const (
	// MinSignatureLength is the shortest signature that can be valid;
	// anything shorter is foreign or truncated.
	MinSignatureLength = 50

	SignatureCacheTTLMs      = 3600 * 1000
	SignatureCachePerSession = 100

	// SignatureHashHexLen truncates SHA-256 digests to 64 bits. A
	// collision within a session's bounded pool costs at most one extra
	// upstream rejection, which the caller already handles.
	SignatureHashHexLen = 16
)

// Selection defaults.
const (
	DefaultSelectionStrategy = "sticky"
	DefaultHeaderStyle       = "antigravity"

	// OptimisticResetMaxWaitMs caps the single bounded wait after a
	// failed selection when a reset is imminent.
	OptimisticResetMaxWaitMs = 2000

	SoftQuotaDisabledThreshold = 100
	SoftQuotaCacheTTLMs        = 600_000
)

// Persistence.
const (
	SaveDebounceMs = 1000

	StoreLockStaleMs    = 10_000
	StoreLockRetries    = 5
	StoreLockBackoffMin = 100
	StoreLockBackoffMax = 1000
)

// FingerprintHistoryLimit bounds per-account fingerprint history.
const FingerprintHistoryLimit = 5

// AccountsFileName is the persistent pool file under the config dir.
const AccountsFileName = "antigravity-accounts.json"

// ConfigDirEnv overrides the resolved configuration directory.
const ConfigDirEnv = "OPENCODE_CONFIG_DIR"

// AppDirName is the directory name under the XDG config home.
const AppDirName = "opencode"

// LegacyDirName is the pre-XDG directory migrated from on Linux.
const LegacyDirName = "antigravity-proxy"

// GitignoreEntries is the fixed sensitive-file list ensured in the
// config dir.
var GitignoreEntries = []string{
	"antigravity-accounts.json",
	"antigravity-accounts.json.*.tmp",
	"antigravity-accounts.json.lock",
	"*.log",
}
