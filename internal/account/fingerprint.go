package account

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/poemonsense/antigravity-broker/internal/storage"
)

// Persona pools drawn from for new fingerprints. Kept small and
// plausible; the point is decorrelating accounts, not stealth.
var (
	fingerprintPlatforms = []string{"darwin", "linux", "win32"}

	fingerprintArchs = []string{"x64", "arm64"}

	fingerprintClientVersions = []string{
		"1.15.4", "1.16.0", "1.16.2", "1.17.1",
	}
)

// GenerateFingerprint mints a fresh device persona.
func GenerateFingerprint(nowMs int64) *storage.Fingerprint {
	platform := fingerprintPlatforms[rand.Intn(len(fingerprintPlatforms))]
	arch := fingerprintArchs[rand.Intn(len(fingerprintArchs))]
	version := fingerprintClientVersions[rand.Intn(len(fingerprintClientVersions))]

	return &storage.Fingerprint{
		UserAgent: fmt.Sprintf("antigravity/%s (%s; %s)", version, platform, arch),
		Platform:  platform,
		Arch:      arch,
		DeviceID:  uuid.NewString(),
		CreatedAt: nowMs,
	}
}

// pushFingerprintHistory records the prior persona newest-first and
// trims to the history bound.
func pushFingerprintHistory(a *storage.Account, prior *storage.Fingerprint, nowMs int64, reason string, limit int) {
	if prior == nil {
		return
	}
	entry := storage.FingerprintHistoryEntry{
		Fingerprint: *prior,
		Timestamp:   nowMs,
		Reason:      reason,
	}
	a.FingerprintHistory = append([]storage.FingerprintHistoryEntry{entry}, a.FingerprintHistory...)
	if len(a.FingerprintHistory) > limit {
		a.FingerprintHistory = a.FingerprintHistory[:limit]
	}
}
