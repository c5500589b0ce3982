package account

import (
	"time"

	"github.com/poemonsense/antigravity-broker/internal/credential"
	"github.com/poemonsense/antigravity-broker/internal/token"
)

// The manager is the refresh queue's account surface.
var _ token.Pool = (*Manager)(nil)

// SnapshotsNearingExpiry returns one snapshot per enabled account
// whose cached access token expires within buffer. Accounts without a
// live cached token are skipped; they get refreshed lazily on first
// use instead.
func (m *Manager) SnapshotsNearingExpiry(buffer time.Duration) []token.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	horizon := m.now().UnixMilli() + buffer.Milliseconds()
	var out []token.Snapshot

	for _, acc := range m.accounts {
		if !acc.IsEnabled() {
			continue
		}
		cached, ok := m.auth.Get(acc.RefreshToken)
		if !ok || cached.Expires > horizon {
			continue
		}
		out = append(out, token.Snapshot{
			Type: "oauth",
			Refresh: credential.Encode(credential.Parts{
				RefreshToken:     acc.RefreshToken,
				ProjectID:        acc.ProjectID,
				ManagedProjectID: acc.ManagedProjectID,
			}),
			Access:  cached.Access,
			Expires: cached.Expires,
		})
	}
	return out
}

// ApplyRefreshed writes a refreshed snapshot back to its account,
// keyed by the pre-refresh refresh token. Rotated tokens and adopted
// project ids land on the persistent account.
func (m *Manager) ApplyRefreshed(oldRefreshToken string, fresh token.Snapshot) {
	parts, err := credential.Decode(fresh.Refresh)
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		if acc.RefreshToken != oldRefreshToken {
			continue
		}
		acc.RefreshToken = parts.RefreshToken
		if parts.ProjectID != "" {
			acc.ProjectID = parts.ProjectID
		}
		if parts.ManagedProjectID != "" {
			acc.ManagedProjectID = parts.ManagedProjectID
		}
		return
	}
}

// RequestSave satisfies the queue's save hook.
func (m *Manager) RequestSave() {
	m.RequestSaveToDisk()
}
