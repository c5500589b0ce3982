package account

import "github.com/poemonsense/antigravity-broker/internal/storage"

// AccountStatus is the per-slot view exposed on the management
// surface.
type AccountStatus struct {
	Index               int                  `json:"index"`
	Email               string               `json:"email,omitempty"`
	Enabled             bool                 `json:"enabled"`
	LastUsed            int64                `json:"lastUsed"`
	LastSwitchReason    string               `json:"lastSwitchReason,omitempty"`
	RateLimitResetTimes map[string]int64     `json:"rateLimitResetTimes,omitempty"`
	CoolingDownUntil    int64                `json:"coolingDownUntil,omitempty"`
	CooldownReason      string               `json:"cooldownReason,omitempty"`
	ConsecutiveFailures int                  `json:"consecutiveFailures,omitempty"`
	HealthScore         float64              `json:"healthScore"`
	Fingerprint         *storage.Fingerprint `json:"fingerprint,omitempty"`
	FingerprintHistory  int                  `json:"fingerprintHistory"`
}

// ManagerStatus is the pool-level view.
type ManagerStatus struct {
	AccountCount        int             `json:"accountCount"`
	EnabledCount        int             `json:"enabledCount"`
	ActiveIndex         int             `json:"activeIndex"`
	ActiveIndexByFamily map[string]int  `json:"activeIndexByFamily,omitempty"`
	Accounts            []AccountStatus `json:"accounts"`
}

// Status snapshots the pool for the management endpoints.
func (m *Manager) Status() ManagerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := ManagerStatus{
		AccountCount: len(m.accounts),
		ActiveIndex:  m.activeIndex,
		Accounts:     make([]AccountStatus, 0, len(m.accounts)),
	}
	if len(m.currentIndexByFamily) > 0 {
		status.ActiveIndexByFamily = make(map[string]int, len(m.currentIndexByFamily))
		for family, idx := range m.currentIndexByFamily {
			status.ActiveIndexByFamily[string(family)] = idx
		}
	}

	for _, acc := range m.accounts {
		if acc.IsEnabled() {
			status.EnabledCount++
		}

		var resets map[string]int64
		if len(acc.RateLimitResetTimes) > 0 {
			resets = make(map[string]int64, len(acc.RateLimitResetTimes))
			for k, v := range acc.RateLimitResetTimes {
				resets[k] = v
			}
		}

		status.Accounts = append(status.Accounts, AccountStatus{
			Index:               acc.Index,
			Email:               acc.Email,
			Enabled:             acc.IsEnabled(),
			LastUsed:            acc.LastUsed,
			LastSwitchReason:    acc.LastSwitchReason,
			RateLimitResetTimes: resets,
			CoolingDownUntil:    acc.CoolingDownUntil,
			CooldownReason:      acc.CooldownReason,
			ConsecutiveFailures: acc.ConsecutiveFailures,
			HealthScore:         m.health.Score(acc.RefreshToken),
			Fingerprint:         acc.Fingerprint,
			FingerprintHistory:  len(acc.FingerprintHistory),
		})
	}
	return status
}
