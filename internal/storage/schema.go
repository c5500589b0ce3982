// Package storage persists the account pool as a versioned JSON file
// guarded by an advisory file lock. Writers merge with the on-disk
// snapshot so concurrent processes never clobber each other's fields.
package storage

// CurrentVersion is the persisted schema version.
const CurrentVersion = 3

// Fingerprint is the device persona presented in outbound headers,
// stable per account.
type Fingerprint struct {
	UserAgent string `json:"userAgent,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Arch      string `json:"arch,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// FingerprintHistoryEntry records a prior fingerprint, newest first.
type FingerprintHistoryEntry struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Timestamp   int64       `json:"timestamp"`
	Reason      string      `json:"reason"` // "regenerated" or "restored"
}

// QuotaSnapshot is the vendor-reported remaining quota for one quota
// group, cached between capacity probes.
type QuotaSnapshot struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         string   `json:"resetTime,omitempty"`
	ModelCount        int      `json:"modelCount"`
}

// Account is the persistent shape of one identity.
type Account struct {
	Email            string `json:"email,omitempty"`
	RefreshToken     string `json:"refreshToken"`
	ProjectID        string `json:"projectId,omitempty"`
	ManagedProjectID string `json:"managedProjectId,omitempty"`

	AddedAt  int64 `json:"addedAt"`
	LastUsed int64 `json:"lastUsed"`

	// Enabled defaults to true; a nil pointer means enabled.
	Enabled *bool `json:"enabled,omitempty"`

	LastSwitchReason string `json:"lastSwitchReason,omitempty"`

	// RateLimitResetTimes maps quota key -> absolute reset epoch ms.
	RateLimitResetTimes map[string]int64 `json:"rateLimitResetTimes,omitempty"`

	CoolingDownUntil int64  `json:"coolingDownUntil,omitempty"`
	CooldownReason   string `json:"cooldownReason,omitempty"`

	Fingerprint        *Fingerprint              `json:"fingerprint,omitempty"`
	FingerprintHistory []FingerprintHistoryEntry `json:"fingerprintHistory,omitempty"`

	// CachedQuota maps quota group -> snapshot.
	CachedQuota          map[string]*QuotaSnapshot `json:"cachedQuota,omitempty"`
	CachedQuotaUpdatedAt int64                     `json:"cachedQuotaUpdatedAt,omitempty"`
}

// IsEnabled reports whether the account participates in selection and
// proactive refresh.
func (a *Account) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// SetEnabled sets the enabled flag explicitly.
func (a *Account) SetEnabled(enabled bool) {
	a.Enabled = &enabled
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	c := *a
	if a.Enabled != nil {
		v := *a.Enabled
		c.Enabled = &v
	}
	if a.RateLimitResetTimes != nil {
		c.RateLimitResetTimes = make(map[string]int64, len(a.RateLimitResetTimes))
		for k, v := range a.RateLimitResetTimes {
			c.RateLimitResetTimes[k] = v
		}
	}
	if a.Fingerprint != nil {
		fp := *a.Fingerprint
		c.Fingerprint = &fp
	}
	if a.FingerprintHistory != nil {
		c.FingerprintHistory = append([]FingerprintHistoryEntry(nil), a.FingerprintHistory...)
	}
	if a.CachedQuota != nil {
		c.CachedQuota = make(map[string]*QuotaSnapshot, len(a.CachedQuota))
		for k, v := range a.CachedQuota {
			q := *v
			if v.RemainingFraction != nil {
				f := *v.RemainingFraction
				q.RemainingFraction = &f
			}
			c.CachedQuota[k] = &q
		}
	}
	return &c
}

// Root is the top-level persisted document.
type Root struct {
	Version             int              `json:"version"`
	Accounts            []*Account       `json:"accounts"`
	ActiveIndex         int              `json:"activeIndex"`
	ActiveIndexByFamily map[string]int   `json:"activeIndexByFamily,omitempty"`
}

// EmptyRoot returns a valid empty document at the current version.
func EmptyRoot() *Root {
	return &Root{Version: CurrentVersion, Accounts: []*Account{}}
}

// Clone returns a deep copy of the root.
func (r *Root) Clone() *Root {
	c := &Root{
		Version:     r.Version,
		ActiveIndex: r.ActiveIndex,
		Accounts:    make([]*Account, 0, len(r.Accounts)),
	}
	for _, a := range r.Accounts {
		c.Accounts = append(c.Accounts, a.Clone())
	}
	if r.ActiveIndexByFamily != nil {
		c.ActiveIndexByFamily = make(map[string]int, len(r.ActiveIndexByFamily))
		for k, v := range r.ActiveIndexByFamily {
			c.ActiveIndexByFamily[k] = v
		}
	}
	return c
}
