package account

import (
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/poemonsense/antigravity-broker/internal/account/strategies"
	"github.com/poemonsense/antigravity-broker/internal/account/strategies/trackers"
	"github.com/poemonsense/antigravity-broker/internal/config"
	"github.com/poemonsense/antigravity-broker/internal/credential"
	"github.com/poemonsense/antigravity-broker/internal/storage"
	"github.com/poemonsense/antigravity-broker/internal/token"
)

// SelectOptions tunes one selection call. Zero values fall back to the
// configured defaults.
type SelectOptions struct {
	Model       string
	Strategy    string
	HeaderStyle HeaderStyle

	// PIDOffset shifts the initial cursor by pid mod n, once per family
	// per process, so multi-process starts spread across the pool.
	PIDOffset bool

	// SoftQuotaThresholdPct gates accounts whose vendor-reported usage
	// reached the threshold. 100 disables the gate.
	SoftQuotaThresholdPct float64

	// SoftQuotaCacheTTLMs bounds how old a cached quota snapshot may be
	// before the gate fails open.
	SoftQuotaCacheTTLMs int64
}

func (o *SelectOptions) normalize() {
	if o.Strategy == "" {
		o.Strategy = config.DefaultSelectionStrategy
	}
	if o.HeaderStyle == "" {
		o.HeaderStyle = HeaderStyle(config.DefaultHeaderStyle)
	}
	if o.SoftQuotaThresholdPct <= 0 {
		o.SoftQuotaThresholdPct = config.SoftQuotaDisabledThreshold
	}
	if o.SoftQuotaCacheTTLMs <= 0 {
		o.SoftQuotaCacheTTLMs = config.SoftQuotaCacheTTLMs
	}
}

// Manager owns the pool. One mutex covers the whole account array;
// selections are O(n) and rarely contested.
type Manager struct {
	mu sync.Mutex

	store *storage.Store
	auth  *token.AuthCache

	accounts             []*ManagedAccount
	activeIndex          int
	currentIndexByFamily map[Family]int
	pidOffsetApplied     map[Family]bool

	sticky     *strategies.StickyStrategy
	roundRobin map[Family]*strategies.RoundRobinStrategy
	hybrid     *strategies.HybridStrategy
	health     *trackers.HealthTracker
	buckets    *trackers.TokenBucketTracker

	saveTimer   *time.Timer
	saveWaiters []chan error

	now func() time.Time
}

// NewManager creates a manager over the store and loads the persisted
// pool. A load failure leaves the manager running on empty in-memory
// state; the periodic saves will retry the disk.
func NewManager(store *storage.Store, auth *token.AuthCache) *Manager {
	health := trackers.NewHealthTracker(trackers.DefaultHealthConfig())
	buckets := trackers.NewTokenBucketTracker(trackers.DefaultTokenBucketConfig())

	m := &Manager{
		store:                store,
		auth:                 auth,
		currentIndexByFamily: make(map[Family]int),
		pidOffsetApplied:     make(map[Family]bool),
		sticky:               strategies.NewStickyStrategy(),
		roundRobin:           make(map[Family]*strategies.RoundRobinStrategy),
		hybrid:               strategies.NewHybridStrategy(health, buckets),
		health:               health,
		buckets:              buckets,
		now:                  time.Now,
	}

	root, err := store.Load()
	if err != nil {
		log.Warnf("[AccountManager] Load failed, starting empty: %v", err)
		root = storage.EmptyRoot()
	}
	m.adoptRootLocked(root)
	return m
}

// adoptRootLocked replaces the in-memory pool with the given snapshot,
// carrying per-account in-memory state across by refresh token.
func (m *Manager) adoptRootLocked(root *storage.Root) {
	prior := make(map[string]*ManagedAccount, len(m.accounts))
	for _, acc := range m.accounts {
		prior[acc.RefreshToken] = acc
	}

	nowMs := m.now().UnixMilli()
	accounts := make([]*ManagedAccount, 0, len(root.Accounts))
	for i, a := range root.Accounts {
		managed := newManagedAccount(a, i)
		if old, ok := prior[a.RefreshToken]; ok {
			managed.TouchedForQuota = old.TouchedForQuota
			managed.ConsecutiveFailures = old.ConsecutiveFailures
			managed.LastFailureTime = old.LastFailureTime
		}
		if managed.Fingerprint == nil {
			managed.Fingerprint = GenerateFingerprint(nowMs)
		}
		accounts = append(accounts, managed)
	}

	m.accounts = accounts
	m.activeIndex = clampIndex(root.ActiveIndex, len(accounts))
	for family, idx := range root.ActiveIndexByFamily {
		m.currentIndexByFamily[Family(family)] = clampIndex(idx, len(accounts))
	}
}

// Reload re-reads the pool from disk, typically after another process
// changed the file.
func (m *Manager) Reload() error {
	root, err := m.store.Load()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.adoptRootLocked(root)
	m.mu.Unlock()
	log.Debugf("[AccountManager] Reloaded %d account(s) from disk", len(root.Accounts))
	return nil
}

func clampIndex(idx, n int) int {
	if n == 0 {
		return 0
	}
	if idx < 0 || idx >= n {
		return 0
	}
	return idx
}

// SelectForFamily picks an account for the request or returns nil when
// the whole pool is closed. lastUsed is deliberately not touched here;
// the broker stamps it on request success.
func (m *Manager) SelectForFamily(family Family, opts SelectOptions) *ManagedAccount {
	opts.normalize()

	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.accounts)
	if n == 0 {
		return nil
	}

	nowMs := m.now().UnixMilli()
	current, hadCursor := m.currentIndexByFamily[family]
	current = clampIndex(current, n)

	if opts.PIDOffset && !m.pidOffsetApplied[family] && n > 1 {
		current = (current + os.Getpid()%n) % n
		m.currentIndexByFamily[family] = current
		m.pidOffsetApplied[family] = true
	}

	candidates := make([]strategies.Candidate, n)
	for i, acc := range m.accounts {
		candidates[i] = strategies.Candidate{
			Index:       i,
			Key:         acc.RefreshToken,
			LastUsed:    acc.LastUsed,
			Available:   m.isAvailableLocked(acc, family, opts, nowMs),
			RateLimited: acc.IsRateLimitedForKey(baseQuotaKey(family, opts.HeaderStyle), nowMs),
			CoolingDown: acc.IsCoolingDown(nowMs),
		}
	}

	var idx int
	var ok bool
	switch strategies.Normalize(opts.Strategy) {
	case strategies.RoundRobin:
		idx, ok = m.roundRobinFor(family).Select(candidates, current)
	case strategies.Hybrid:
		idx, ok = m.hybrid.Select(candidates, current)
		if !ok {
			idx, ok = m.sticky.Select(candidates, current)
		}
	default:
		idx, ok = m.sticky.Select(candidates, current)
	}
	if !ok {
		return nil
	}

	acc := m.accounts[idx]
	acc.TouchedForQuota[QuotaKey(family, opts.HeaderStyle, opts.Model)] = nowMs

	switch {
	case !hadCursor:
		acc.LastSwitchReason = SwitchInitial
	case idx != current && candidates[current].RateLimited:
		acc.LastSwitchReason = SwitchRateLimit
	case idx != current:
		acc.LastSwitchReason = SwitchRotation
	}

	m.currentIndexByFamily[family] = idx
	m.activeIndex = idx
	m.requestSaveLocked()
	return acc
}

func (m *Manager) roundRobinFor(family Family) *strategies.RoundRobinStrategy {
	rr, ok := m.roundRobin[family]
	if !ok {
		rr = strategies.NewRoundRobinStrategy()
		m.roundRobin[family] = rr
	}
	return rr
}

// isAvailableLocked is the admission check: enabled, not cooling down,
// both the model-specific and the base quota key open, and under the
// soft-quota threshold.
func (m *Manager) isAvailableLocked(acc *ManagedAccount, family Family, opts SelectOptions, nowMs int64) bool {
	if !acc.IsEnabled() || acc.IsCoolingDown(nowMs) {
		return false
	}
	if opts.Model != "" && acc.IsRateLimitedForKey(QuotaKey(family, opts.HeaderStyle, opts.Model), nowMs) {
		return false
	}
	if acc.IsRateLimitedForKey(baseQuotaKey(family, opts.HeaderStyle), nowMs) {
		return false
	}
	return !m.isOverSoftQuotaLocked(acc, family, opts.Model, opts.SoftQuotaThresholdPct, opts.SoftQuotaCacheTTLMs, nowMs)
}

// isOverSoftQuotaLocked gates on vendor-reported remaining quota. A
// missing or stale snapshot fails open: the account stays selectable.
func (m *Manager) isOverSoftQuotaLocked(acc *ManagedAccount, family Family, model string, thresholdPct float64, ttlMs, nowMs int64) bool {
	if thresholdPct >= config.SoftQuotaDisabledThreshold {
		return false
	}
	if acc.CachedQuota == nil || acc.CachedQuotaUpdatedAt == 0 {
		return false
	}
	if nowMs-acc.CachedQuotaUpdatedAt > ttlMs {
		return false
	}

	snap := acc.CachedQuota[ResolveQuotaGroup(family, model)]
	if snap == nil || snap.RemainingFraction == nil {
		return false
	}

	frac := *snap.RemainingFraction
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return (1-frac)*100 >= thresholdPct
}

// MarkRateLimited closes a quota key for a fixed window.
func (m *Manager) MarkRateLimited(acc *ManagedAccount, ttlMs int64, family Family, style HeaderStyle, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := QuotaKey(family, style, model)
	acc.setResetTime(key, m.now().UnixMilli()+ttlMs)
	log.Infof("[AccountManager] %s rate-limited on %s for %dms", accountLabel(acc), key, ttlMs)
	m.requestSaveLocked()
}

// MarkRateLimitedWithReason classifies the rejection, applies the
// escalating backoff, and returns the window that was applied.
func (m *Manager) MarkRateLimitedWithReason(acc *ManagedAccount, family Family, style HeaderStyle, model, reason, message string, status int, retryAfterMs int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := m.now().UnixMilli()
	classified := ParseRateLimitReason(reason, message, status)

	if acc.LastFailureTime > 0 && nowMs-acc.LastFailureTime > config.FailureTTLMs {
		acc.ConsecutiveFailures = 0
	}
	backoff := CalculateBackoff(classified, acc.ConsecutiveFailures, retryAfterMs)
	acc.ConsecutiveFailures++
	acc.LastFailureTime = nowMs

	key := QuotaKey(family, style, model)
	acc.setResetTime(key, nowMs+backoff)
	m.health.RecordRateLimit(acc.RefreshToken)

	log.Infof("[AccountManager] %s limited on %s: %s, backoff %dms (failure #%d)",
		accountLabel(acc), key, classified, backoff, acc.ConsecutiveFailures)
	m.requestSaveLocked()
	return backoff
}

// MarkRequestSuccess clears the failure streak after a completed
// request.
func (m *Manager) MarkRequestSuccess(acc *ManagedAccount) {
	m.mu.Lock()
	acc.ConsecutiveFailures = 0
	m.health.RecordSuccess(acc.RefreshToken)
	m.mu.Unlock()
}

// MarkAccountUsed stamps lastUsed, called only on request success.
func (m *Manager) MarkAccountUsed(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.accounts) {
		return
	}
	m.accounts[index].LastUsed = m.now().UnixMilli()
	m.requestSaveLocked()
}

// MarkAccountCoolingDown excludes the account for a short non-quota
// window (auth failure, network error, project error).
func (m *Manager) MarkAccountCoolingDown(acc *ManagedAccount, ms int64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc.CoolingDownUntil = m.now().UnixMilli() + ms
	acc.CooldownReason = reason
	m.health.RecordFailure(acc.RefreshToken)
	log.Warnf("[AccountManager] %s cooling down %dms (%s)", accountLabel(acc), ms, reason)
	m.requestSaveLocked()
}

// ClearAccountCooldown reopens a cooled-down account.
func (m *Manager) ClearAccountCooldown(acc *ManagedAccount) {
	m.mu.Lock()
	acc.CoolingDownUntil = 0
	acc.CooldownReason = ""
	m.requestSaveLocked()
	m.mu.Unlock()
}

// ClearAllRateLimitsForFamily reopens every pool of the family, with
// and without the model suffix, and resets failure streaks.
func (m *Manager) ClearAllRateLimitsForFamily(family Family, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	styles := []HeaderStyle{StyleAntigravity}
	if family == FamilyGemini {
		styles = append(styles, StyleGeminiCLI)
	}

	for _, acc := range m.accounts {
		for _, style := range styles {
			delete(acc.RateLimitResetTimes, baseQuotaKey(family, style))
			if model != "" {
				delete(acc.RateLimitResetTimes, QuotaKey(family, style, model))
			}
		}
		acc.ConsecutiveFailures = 0
	}
	m.requestSaveLocked()
}

// HasOtherAccountWithAntigravityAvailable reports whether any other
// enabled account still has the priority pool open. Always false for
// Claude, which has no alternate pool to preserve.
func (m *Manager) HasOtherAccountWithAntigravityAvailable(currentIdx int, family Family, model string) bool {
	if family != FamilyGemini {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := m.now().UnixMilli()
	for i, acc := range m.accounts {
		if i == currentIdx || !acc.IsEnabled() || acc.IsCoolingDown(nowMs) {
			continue
		}
		if acc.IsRateLimitedForKey(baseQuotaKey(family, StyleAntigravity), nowMs) {
			continue
		}
		if model != "" && acc.IsRateLimitedForKey(QuotaKey(family, StyleAntigravity, model), nowMs) {
			continue
		}
		return true
	}
	return false
}

// GetAvailableHeaderStyle returns the persona the account can serve
// the family under right now: antigravity while the priority pool is
// open, gemini-cli as the Gemini fallback, ok=false when both are
// closed.
func (m *Manager) GetAvailableHeaderStyle(acc *ManagedAccount, family Family, model string) (HeaderStyle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := m.now().UnixMilli()
	if m.styleOpenLocked(acc, family, StyleAntigravity, model, nowMs) {
		return StyleAntigravity, true
	}
	if family == FamilyGemini && m.styleOpenLocked(acc, family, StyleGeminiCLI, model, nowMs) {
		return StyleGeminiCLI, true
	}
	return "", false
}

func (m *Manager) styleOpenLocked(acc *ManagedAccount, family Family, style HeaderStyle, model string, nowMs int64) bool {
	if acc.IsRateLimitedForKey(baseQuotaKey(family, style), nowMs) {
		return false
	}
	if model != "" && acc.IsRateLimitedForKey(QuotaKey(family, style, model), nowMs) {
		return false
	}
	return true
}

// GetMinWaitTimeForFamily returns 0 when any account is available now,
// else the shortest wait until one reopens. Strict mode considers only
// the given header style; non-strict Gemini takes the minimum across
// both pools per account, since the account becomes usable when either
// reopens.
func (m *Manager) GetMinWaitTimeForFamily(family Family, model string, style HeaderStyle, strict bool) int64 {
	if style == "" {
		style = HeaderStyle(config.DefaultHeaderStyle)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := m.now().UnixMilli()
	minWait := int64(-1)

	for _, acc := range m.accounts {
		if !acc.IsEnabled() {
			continue
		}

		var poolWait int64
		if !strict && family == FamilyGemini {
			agWait := m.styleWaitLocked(acc, family, StyleAntigravity, model, nowMs)
			cliWait := m.styleWaitLocked(acc, family, StyleGeminiCLI, model, nowMs)
			poolWait = agWait
			if cliWait < poolWait {
				poolWait = cliWait
			}
		} else {
			poolWait = m.styleWaitLocked(acc, family, style, model, nowMs)
		}

		if cooldown := acc.CoolingDownUntil - nowMs; cooldown > poolWait {
			poolWait = cooldown
		}

		if poolWait <= 0 {
			return 0
		}
		if minWait < 0 || poolWait < minWait {
			minWait = poolWait
		}
	}

	if minWait < 0 {
		return 0
	}
	return minWait
}

// styleWaitLocked is how long until both the base and the
// model-specific key of a style are open. 0 means open now.
func (m *Manager) styleWaitLocked(acc *ManagedAccount, family Family, style HeaderStyle, model string, nowMs int64) int64 {
	wait := acc.resetTimeFor(baseQuotaKey(family, style)) - nowMs
	if model != "" {
		if w := acc.resetTimeFor(QuotaKey(family, style, model)) - nowMs; w > wait {
			wait = w
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}

// GetMinWaitTimeForSoftQuota returns (0, true) when any account is
// under the threshold, (wait, true) for the shortest vendor-reported
// reset, and (0, false) when no over-threshold account reports a
// usable reset time. The false case is the fail-open signal: callers
// proceed rather than spin.
func (m *Manager) GetMinWaitTimeForSoftQuota(family Family, thresholdPct float64, ttlMs int64, model string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := m.now().UnixMilli()
	group := ResolveQuotaGroup(family, model)
	minWait := int64(-1)

	for _, acc := range m.accounts {
		if !acc.IsEnabled() {
			continue
		}
		if !m.isOverSoftQuotaLocked(acc, family, model, thresholdPct, ttlMs, nowMs) {
			return 0, true
		}

		snap := acc.CachedQuota[group]
		if snap == nil || snap.ResetTime == "" {
			continue
		}
		if wait := ParseResetTime(snap.ResetTime) - nowMs; wait > 0 && (minWait < 0 || wait < minWait) {
			minWait = wait
		}
	}

	if minWait <= 0 {
		return 0, false
	}
	return minWait, true
}

// SetCachedQuota stores a vendor-reported quota snapshot for a group.
func (m *Manager) SetCachedQuota(acc *ManagedAccount, group string, snap *storage.QuotaSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acc.CachedQuota == nil {
		acc.CachedQuota = make(map[string]*storage.QuotaSnapshot)
	}
	acc.CachedQuota[group] = snap
	acc.CachedQuotaUpdatedAt = m.now().UnixMilli()
	m.requestSaveLocked()
}

// RegenerateFingerprint mints a new persona for the slot, archiving
// the prior one.
func (m *Manager) RegenerateFingerprint(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.accounts) {
		return fmt.Errorf("account index %d out of range", index)
	}
	acc := m.accounts[index]
	nowMs := m.now().UnixMilli()

	pushFingerprintHistory(acc.Account, acc.Fingerprint, nowMs, "regenerated", config.FingerprintHistoryLimit)
	acc.Fingerprint = GenerateFingerprint(nowMs)
	m.requestSaveLocked()
	return nil
}

// RestoreFingerprint re-adopts a persona from the history, archiving
// the current one.
func (m *Manager) RestoreFingerprint(index, historyIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.accounts) {
		return fmt.Errorf("account index %d out of range", index)
	}
	acc := m.accounts[index]
	if historyIndex < 0 || historyIndex >= len(acc.FingerprintHistory) {
		return fmt.Errorf("fingerprint history index %d out of range", historyIndex)
	}

	nowMs := m.now().UnixMilli()
	restored := acc.FingerprintHistory[historyIndex].Fingerprint

	pushFingerprintHistory(acc.Account, acc.Fingerprint, nowMs, "restored", config.FingerprintHistoryLimit)
	restored.CreatedAt = nowMs
	acc.Fingerprint = &restored
	m.requestSaveLocked()
	return nil
}

// RemoveAccount drops the account from the pool and from disk. The
// disk write bypasses the merge so another process cannot resurrect
// the entry.
func (m *Manager) RemoveAccount(acc *ManagedAccount) error {
	m.mu.Lock()

	idx := -1
	for i, a := range m.accounts {
		if a == acc || a.RefreshToken == acc.RefreshToken {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("account not in pool")
	}

	refreshToken := m.accounts[idx].RefreshToken
	m.accounts = append(m.accounts[:idx], m.accounts[idx+1:]...)
	for i, a := range m.accounts {
		a.Index = i
	}

	n := len(m.accounts)
	if n == 0 {
		m.activeIndex = -1
		for family := range m.currentIndexByFamily {
			m.currentIndexByFamily[family] = -1
		}
	} else {
		m.activeIndex = clampIndex(m.activeIndex, n)
		for family, cur := range m.currentIndexByFamily {
			if cur > idx {
				cur--
			}
			m.currentIndexByFamily[family] = clampIndex(cur, n)
		}
	}
	for _, rr := range m.roundRobin {
		rr.ResetCursor()
	}
	m.mu.Unlock()

	_, err := m.store.Update(func(root *storage.Root) {
		kept := root.Accounts[:0]
		for _, a := range root.Accounts {
			if a.RefreshToken != refreshToken {
				kept = append(kept, a)
			}
		}
		root.Accounts = kept
	})
	return err
}

// SetAccountEnabled toggles a slot's participation in selection and
// proactive refresh.
func (m *Manager) SetAccountEnabled(index int, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.accounts) {
		return fmt.Errorf("account index %d out of range", index)
	}
	m.accounts[index].SetEnabled(enabled)
	m.requestSaveLocked()
	return nil
}

// AdoptFallbackCredential adds the host's fallback credential to the
// pool unless its refresh token is already present. Returns true when
// an account was added.
func (m *Manager) AdoptFallbackCredential(encoded string) (bool, error) {
	parts, err := credential.Decode(encoded)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		if acc.RefreshToken == parts.RefreshToken {
			return false, nil
		}
	}

	nowMs := m.now().UnixMilli()
	stored := &storage.Account{
		RefreshToken:     parts.RefreshToken,
		ProjectID:        parts.ProjectID,
		ManagedProjectID: parts.ManagedProjectID,
		AddedAt:          nowMs,
		Fingerprint:      GenerateFingerprint(nowMs),
	}
	m.accounts = append(m.accounts, newManagedAccount(stored, len(m.accounts)))
	log.Infof("[AccountManager] Adopted fallback credential (pool size %d)", len(m.accounts))
	m.requestSaveLocked()
	return true, nil
}

// Accounts returns the live pool slice under a copy.
func (m *Manager) Accounts() []*ManagedAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ManagedAccount(nil), m.accounts...)
}

// Count returns the pool size.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

func accountLabel(acc *ManagedAccount) string {
	if acc.Email != "" {
		return acc.Email
	}
	return fmt.Sprintf("account #%d", acc.Index)
}
