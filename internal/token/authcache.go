package token

import (
	"sync"
	"time"
)

// AuthCache is the global snapshot cache keyed by refresh token. It
// prefers unexpired tokens: a cached snapshot is only returned while
// its access token is fresh, and a fresher incoming snapshot replaces
// the cached one.
type AuthCache struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot

	now func() time.Time
}

// NewAuthCache creates an empty cache.
func NewAuthCache() *AuthCache {
	return &AuthCache{
		snapshots: make(map[string]Snapshot),
		now:       time.Now,
	}
}

// Resolve reconciles an incoming snapshot with the cached one:
//   - cached unexpired -> cached wins (unless incoming is also
//     unexpired and newer, in which case incoming replaces it);
//   - cached expired, incoming unexpired -> incoming replaces;
//   - both expired -> incoming replaces (the caller will refresh).
func (c *AuthCache) Resolve(refreshToken string, incoming Snapshot) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cached, ok := c.snapshots[refreshToken]

	if !ok {
		c.snapshots[refreshToken] = incoming
		return incoming
	}

	incomingFresh := !incoming.Expired(now)
	cachedFresh := !cached.Expired(now)

	switch {
	case incomingFresh && (!cachedFresh || incoming.Expires > cached.Expires):
		c.snapshots[refreshToken] = incoming
		return incoming
	case cachedFresh:
		return cached
	default:
		c.snapshots[refreshToken] = incoming
		return incoming
	}
}

// Get returns the cached snapshot only while its access token is
// unexpired.
func (c *AuthCache) Get(refreshToken string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.snapshots[refreshToken]
	if !ok || cached.Expired(c.now()) {
		return Snapshot{}, false
	}
	return cached, true
}

// Put stores a snapshot unconditionally.
func (c *AuthCache) Put(refreshToken string, snapshot Snapshot) {
	c.mu.Lock()
	c.snapshots[refreshToken] = snapshot
	c.mu.Unlock()
}

// Delete removes a snapshot, typically after revocation.
func (c *AuthCache) Delete(refreshToken string) {
	c.mu.Lock()
	delete(c.snapshots, refreshToken)
	c.mu.Unlock()
}
