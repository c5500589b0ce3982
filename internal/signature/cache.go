// Package signature caches cryptographic thinking-block signatures per
// session so multi-turn conversations stay valid when replayed against
// a family that requires signed prior thoughts.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/poemonsense/antigravity-broker/internal/config"
)

// DiskStore is the optional second tier. Writes are dual; reads fall
// back here on RAM miss and promote the hit back to RAM.
type DiskStore interface {
	Store(key, value string)
	Retrieve(key string) (string, bool)
}

type entry struct {
	Signature string
	Timestamp time.Time
}

// Cache is the session-scoped, TTL-bounded, size-bounded signature map.
// The RAM tier is authoritative; the disk tier is opt-in.
type Cache struct {
	mu       sync.Mutex
	sessions map[string]map[string]entry
	disk     DiskStore

	ttl        time.Duration
	perSession int

	now func() time.Time
}

// NewCache creates a cache with the default TTL and per-session cap.
// disk may be nil.
func NewCache(disk DiskStore) *Cache {
	return &Cache{
		sessions:   make(map[string]map[string]entry),
		disk:       disk,
		ttl:        time.Duration(config.SignatureCacheTTLMs) * time.Millisecond,
		perSession: config.SignatureCachePerSession,
		now:        time.Now,
	}
}

// HashText returns the cache key for a thinking text: the first 16 hex
// chars (64 bits) of its SHA-256. Collisions within a session's bounded
// pool cost at most one extra upstream rejection.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:config.SignatureHashHexLen]
}

// Put stores the signature for (sessionID, text), evicting when the
// session is at cap: expired entries first, then the oldest quartile.
func (c *Cache) Put(sessionID, text, sig string) {
	if sessionID == "" || text == "" || sig == "" {
		return
	}
	key := HashText(text)

	c.mu.Lock()
	session, ok := c.sessions[sessionID]
	if !ok {
		session = make(map[string]entry)
		c.sessions[sessionID] = session
	}
	if _, exists := session[key]; !exists && len(session) >= c.perSession {
		c.evictLocked(session)
	}
	session[key] = entry{Signature: sig, Timestamp: c.now()}
	c.mu.Unlock()

	if c.disk != nil {
		c.disk.Store(diskKey(sessionID, key), sig)
	}
}

// Get returns the cached signature for (sessionID, text), consulting
// the disk tier on RAM miss and promoting hits back to RAM.
func (c *Cache) Get(sessionID, text string) (string, bool) {
	if sessionID == "" || text == "" {
		return "", false
	}
	key := HashText(text)

	c.mu.Lock()
	if session, ok := c.sessions[sessionID]; ok {
		if e, ok := session[key]; ok {
			if c.now().Sub(e.Timestamp) <= c.ttl {
				c.mu.Unlock()
				return e.Signature, true
			}
			delete(session, key)
		}
	}
	c.mu.Unlock()

	if c.disk == nil {
		return "", false
	}
	sig, ok := c.disk.Retrieve(diskKey(sessionID, key))
	if !ok || sig == "" {
		return "", false
	}

	// Promote back to RAM.
	c.mu.Lock()
	session, exists := c.sessions[sessionID]
	if !exists {
		session = make(map[string]entry)
		c.sessions[sessionID] = session
	}
	if _, taken := session[key]; !taken && len(session) >= c.perSession {
		c.evictLocked(session)
	}
	session[key] = entry{Signature: sig, Timestamp: c.now()}
	c.mu.Unlock()

	return sig, true
}

// ClearSession drops a session's RAM entries. The disk tier is not
// iterated; it expires naturally.
func (c *Cache) ClearSession(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// ClearAll drops every session from RAM.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	c.sessions = make(map[string]map[string]entry)
	c.mu.Unlock()
}

// SessionLen reports the RAM entry count for a session.
func (c *Cache) SessionLen(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions[sessionID])
}

// evictLocked purges expired entries; if the session is still at cap it
// drops the oldest 25%.
func (c *Cache) evictLocked(session map[string]entry) {
	now := c.now()
	for key, e := range session {
		if now.Sub(e.Timestamp) > c.ttl {
			delete(session, key)
		}
	}
	if len(session) < c.perSession {
		return
	}

	type aged struct {
		key string
		ts  time.Time
	}
	entries := make([]aged, 0, len(session))
	for key, e := range session {
		entries = append(entries, aged{key, e.Timestamp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Before(entries[j].ts) })

	drop := len(entries) / 4
	if drop < 1 {
		drop = 1
	}
	for _, e := range entries[:drop] {
		delete(session, e.key)
	}
	log.Debugf("[SignatureCache] Evicted %d oldest entries", drop)
}

func diskKey(sessionID, hash string) string {
	return sessionID + ":" + hash
}
