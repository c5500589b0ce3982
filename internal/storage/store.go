package storage

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"github.com/poemonsense/antigravity-broker/internal/agerrors"
	"github.com/poemonsense/antigravity-broker/internal/config"
)

// Store reads and writes the versioned account pool file. All writes go
// through an advisory file lock and merge with the current on-disk
// snapshot, so a stale writer has its diff applied over the other
// writer's state rather than overwriting it.
type Store struct {
	path string

	// now is injectable for tests.
	now func() time.Time
}

// New creates a store for the accounts file in dir.
func New(dir string) *Store {
	return &Store{
		path: filepath.Join(dir, config.AccountsFileName),
		now:  time.Now,
	}
}

// Path returns the accounts file path.
func (s *Store) Path() string { return s.path }

// Load reads, migrates, validates, and deduplicates the on-disk pool.
// A missing file yields an empty root. A corrupted file is logged and
// treated as empty rather than failing startup.
func (s *Store) Load() (*Root, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return EmptyRoot(), nil
	}
	if err != nil {
		return nil, &agerrors.StorageUnavailable{Op: "load", Err: err}
	}

	root, err := parseAndMigrate(data)
	if err != nil {
		log.Warnf("[Storage] %v, starting with empty pool", &agerrors.Corrupted{Path: s.path, Err: err})
		return EmptyRoot(), nil
	}

	sanitize(root)
	return root, nil
}

// Save merges snapshot with the current on-disk state under the file
// lock, then writes atomically via a temp file and rename.
func (s *Store) Save(snapshot *Root) error {
	return s.withLock(func() error {
		disk := s.loadForMerge()
		merged := mergeRoots(disk, snapshot)
		return s.writeLocked(merged)
	})
}

// Update applies fn to a freshly loaded on-disk root under the lock and
// writes the result without merging. Used for operations, like account
// removal, whose effect must not be resurrected by a later merge.
func (s *Store) Update(fn func(*Root)) (*Root, error) {
	var result *Root
	err := s.withLock(func() error {
		root := s.loadForMerge()
		fn(root)
		sanitize(root)
		result = root
		return s.writeLocked(root)
	})
	return result, err
}

// loadForMerge reads the disk state for a merge, tolerating absence and
// corruption (both yield an empty root).
func (s *Store) loadForMerge() *Root {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return EmptyRoot()
	}
	root, err := parseAndMigrate(data)
	if err != nil {
		return EmptyRoot()
	}
	sanitize(root)
	return root
}

// withLock runs fn under the advisory lock, retrying acquisition with
// exponential backoff. The lock file sits next to the accounts file.
func (s *Store) withLock(fn func() error) error {
	lock := flock.New(s.path + ".lock")

	backoff := time.Duration(config.StoreLockBackoffMin) * time.Millisecond
	maxBackoff := time.Duration(config.StoreLockBackoffMax) * time.Millisecond

	var locked bool
	var err error
	for attempt := 0; attempt <= config.StoreLockRetries; attempt++ {
		locked, err = lock.TryLock()
		if err != nil {
			return &agerrors.StorageUnavailable{Op: "lock", Err: err}
		}
		if locked {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	if !locked {
		// A peer has been holding the lock past the stale window; the
		// OS releases advisory locks on process death, so a live holder
		// this slow is a real fault.
		return &agerrors.StorageUnavailable{Op: "lock", Err: fmt.Errorf("lock held after %d retries", config.StoreLockRetries)}
	}
	defer func() { _ = lock.Unlock() }()

	return fn()
}

// writeLocked serializes root into <file>.<6-hex>.tmp and renames it
// over the accounts file. Caller must hold the lock.
func (s *Store) writeLocked(root *Root) error {
	root.Version = CurrentVersion

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return &agerrors.StorageUnavailable{Op: "marshal", Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return &agerrors.StorageUnavailable{Op: "mkdir", Err: err}
	}

	tmp := fmt.Sprintf("%s.%s.tmp", s.path, randHex(3))
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &agerrors.StorageUnavailable{Op: "write", Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return &agerrors.StorageUnavailable{Op: "rename", Err: err}
	}
	return nil
}

// sanitize enforces the root invariants: accounts need a refresh token,
// duplicate emails collapse to the freshest entry, and indexes stay in
// range.
func sanitize(root *Root) {
	valid := root.Accounts[:0]
	for _, acc := range root.Accounts {
		if acc != nil && acc.RefreshToken != "" {
			valid = append(valid, acc)
		}
	}
	root.Accounts = dedupeByEmail(valid)

	if len(root.Accounts) == 0 {
		root.ActiveIndex = 0
	} else if root.ActiveIndex < 0 || root.ActiveIndex >= len(root.Accounts) {
		root.ActiveIndex = 0
	}
	for family, idx := range root.ActiveIndexByFamily {
		if idx < 0 || idx >= len(root.Accounts) {
			root.ActiveIndexByFamily[family] = 0
		}
	}
}

// dedupeByEmail collapses entries sharing the same non-empty email,
// keeping the one with the greatest (lastUsed, addedAt).
func dedupeByEmail(accounts []*Account) []*Account {
	byEmail := make(map[string]int)
	result := make([]*Account, 0, len(accounts))

	for _, acc := range accounts {
		if acc.Email == "" {
			result = append(result, acc)
			continue
		}
		prev, seen := byEmail[acc.Email]
		if !seen {
			byEmail[acc.Email] = len(result)
			result = append(result, acc)
			continue
		}
		if fresher(acc, result[prev]) {
			result[prev] = acc
		}
	}
	return result
}

func fresher(a, b *Account) bool {
	if a.LastUsed != b.LastUsed {
		return a.LastUsed > b.LastUsed
	}
	return a.AddedAt > b.AddedAt
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%06x", time.Now().UnixNano()&0xffffff)
	}
	return hex.EncodeToString(b)
}
