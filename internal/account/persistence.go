package account

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/poemonsense/antigravity-broker/internal/config"
	"github.com/poemonsense/antigravity-broker/internal/storage"
)

// RequestSaveToDisk schedules a trailing debounced write. Concurrent
// calls coalesce into a single write.
func (m *Manager) RequestSaveToDisk() {
	m.mu.Lock()
	m.requestSaveLocked()
	m.mu.Unlock()
}

func (m *Manager) requestSaveLocked() {
	if m.saveTimer != nil {
		return
	}
	m.saveTimer = time.AfterFunc(time.Duration(config.SaveDebounceMs)*time.Millisecond, m.saveNow)
}

// FlushSaveToDisk cancels the pending debounce, writes immediately,
// and returns once the write (and the merge under the file lock) has
// completed.
func (m *Manager) FlushSaveToDisk() error {
	done := make(chan error, 1)
	m.mu.Lock()
	m.saveWaiters = append(m.saveWaiters, done)
	m.mu.Unlock()

	m.saveNow()
	return <-done
}

func (m *Manager) saveNow() {
	m.mu.Lock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	root := m.rootLocked()
	waiters := m.saveWaiters
	m.saveWaiters = nil
	m.mu.Unlock()

	err := m.store.Save(root)
	if err != nil {
		log.Warnf("[AccountManager] Save failed: %v", err)
	}
	for _, w := range waiters {
		w <- err
	}
}

// rootLocked snapshots the pool into a persistable document.
func (m *Manager) rootLocked() *storage.Root {
	root := &storage.Root{
		Version:     storage.CurrentVersion,
		ActiveIndex: m.activeIndex,
		Accounts:    make([]*storage.Account, 0, len(m.accounts)),
	}
	if root.ActiveIndex < 0 {
		root.ActiveIndex = 0
	}
	for _, acc := range m.accounts {
		root.Accounts = append(root.Accounts, acc.Account.Clone())
	}
	if len(m.currentIndexByFamily) > 0 {
		root.ActiveIndexByFamily = make(map[string]int, len(m.currentIndexByFamily))
		for family, idx := range m.currentIndexByFamily {
			if idx >= 0 {
				root.ActiveIndexByFamily[string(family)] = idx
			}
		}
	}
	return root
}
