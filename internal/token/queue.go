package token

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/poemonsense/antigravity-broker/internal/config"
	"github.com/poemonsense/antigravity-broker/internal/credential"
)

// Pool is the account surface the queue renews tokens for. Implemented
// by the account manager.
type Pool interface {
	// SnapshotsNearingExpiry returns snapshots of enabled accounts whose
	// access token expires within buffer.
	SnapshotsNearingExpiry(buffer time.Duration) []Snapshot

	// ApplyRefreshed writes a refreshed snapshot back to its account,
	// keyed by the pre-refresh refresh token.
	ApplyRefreshed(oldRefreshToken string, fresh Snapshot)

	// RequestSave schedules a debounced disk save.
	RequestSave()
}

// QueueStats is the queue's observable state.
type QueueStats struct {
	LastCheck    time.Time `json:"lastCheck"`
	LastRefresh  time.Time `json:"lastRefresh"`
	RefreshCount int64     `json:"refreshCount"`
	ErrorCount   int64     `json:"errorCount"`
	IsRunning    bool      `json:"isRunning"`
}

// Queue proactively renews tokens before they expire. Ticks are
// mutually exclusive: a tick that finds the previous one still running
// is skipped. Refreshes run serially, never in parallel, to avoid
// hammering the OAuth endpoint.
type Queue struct {
	refresher *Refresher
	pool      Pool
	interval  time.Duration
	buffer    time.Duration

	mu      sync.Mutex
	stats   QueueStats
	busy    bool
	stop    chan struct{}
	stopped sync.WaitGroup
}

// NewQueue creates a queue with the default interval and buffer.
func NewQueue(refresher *Refresher, pool Pool) *Queue {
	return &Queue{
		refresher: refresher,
		pool:      pool,
		interval:  time.Duration(config.RefreshIntervalMs) * time.Millisecond,
		buffer:    time.Duration(config.RefreshBufferMs) * time.Millisecond,
	}
}

// Start launches the background ticker. Restartable after Stop.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.stats.IsRunning {
		q.mu.Unlock()
		return
	}
	q.stats.IsRunning = true
	q.stop = make(chan struct{})
	stop := q.stop
	q.mu.Unlock()

	q.stopped.Add(1)
	go func() {
		defer q.stopped.Done()
		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.Tick(stop)
			case <-stop:
				return
			}
		}
	}()
	log.Infof("[RefreshQueue] Started (interval %s, buffer %s)", q.interval, q.buffer)
}

// Stop halts the ticker and waits for an in-flight tick's current
// account to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.stats.IsRunning {
		q.mu.Unlock()
		return
	}
	q.stats.IsRunning = false
	close(q.stop)
	q.mu.Unlock()

	q.stopped.Wait()
	log.Infof("[RefreshQueue] Stopped")
}

// Tick runs one proactive pass. Exported so tests and a manual
// management endpoint can trigger it; no-ops when a pass is already in
// flight.
func (q *Queue) Tick(stop <-chan struct{}) {
	q.mu.Lock()
	if q.busy {
		q.mu.Unlock()
		return
	}
	q.busy = true
	q.stats.LastCheck = time.Now()
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.busy = false
		q.mu.Unlock()
	}()

	snapshots := q.pool.SnapshotsNearingExpiry(q.buffer)
	if len(snapshots) == 0 {
		return
	}
	log.Debugf("[RefreshQueue] %d account(s) near expiry", len(snapshots))

	for _, snapshot := range snapshots {
		select {
		case <-stop:
			return
		default:
		}
		q.refreshOne(snapshot)
	}
}

func (q *Queue) refreshOne(snapshot Snapshot) {
	oldToken := credential.RefreshTokenOf(snapshot.Refresh)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.RequestTimeoutMs)*time.Millisecond)
	defer cancel()

	fresh, err := q.refresher.Refresh(ctx, snapshot)

	q.mu.Lock()
	defer q.mu.Unlock()

	if err != nil || fresh == nil {
		q.stats.ErrorCount++
		if err != nil {
			log.Warnf("[RefreshQueue] Proactive refresh failed: %v", err)
		}
		return
	}

	q.stats.RefreshCount++
	q.stats.LastRefresh = time.Now()
	q.pool.ApplyRefreshed(oldToken, *fresh)
	q.pool.RequestSave()
}

// Stats returns a copy of the queue statistics.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
