package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/antigravity-broker/internal/agerrors"
	"github.com/poemonsense/antigravity-broker/internal/config"
)

type recordingInvalidator struct {
	invalidated []string
}

func (r *recordingInvalidator) InvalidateRefreshToken(token string) {
	r.invalidated = append(r.invalidated, token)
}

func newTestRefresher(t *testing.T, handler http.HandlerFunc) (*Refresher, *recordingInvalidator) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	inv := &recordingInvalidator{}
	r := NewRefresher(NewAuthCache(), inv)
	r.tokenURL = server.URL
	return r, inv
}

func TestRefreshSuccess(t *testing.T) {
	r, _ := newTestRefresher(t, func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "refresh_token", req.Form.Get("grant_type"))
		assert.Equal(t, "rt-1", req.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","expires_in":3600}`))
	})

	start := time.Now()
	fresh, err := r.Refresh(context.Background(), Snapshot{Type: "oauth", Refresh: "rt-1|proj|"})
	require.NoError(t, err)
	require.NotNil(t, fresh)

	assert.Equal(t, "at-1", fresh.Access)
	// Project ids survive the refresh.
	assert.Equal(t, "rt-1|proj|", fresh.Refresh)

	wantExpiry := start.UnixMilli() + 3600*1000 - config.TokenSkewMs
	assert.InDelta(t, wantExpiry, fresh.Expires, 2000)
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	r, inv := newTestRefresher(t, func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"access_token":"at-1","expires_in":3600,"refresh_token":"rt-2"}`))
	})

	fresh, err := r.Refresh(context.Background(), Snapshot{Refresh: "rt-1|proj|mp"})
	require.NoError(t, err)
	require.NotNil(t, fresh)

	assert.Equal(t, "rt-2|proj|mp", fresh.Refresh)
	// Old key's project context is stale once the token rotates.
	assert.Equal(t, []string{"rt-1"}, inv.invalidated)

	cached, ok := r.cache.Get("rt-2")
	require.True(t, ok)
	assert.Equal(t, "at-1", cached.Access)
}

func TestRefreshInvalidGrantIsRevocation(t *testing.T) {
	r, inv := newTestRefresher(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been revoked"}`))
	})
	r.cache.Put("rt-1", Snapshot{Access: "stale"})

	_, err := r.Refresh(context.Background(), Snapshot{Refresh: "rt-1||"})
	require.Error(t, err)
	assert.True(t, agerrors.IsTokenRevoked(err))
	assert.Equal(t, []string{"rt-1"}, inv.invalidated)

	_, ok := r.cache.Get("rt-1")
	assert.False(t, ok)
}

func TestRefreshObjectErrorShape(t *testing.T) {
	r, _ := newTestRefresher(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"status":"PERMISSION_DENIED","message":"blocked"}}`))
	})

	_, err := r.Refresh(context.Background(), Snapshot{Refresh: "rt-1"})
	require.Error(t, err)

	var failed *agerrors.TokenRefreshFailed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, http.StatusForbidden, failed.Status)
	assert.Equal(t, "PERMISSION_DENIED", failed.Code)
	assert.Equal(t, "blocked", failed.Description)
}

func TestRefreshMissingRefreshTokenReturnsNil(t *testing.T) {
	r, _ := newTestRefresher(t, func(w http.ResponseWriter, req *http.Request) {
		t.Fatal("endpoint must not be called")
	})

	fresh, err := r.Refresh(context.Background(), Snapshot{Refresh: "|proj|"})
	assert.NoError(t, err)
	assert.Nil(t, fresh)
}

func TestRefreshTransportErrorReturnsNil(t *testing.T) {
	r := NewRefresher(NewAuthCache(), nil)
	r.tokenURL = "http://127.0.0.1:1/closed"
	r.httpClient.Timeout = 200 * time.Millisecond

	fresh, err := r.Refresh(context.Background(), Snapshot{Refresh: "rt-1"})
	assert.NoError(t, err)
	assert.Nil(t, fresh)
}

func TestSnapshotExpiry(t *testing.T) {
	now := time.Now()

	assert.True(t, Snapshot{}.Expired(now), "missing expiry is expired")
	assert.True(t, Snapshot{Access: "at"}.Expired(now))

	fresh := Snapshot{Access: "at", Expires: now.UnixMilli() + 5*60*1000}
	assert.False(t, fresh.Expired(now))

	// Within the skew margin counts as expired.
	nearly := Snapshot{Access: "at", Expires: now.UnixMilli() + 30*1000}
	assert.True(t, nearly.Expired(now))
}

func TestAuthCachePrefersUnexpired(t *testing.T) {
	c := NewAuthCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	freshExp := now.UnixMilli() + 10*60*1000
	stale := Snapshot{Access: "stale", Expires: now.UnixMilli() - 1000}
	fresh := Snapshot{Access: "fresh", Expires: freshExp}

	// Cached fresh beats incoming stale.
	c.Put("rt", fresh)
	got := c.Resolve("rt", stale)
	assert.Equal(t, "fresh", got.Access)

	// Fresher incoming replaces cached.
	fresher := Snapshot{Access: "fresher", Expires: freshExp + 60_000}
	got = c.Resolve("rt", fresher)
	assert.Equal(t, "fresher", got.Access)

	// Both expired: incoming replaces, caller refreshes.
	c.Put("rt2", stale)
	got = c.Resolve("rt2", Snapshot{Access: "incoming-stale", Expires: now.UnixMilli() - 500})
	assert.Equal(t, "incoming-stale", got.Access)

	_, ok := c.Get("rt2")
	assert.False(t, ok, "expired snapshots are not returned")
}

type fakePool struct {
	snapshots []Snapshot
	applied   map[string]Snapshot
	saves     int
}

func (p *fakePool) SnapshotsNearingExpiry(buffer time.Duration) []Snapshot { return p.snapshots }
func (p *fakePool) ApplyRefreshed(old string, fresh Snapshot) {
	if p.applied == nil {
		p.applied = make(map[string]Snapshot)
	}
	p.applied[old] = fresh
}
func (p *fakePool) RequestSave() { p.saves++ }

func TestQueueTickRefreshesSerially(t *testing.T) {
	var inFlight, maxInFlight int
	r, _ := newTestRefresher(t, func(w http.ResponseWriter, req *http.Request) {
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		time.Sleep(10 * time.Millisecond)
		inFlight--
		w.Write([]byte(`{"access_token":"at","expires_in":3600}`))
	})

	pool := &fakePool{snapshots: []Snapshot{
		{Refresh: "rt-1"}, {Refresh: "rt-2"}, {Refresh: "rt-3"},
	}}
	q := NewQueue(r, pool)
	q.Tick(make(chan struct{}))

	assert.Equal(t, 1, maxInFlight, "refreshes must never run in parallel")
	assert.Len(t, pool.applied, 3)
	assert.Equal(t, 3, pool.saves)

	stats := q.Stats()
	assert.EqualValues(t, 3, stats.RefreshCount)
	assert.EqualValues(t, 0, stats.ErrorCount)
	assert.False(t, stats.LastCheck.IsZero())
}

func TestQueueStopCheckedBetweenAccounts(t *testing.T) {
	calls := 0
	r, _ := newTestRefresher(t, func(w http.ResponseWriter, req *http.Request) {
		calls++
		w.Write([]byte(`{"access_token":"at","expires_in":3600}`))
	})

	stop := make(chan struct{})
	close(stop)

	pool := &fakePool{snapshots: []Snapshot{{Refresh: "rt-1"}, {Refresh: "rt-2"}}}
	q := NewQueue(r, pool)
	q.Tick(stop)

	assert.Zero(t, calls, "closed stop channel halts the pass before any refresh")
}
