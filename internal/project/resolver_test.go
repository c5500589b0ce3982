package project

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T, handler http.Handler) *Resolver {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	r := NewResolver()
	r.loadEndpoints = []string{server.URL}
	r.onboardEndpoints = []string{server.URL}
	r.onboardDelay = 5 * time.Millisecond
	return r
}

func TestResolveReturnsExistingManagedProject(t *testing.T) {
	r := newTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t.Fatal("no HTTP call expected")
	}))

	res, err := r.Resolve(context.Background(), "rt|proj|managed-1", "at")
	require.NoError(t, err)
	assert.Equal(t, "managed-1", res.ManagedProjectID)
	assert.Equal(t, "rt|proj|managed-1", res.Credential)
}

func TestResolveAdoptsCompanionProjectFromLoad(t *testing.T) {
	r := newTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/v1internal:loadCodeAssist", req.URL.Path)
		assert.Equal(t, "Bearer at", req.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"cloudaicompanionProject": map[string]interface{}{"id": "companion-1"},
		})
	}))

	res, err := r.Resolve(context.Background(), "rt|proj|", "at")
	require.NoError(t, err)
	assert.Equal(t, "companion-1", res.ManagedProjectID)
	assert.Equal(t, "rt|proj|companion-1", res.Credential)

	// Memoized under the mutated credential key.
	again, err := r.Resolve(context.Background(), res.Credential, "at")
	require.NoError(t, err)
	assert.Equal(t, "companion-1", again.ManagedProjectID)
}

func TestResolveAcceptsStringCompanionProject(t *testing.T) {
	r := newTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"cloudaicompanionProject": "companion-str"})
	}))

	res, err := r.Resolve(context.Background(), "rt||", "at")
	require.NoError(t, err)
	assert.Equal(t, "companion-str", res.ManagedProjectID)
}

func TestResolveOnboardsWithDefaultTier(t *testing.T) {
	var onboardBody map[string]interface{}
	var polls int32

	r := newTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/v1internal:loadCodeAssist":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"allowedTiers": []interface{}{
					map[string]interface{}{"id": "legacy-tier"},
					map[string]interface{}{"id": "free-tier", "isDefault": true},
				},
			})
		case "/v1internal:onboardUser":
			json.NewDecoder(req.Body).Decode(&onboardBody)
			n := atomic.AddInt32(&polls, 1)
			if n < 3 {
				json.NewEncoder(w).Encode(map[string]interface{}{"done": false})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"done": true,
				"response": map[string]interface{}{
					"cloudaicompanionProject": map[string]interface{}{"id": "onboarded-1"},
				},
			})
		}
	}))

	res, err := r.Resolve(context.Background(), "rt|gcp-proj|", "at")
	require.NoError(t, err)
	assert.Equal(t, "onboarded-1", res.ManagedProjectID)
	assert.Equal(t, "free-tier", onboardBody["tierId"])
	assert.EqualValues(t, 3, polls)

	metadata := onboardBody["metadata"].(map[string]interface{})
	assert.Equal(t, "gcp-proj", metadata["duetProject"])
}

func TestResolveFallsBackToCredentialProject(t *testing.T) {
	r := newTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	r.onboardAttempts = 1

	res, err := r.Resolve(context.Background(), "rt|my-proj|", "at")
	require.NoError(t, err)
	assert.Equal(t, "my-proj", res.ManagedProjectID)
}

func TestResolveLoadFallsBackToSecondEndpoint(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"cloudaicompanionProject": "from-fallback"})
	}))
	t.Cleanup(good.Close)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(bad.Close)

	r := NewResolver()
	r.loadEndpoints = []string{bad.URL, good.URL}

	res, err := r.Resolve(context.Background(), "rt||", "at")
	require.NoError(t, err)
	assert.Equal(t, "from-fallback", res.ManagedProjectID)
}

func TestConcurrentResolveSharesOneFlight(t *testing.T) {
	var calls int32
	release := make(chan struct{})

	r := newTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		json.NewEncoder(w).Encode(map[string]interface{}{"cloudaicompanionProject": "shared"})
	}))

	var wg sync.WaitGroup
	results := make([]Resolution, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Resolve(context.Background(), "rt||", "at")
			require.NoError(t, err)
			results[i] = res
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls, "concurrent callers share one resolution")
	for _, res := range results {
		assert.Equal(t, "shared", res.ManagedProjectID)
	}
}

func TestInvalidateRefreshToken(t *testing.T) {
	var calls int32
	r := newTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{"cloudaicompanionProject": "p"})
	}))

	_, err := r.Resolve(context.Background(), "rt||", "at")
	require.NoError(t, err)
	require.EqualValues(t, 1, calls)

	r.InvalidateRefreshToken("rt")

	// The mutated key ("rt||p" equivalent) is gone too, so this re-resolves.
	_, err = r.Resolve(context.Background(), "rt||", "at")
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls)
}
