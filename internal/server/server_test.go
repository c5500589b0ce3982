package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/poemonsense/antigravity-broker/internal/account"
	"github.com/poemonsense/antigravity-broker/internal/broker"
	"github.com/poemonsense/antigravity-broker/internal/config"
	"github.com/poemonsense/antigravity-broker/internal/project"
	"github.com/poemonsense/antigravity-broker/internal/signature"
	"github.com/poemonsense/antigravity-broker/internal/storage"
	"github.com/poemonsense/antigravity-broker/internal/token"
)

type stubFetcher struct {
	resp *broker.Response
}

func (f *stubFetcher) Do(ctx context.Context, req *broker.Request) (*broker.Response, error) {
	return f.resp, nil
}

func newTestServer(t *testing.T, cfg *config.Config, upstream *broker.Response) (*Server, *account.Manager) {
	t.Helper()

	auth := token.NewAuthCache()
	manager := account.NewManager(storage.New(t.TempDir()), auth)
	resolver := project.NewResolver()

	added, err := manager.AdoptFallbackCredential("rt-1|proj|managed")
	require.NoError(t, err)
	require.True(t, added)
	auth.Put("rt-1", token.Snapshot{
		Type:    "oauth",
		Refresh: "rt-1|proj|managed",
		Access:  "at-1",
		Expires: time.Now().UnixMilli() + 3_600_000,
	})

	signatures := signature.NewCache(nil)
	refresher := token.NewRefresher(auth, resolver)
	b := broker.New(cfg, manager, auth, refresher, resolver, signatures, &stubFetcher{resp: upstream})
	queue := token.NewQueue(refresher, manager)

	return New(cfg, manager, b, queue, signatures), manager
}

func TestMessagesProxiesUpstreamResponse(t *testing.T) {
	upstream := &broker.Response{
		Status: 200,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(`{"candidates": []}`),
	}
	srv, _ := newTestServer(t, config.Defaults(), upstream)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model": "gemini-3-pro"}`))
	srv.Engine().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"candidates": []}`, rec.Body.String())
}

func TestMessagesRejectsInvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t, config.Defaults(), &broker.Response{Status: 200, Body: []byte(`{}`)})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`not json`))
	srv.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_error", gjson.Get(rec.Body.String(), "error.type").Str)
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := config.Defaults()
	cfg.APIKey = "secret"
	srv, _ := newTestServer(t, cfg, &broker.Response{Status: 200, Body: []byte(`{}`)})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	srv.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model": "gemini-3-pro"}`))
	req.Header.Set("Authorization", "Bearer secret")
	srv.Engine().ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model": "gemini-3-pro"}`))
	req.Header.Set("X-API-Key", "secret")
	srv.Engine().ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
}

func TestHealthOpenWithoutKey(t *testing.T) {
	cfg := config.Defaults()
	cfg.APIKey = "secret"
	srv, _ := newTestServer(t, cfg, &broker.Response{Status: 200, Body: []byte(`{}`)})

	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, "ok", gjson.Get(body, "status").Str)
	assert.Equal(t, int64(1), gjson.Get(body, "counts.total").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "counts.available").Int())
}

func TestAdminAccountLifecycle(t *testing.T) {
	srv, manager := newTestServer(t, config.Defaults(), &broker.Response{Status: 200, Body: []byte(`{}`)})

	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/accounts", nil))
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "accountCount").Int())

	rec = httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/accounts/0/disable", nil))
	require.Equal(t, 200, rec.Code)
	assert.False(t, manager.Accounts()[0].IsEnabled())

	rec = httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/accounts/0/enable", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, manager.Accounts()[0].IsEnabled())

	rec = httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/accounts/0/fingerprint/regenerate", nil))
	require.Equal(t, 200, rec.Code)
	assert.Len(t, manager.Accounts()[0].FingerprintHistory, 1)

	rec = httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/accounts/0", nil))
	require.Equal(t, 200, rec.Code)
	assert.Zero(t, manager.Count())

	rec = httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/accounts/5", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClearRateLimits(t *testing.T) {
	srv, manager := newTestServer(t, config.Defaults(), &broker.Response{Status: 200, Body: []byte(`{}`)})

	acc := manager.Accounts()[0]
	manager.MarkRateLimited(acc, 60_000, account.FamilyGemini, account.StyleAntigravity, "gemini-3-pro")
	require.NotEmpty(t, acc.RateLimitResetTimes)

	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/limits/clear?family=gemini&model=gemini-3-pro", nil))
	require.Equal(t, 200, rec.Code)
	assert.Empty(t, acc.RateLimitResetTimes)

	rec = httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/limits/clear?family=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTelemetryEndpointsAnsweredSilently(t *testing.T) {
	srv, _ := newTestServer(t, config.Defaults(), &broker.Response{Status: 200, Body: []byte(`{}`)})

	for _, path := range []string{"/api/event_logging/batch", "/"} {
		rec := httptest.NewRecorder()
		srv.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`)))
		assert.Equal(t, 200, rec.Code, fmt.Sprintf("path %s", path))
	}
}
