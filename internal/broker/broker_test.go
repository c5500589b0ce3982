package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/poemonsense/antigravity-broker/internal/account"
	"github.com/poemonsense/antigravity-broker/internal/agerrors"
	"github.com/poemonsense/antigravity-broker/internal/config"
	"github.com/poemonsense/antigravity-broker/internal/project"
	"github.com/poemonsense/antigravity-broker/internal/signature"
	"github.com/poemonsense/antigravity-broker/internal/storage"
	"github.com/poemonsense/antigravity-broker/internal/token"
)

type fakeFetcher struct {
	responses []*Response
	errs      []error
	requests  []*Request
}

func (f *fakeFetcher) Do(ctx context.Context, req *Request) (*Response, error) {
	i := len(f.requests)
	f.requests = append(f.requests, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &Response{Status: 200, Body: []byte(`{}`)}, nil
}

// newTestBroker builds a broker whose accounts carry managed projects
// and live cached tokens, so neither the OAuth endpoint nor the
// project endpoints are touched.
func newTestBroker(t *testing.T, fetcher *fakeFetcher, refreshTokens ...string) (*Broker, *account.Manager) {
	t.Helper()

	auth := token.NewAuthCache()
	manager := account.NewManager(storage.New(t.TempDir()), auth)
	resolver := project.NewResolver()

	for i, rt := range refreshTokens {
		added, err := manager.AdoptFallbackCredential(fmt.Sprintf("%s|proj-%d|managed-%d", rt, i, i))
		require.NoError(t, err)
		require.True(t, added)

		auth.Put(rt, token.Snapshot{
			Type:    "oauth",
			Refresh: fmt.Sprintf("%s|proj-%d|managed-%d", rt, i, i),
			Access:  "at-" + rt,
			Expires: time.Now().UnixMilli() + 3_600_000,
		})
	}

	b := New(config.Defaults(), manager, auth, token.NewRefresher(auth, resolver), resolver, signature.NewCache(nil), fetcher)
	b.sleep = func(time.Duration) {}
	return b, manager
}

func quotaRejection() *Response {
	return &Response{
		Status: 429,
		Body:   []byte(`{"error": {"status": "RESOURCE_EXHAUSTED", "message": "Quota exceeded for quota metric"}}`),
	}
}

func TestExecuteSuccess(t *testing.T) {
	sig := strings.Repeat("s", 60)
	fetcher := &fakeFetcher{responses: []*Response{{
		Status: 200,
		Body: []byte(`{"candidates": [{"content": {"parts": [
			{"thought": true, "text": "reasoning", "thoughtSignature": "` + sig + `"}
		]}}]}`),
	}}}
	b, manager := newTestBroker(t, fetcher, "r1")

	resp, err := b.Execute(context.Background(), "session-1", "https://upstream/v1internal:generateContent", []byte(`{"model": "gemini-3-pro"}`))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	require.Len(t, fetcher.requests, 1)
	sent := fetcher.requests[0]
	assert.Equal(t, "Bearer at-r1", sent.Header.Get("Authorization"))
	assert.Equal(t, "managed-0", sent.Header.Get("X-Goog-User-Project"))
	assert.NotEmpty(t, sent.Header.Get("User-Agent"))
	assert.NotEmpty(t, sent.Header.Get("X-Client-Device-Id"))

	// Success stamps lastUsed and clears failures.
	acc := manager.Accounts()[0]
	assert.NotZero(t, acc.LastUsed)
	assert.Zero(t, acc.ConsecutiveFailures)

	// The streamed thought signature landed in the session cache.
	cached, ok := b.signatures.Get("session-1", "reasoning")
	require.True(t, ok)
	assert.Equal(t, sig, cached)
}

func TestExecuteRotatesOnQuotaRejection(t *testing.T) {
	fetcher := &fakeFetcher{responses: []*Response{quotaRejection(), {Status: 200, Body: []byte(`{}`)}}}
	b, manager := newTestBroker(t, fetcher, "r1", "r2")

	resp, err := b.Execute(context.Background(), "", "https://upstream/x", []byte(`{"model": "gemini-3-pro"}`))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	require.Len(t, fetcher.requests, 2)
	assert.Equal(t, "Bearer at-r1", fetcher.requests[0].Header.Get("Authorization"))
	assert.Equal(t, "Bearer at-r2", fetcher.requests[1].Header.Get("Authorization"))

	acc := manager.Accounts()[0]
	assert.NotZero(t, acc.RateLimitResetTimes["gemini-antigravity:gemini-3-pro"])
}

func TestExecuteFallsBackToGeminiCLIWhenAlone(t *testing.T) {
	fetcher := &fakeFetcher{responses: []*Response{quotaRejection(), {Status: 200, Body: []byte(`{}`)}}}
	b, _ := newTestBroker(t, fetcher, "r1")

	resp, err := b.Execute(context.Background(), "", "https://upstream/x", []byte(`{"model": "gemini-3-pro"}`))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	require.Len(t, fetcher.requests, 2)
	// With no other account, the same identity retries under the CLI
	// persona instead of surfacing exhaustion.
	assert.Contains(t, fetcher.requests[1].Header.Get("User-Agent"), "gemini-code-assist-cli")
}

func TestExecuteAuthFailureCoolsDownAndRotatesAway(t *testing.T) {
	fetcher := &fakeFetcher{responses: []*Response{{Status: 401, Body: []byte(`{}`)}}}
	b, manager := newTestBroker(t, fetcher, "r1")

	_, err := b.Execute(context.Background(), "", "https://upstream/x", []byte(`{"model": "gemini-3-pro"}`))

	var noEligible *agerrors.NoEligibleAccount
	require.ErrorAs(t, err, &noEligible)

	acc := manager.Accounts()[0]
	assert.Equal(t, account.CooldownAuthFailure, acc.CooldownReason)
	_, ok := b.auth.Get(acc.RefreshToken)
	assert.False(t, ok, "auth cache purged on auth failure")
}

func TestExecuteTransportErrorCoolsDown(t *testing.T) {
	fetcher := &fakeFetcher{errs: []error{errors.New("connection refused")}}
	b, manager := newTestBroker(t, fetcher, "r1")

	_, err := b.Execute(context.Background(), "", "https://upstream/x", []byte(`{"model": "gemini-3-pro"}`))

	var noEligible *agerrors.NoEligibleAccount
	require.ErrorAs(t, err, &noEligible)
	assert.Equal(t, account.CooldownNetworkError, manager.Accounts()[0].CooldownReason)
}

func TestExecuteStripsCrossFamilySignatures(t *testing.T) {
	fetcher := &fakeFetcher{}
	b, _ := newTestBroker(t, fetcher, "r1")

	sig := strings.Repeat("s", 60)
	payload := []byte(`{"model": "claude-opus-4", "contents": [{"parts": [
		{"thought": true, "text": "x", "thoughtSignature": "` + sig + `"}
	]}]}`)

	_, err := b.Execute(context.Background(), "", "https://upstream/x", payload)
	require.NoError(t, err)

	require.Len(t, fetcher.requests, 1)
	body := fetcher.requests[0].Body
	assert.False(t, gjson.GetBytes(body, "contents.0.parts.0.thoughtSignature").Exists())
	assert.Equal(t, "x", gjson.GetBytes(body, "contents.0.parts.0.text").Str)
}

func TestExecuteOptimisticResetWait(t *testing.T) {
	fetcher := &fakeFetcher{}
	b, manager := newTestBroker(t, fetcher, "r1")

	acc := manager.Accounts()[0]
	manager.MarkRateLimited(acc, 300, account.FamilyGemini, account.StyleAntigravity, "")
	manager.MarkRateLimited(acc, 300, account.FamilyGemini, account.StyleGeminiCLI, "")

	var slept time.Duration
	b.sleep = func(d time.Duration) {
		slept = d
		time.Sleep(d)
	}

	resp, err := b.Execute(context.Background(), "", "https://upstream/x", []byte(`{"model": "gemini-3-pro"}`))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Greater(t, slept, time.Duration(0))
	assert.LessOrEqual(t, slept, time.Duration(config.OptimisticResetMaxWaitMs)*time.Millisecond)
}

func TestExecuteOtherClientErrorsPassThrough(t *testing.T) {
	fetcher := &fakeFetcher{responses: []*Response{{Status: 400, Body: []byte(`{"error": "bad request"}`)}}}
	b, manager := newTestBroker(t, fetcher, "r1")

	resp, err := b.Execute(context.Background(), "", "https://upstream/x", []byte(`{"model": "gemini-3-pro"}`))
	require.NoError(t, err)
	assert.Equal(t, 400, resp.Status)

	// Not a pool signal: nothing was marked.
	acc := manager.Accounts()[0]
	assert.Empty(t, acc.RateLimitResetTimes)
	assert.Zero(t, acc.CoolingDownUntil)
}

func TestIngestThinkingSignatureValidates(t *testing.T) {
	b, _ := newTestBroker(t, &fakeFetcher{}, "r1")

	b.IngestThinkingSignature("s", "text", "short")
	_, ok := b.signatures.Get("s", "text")
	assert.False(t, ok, "short signatures are not cached")

	long := strings.Repeat("s", 60)
	b.IngestThinkingSignature("s", "text", long)
	got, ok := b.signatures.Get("s", "text")
	require.True(t, ok)
	assert.Equal(t, long, got)
}
