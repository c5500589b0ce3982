package broker

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/poemonsense/antigravity-broker/internal/account"
)

func TestClassifyModel(t *testing.T) {
	cases := []struct {
		name    string
		url     string
		payload string
		family  account.Family
		model   string
	}{
		{"payload model", "https://u/x", `{"model": "claude-opus-4"}`, account.FamilyClaude, "claude-opus-4"},
		{"nested request model", "https://u/x", `{"request": {"model": "gemini-3-flash"}}`, account.FamilyGemini, "gemini-3-flash"},
		{"model from url", "https://u/v1/models/gemini-3-pro:generateContent", `{}`, account.FamilyGemini, "gemini-3-pro"},
		{"unknown defaults to gemini", "https://u/x", `{"model": "mystery-1"}`, account.FamilyGemini, "mystery-1"},
		{"no model at all", "https://u/v1internal:generateContent", `{}`, account.FamilyGemini, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			family, model := ClassifyModel(tc.url, []byte(tc.payload))
			assert.Equal(t, tc.family, family)
			assert.Equal(t, tc.model, model)
		})
	}
}

func TestErrorSignals(t *testing.T) {
	reason, message := errorSignals([]byte(`{"error": {"status": "RESOURCE_EXHAUSTED", "message": "Quota exceeded"}}`))
	assert.Equal(t, "RESOURCE_EXHAUSTED", reason)
	assert.Equal(t, "Quota exceeded", message)

	reason, message = errorSignals([]byte(`{"error": "model overloaded"}`))
	assert.Empty(t, reason)
	assert.Equal(t, "model overloaded", message)

	reason, message = errorSignals([]byte(`upstream unavailable`))
	assert.Empty(t, reason)
	assert.Equal(t, "upstream unavailable", message)
}

func TestRetryAfterMs(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	assert.Equal(t, int64(30_000), retryAfterMs(h, nil))

	h = http.Header{}
	h.Set("Retry-After", time.Now().Add(10*time.Second).UTC().Format(http.TimeFormat))
	got := retryAfterMs(h, nil)
	assert.Greater(t, got, int64(5_000))
	assert.LessOrEqual(t, got, int64(10_000))

	body := []byte(`{"error": {"details": [{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "12s"}]}}`)
	assert.Equal(t, int64(12_000), retryAfterMs(http.Header{}, body))

	assert.Zero(t, retryAfterMs(http.Header{}, []byte(`{}`)))
}
