package broker

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/poemonsense/antigravity-broker/internal/account"
)

// ClassifyModel extracts the target model from the payload (falling
// back to the URL) and maps it to a family. Unrecognized models are
// brokered as Gemini, the pool's native protocol.
func ClassifyModel(targetURL string, payload []byte) (account.Family, string) {
	model := gjson.GetBytes(payload, "model").Str
	if model == "" {
		model = gjson.GetBytes(payload, "request.model").Str
	}
	if model == "" {
		model = modelFromURL(targetURL)
	}

	if family, ok := account.FamilyOfModel(model); ok {
		return family, model
	}
	return account.FamilyGemini, model
}

// modelFromURL pulls the model out of paths shaped like
// /v1/models/<model>:generateContent.
func modelFromURL(targetURL string) string {
	idx := strings.Index(targetURL, "/models/")
	if idx < 0 {
		return ""
	}
	rest := targetURL[idx+len("/models/"):]
	if colon := strings.IndexByte(rest, ':'); colon >= 0 {
		rest = rest[:colon]
	}
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		rest = rest[:q]
	}
	return rest
}

// errorSignals pulls the classification inputs out of a rejection
// body. Both the Google {error:{status,message}} shape and a bare
// string body are accepted.
func errorSignals(body []byte) (reason, message string) {
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return "", strings.TrimSpace(string(body))
	}

	errField := parsed.Get("error")
	switch {
	case errField.IsObject():
		reason = errField.Get("status").Str
		message = errField.Get("message").Str
	case errField.Type == gjson.String:
		message = errField.Str
	default:
		message = parsed.Get("message").Str
	}
	return reason, message
}

// retryAfterMs extracts the server's retry hint: the Retry-After
// header (seconds or HTTP date) or a RetryInfo detail ("30s") in the
// body. 0 means no hint.
func retryAfterMs(header http.Header, body []byte) int64 {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return int64(secs * 1000)
		}
		if t, err := http.ParseTime(v); err == nil {
			if ms := time.Until(t).Milliseconds(); ms > 0 {
				return ms
			}
		}
	}

	details := gjson.GetBytes(body, "error.details")
	if details.IsArray() {
		for _, d := range details.Array() {
			delay := d.Get("retryDelay").Str
			if delay == "" {
				continue
			}
			if dur, err := time.ParseDuration(delay); err == nil {
				return dur.Milliseconds()
			}
		}
	}
	return 0
}
