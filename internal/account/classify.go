package account

import (
	"strings"
	"time"
)

// Classified rate-limit reasons, from most to least specific.
const (
	ReasonQuotaExhausted    = "QUOTA_EXHAUSTED"
	ReasonRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ReasonModelCapacity     = "MODEL_CAPACITY_EXHAUSTED"
	ReasonServerError       = "SERVER_ERROR"
	ReasonUnknown           = "UNKNOWN"
)

// ParseRateLimitReason classifies a vendor rejection from its explicit
// reason string, its message text, and the HTTP status. Rules apply in
// order; capacity signals beat rate-limit signals beat quota signals
// when a message carries more than one.
func ParseRateLimitReason(reason, message string, status int) string {
	switch status {
	case 503, 529:
		return ReasonModelCapacity
	case 500:
		return ReasonServerError
	}

	switch reason {
	case ReasonQuotaExhausted, ReasonRateLimitExceeded, ReasonModelCapacity:
		return reason
	}

	text := strings.ToLower(message)
	switch {
	case strings.Contains(text, "capacity"),
		strings.Contains(text, "overloaded"),
		strings.Contains(text, "resource exhausted"):
		return ReasonModelCapacity
	case strings.Contains(text, "per-minute"),
		strings.Contains(text, "rate limit"),
		strings.Contains(text, "rate-limit"),
		strings.Contains(text, "too many requests"):
		return ReasonRateLimitExceeded
	case strings.Contains(text, "exhausted"),
		strings.Contains(text, "quota"):
		return ReasonQuotaExhausted
	}

	return ReasonUnknown
}

// ParseResetTime turns a vendor-reported reset timestamp into epoch
// milliseconds. Accepts RFC 3339 and RFC 1123 date strings as well as
// bare epoch seconds or milliseconds; returns 0 when unparseable.
func ParseResetTime(value string) int64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UnixMilli()
	}
	if t, err := time.Parse(time.RFC1123, value); err == nil {
		return t.UnixMilli()
	}

	var n int64
	for _, r := range value {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int64(r-'0')
	}
	// Heuristic: values before ~2001-09 in ms are epoch seconds.
	if n > 0 && n < 1_000_000_000_000 {
		n *= 1000
	}
	return n
}
