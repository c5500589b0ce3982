// Package token owns the OAuth access-token lifecycle: refresh against
// the token endpoint, the global auth cache, and proactive background
// renewal.
package token

import (
	"time"

	"github.com/poemonsense/antigravity-broker/internal/config"
)

// Snapshot is one auth state: the composite refresh credential plus an
// optional access token with its absolute expiry.
type Snapshot struct {
	Type    string `json:"type"` // always "oauth"
	Refresh string `json:"refresh"`
	Access  string `json:"access,omitempty"`
	Expires int64  `json:"expires,omitempty"` // epoch ms
}

// Expired reports whether the access token is unusable at now. The
// clock-skew margin is applied, and a missing expiry counts as expired.
func (s Snapshot) Expired(now time.Time) bool {
	if s.Access == "" || s.Expires == 0 {
		return true
	}
	return now.UnixMilli() >= s.Expires-config.TokenSkewMs
}
