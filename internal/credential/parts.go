// Package credential implements the composite refresh credential used to
// carry an OAuth refresh token together with its project context.
// Format: refreshToken|projectId|managedProjectId
package credential

import (
	"fmt"
	"strings"
)

// Parts holds the decoded fields of a composite credential. Only
// RefreshToken is mandatory; it is the key used for caching and
// deduplication everywhere else in the broker.
type Parts struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

// MalformedError reports a credential string without a usable refresh token.
type MalformedError struct {
	Input string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed credential: no refresh token in %q", truncate(e.Input, 24))
}

// Encode renders the parts as a composite string. All three segments are
// always emitted, so empty middle and trailing fields survive a round
// trip instead of being collapsed.
func Encode(p Parts) string {
	return p.RefreshToken + "|" + p.ProjectID + "|" + p.ManagedProjectID
}

// Decode parses a composite credential string. Missing or empty segments
// decode as absent fields. Returns a MalformedError when the first
// segment is empty.
func Decode(s string) (Parts, error) {
	segments := strings.SplitN(s, "|", 3)

	p := Parts{RefreshToken: segments[0]}
	if len(segments) > 1 {
		p.ProjectID = segments[1]
	}
	if len(segments) > 2 {
		p.ManagedProjectID = segments[2]
	}

	if p.RefreshToken == "" {
		return Parts{}, &MalformedError{Input: s}
	}
	return p, nil
}

// RefreshTokenOf returns just the refresh-token segment without
// validating the rest. Used for cache keys where a best-effort answer
// beats an error.
func RefreshTokenOf(s string) string {
	if i := strings.IndexByte(s, '|'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
