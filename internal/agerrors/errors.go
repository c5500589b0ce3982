// Package agerrors defines the error taxonomy shared by the broker core.
// Recoverable conditions are recorded in per-account state and drive
// selection; only NoEligibleAccount and TokenRevoked reach callers.
package agerrors

import (
	"errors"
	"fmt"
	"time"
)

// StorageUnavailable wraps an I/O failure on the accounts file. The
// runtime keeps operating on in-memory state when it sees this.
type StorageUnavailable struct {
	Op  string
	Err error
}

func (e *StorageUnavailable) Error() string {
	return fmt.Sprintf("account storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *StorageUnavailable) Unwrap() error { return e.Err }

// Corrupted reports an unparseable accounts file. Callers log it and
// treat the store as empty.
type Corrupted struct {
	Path string
	Err  error
}

func (e *Corrupted) Error() string {
	return fmt.Sprintf("account storage corrupted at %s: %v", e.Path, e.Err)
}

func (e *Corrupted) Unwrap() error { return e.Err }

// TokenRefreshFailed is a non-2xx response from the OAuth token endpoint
// that is not a revocation. Retried only by rotating accounts.
type TokenRefreshFailed struct {
	Status      int
	Code        string
	Description string
}

func (e *TokenRefreshFailed) Error() string {
	return fmt.Sprintf("token refresh failed: status=%d code=%s %s", e.Status, e.Code, e.Description)
}

// ErrTokenRevoked marks an invalid_grant response. The account stays
// disabled until re-linked and its caches are purged.
var ErrTokenRevoked = errors.New("refresh token revoked (invalid_grant)")

// IsTokenRevoked reports whether err is (or wraps) a revocation.
func IsTokenRevoked(err error) bool {
	return errors.Is(err, ErrTokenRevoked)
}

// RateLimited carries the classified reason for a quota rejection.
type RateLimited struct {
	Reason    string
	BackoffMs int64
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited (%s), backoff %dms", e.Reason, e.BackoffMs)
}

// CapacityTransient is a short-lived capacity or server condition,
// retryable on the same or the next account.
type CapacityTransient struct {
	Status int
}

func (e *CapacityTransient) Error() string {
	return fmt.Sprintf("transient capacity failure (status %d)", e.Status)
}

// NoEligibleAccount is surfaced when selection finds nothing usable.
// MinWait hints how long until the nearest rate limit reopens.
type NoEligibleAccount struct {
	Family  string
	MinWait time.Duration
}

func (e *NoEligibleAccount) Error() string {
	if e.MinWait > 0 {
		return fmt.Sprintf("no eligible %s account, retry in %s", e.Family, e.MinWait)
	}
	return fmt.Sprintf("no eligible %s account", e.Family)
}

// ProjectProvisionFailed reports that onboarding never completed; the
// caller falls through to a best-effort project id.
type ProjectProvisionFailed struct {
	Err error
}

func (e *ProjectProvisionFailed) Error() string {
	return fmt.Sprintf("managed project provisioning failed: %v", e.Err)
}

func (e *ProjectProvisionFailed) Unwrap() error { return e.Err }
