package token

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/poemonsense/antigravity-broker/internal/agerrors"
	"github.com/poemonsense/antigravity-broker/internal/config"
	"github.com/poemonsense/antigravity-broker/internal/credential"
)

// Invalidator purges project-context state when a refresh token changes
// or is revoked.
type Invalidator interface {
	InvalidateRefreshToken(refreshToken string)
}

// Refresher redeems refresh tokens for access tokens and keeps the
// global auth cache current.
type Refresher struct {
	httpClient  *http.Client
	cache       *AuthCache
	invalidator Invalidator
	tokenURL    string

	now func() time.Time
}

// NewRefresher creates a refresher. invalidator may be nil.
func NewRefresher(cache *AuthCache, invalidator Invalidator) *Refresher {
	return &Refresher{
		httpClient:  &http.Client{Timeout: time.Duration(config.RequestTimeoutMs) * time.Millisecond},
		cache:       cache,
		invalidator: invalidator,
		tokenURL:    config.OAuthTokenURL,
		now:         time.Now,
	}
}

// Refresh redeems the snapshot's refresh token for a fresh access
// token. Returns (nil, nil) on transport errors so the caller can
// rotate; revocation and other endpoint rejections come back as typed
// errors.
func (r *Refresher) Refresh(ctx context.Context, snapshot Snapshot) (*Snapshot, error) {
	parts, err := credential.Decode(snapshot.Refresh)
	if err != nil {
		return nil, nil
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {parts.RefreshToken},
		"client_id":     {config.OAuthClientID},
		"client_secret": {config.OAuthClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// Expiry is computed from the time the request started, so network
	// latency can only make us refresh early, never late.
	startTime := r.now()

	resp, err := r.httpClient.Do(req)
	if err != nil {
		log.Debugf("[Token] Refresh transport error: %v", err)
		return nil, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, r.classifyFailure(resp.StatusCode, body, parts.RefreshToken)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Warnf("[Token] Unparseable token response: %v", err)
		return nil, nil
	}

	newParts := parts
	if payload.RefreshToken != "" {
		newParts.RefreshToken = payload.RefreshToken
	}

	fresh := &Snapshot{
		Type:    "oauth",
		Refresh: credential.Encode(newParts),
		Access:  payload.AccessToken,
		Expires: startTime.UnixMilli() + payload.ExpiresIn*1000 - config.TokenSkewMs,
	}

	if r.cache != nil {
		r.cache.Put(newParts.RefreshToken, *fresh)
	}
	if newParts.RefreshToken != parts.RefreshToken && r.invalidator != nil {
		r.invalidator.InvalidateRefreshToken(parts.RefreshToken)
	}

	return fresh, nil
}

// classifyFailure parses the error payload tolerantly: the error may be
// a bare string, or an object carrying status/code and message.
func (r *Refresher) classifyFailure(status int, body []byte, refreshToken string) error {
	code, description := parseOAuthError(body)

	if code == "invalid_grant" {
		log.Warnf("[Token] Refresh token revoked (invalid_grant)")
		if r.cache != nil {
			r.cache.Delete(refreshToken)
		}
		if r.invalidator != nil {
			r.invalidator.InvalidateRefreshToken(refreshToken)
		}
		return agerrors.ErrTokenRevoked
	}

	return &agerrors.TokenRefreshFailed{
		Status:      status,
		Code:        code,
		Description: description,
	}
}

func parseOAuthError(body []byte) (code, description string) {
	var payload struct {
		Error            json.RawMessage `json:"error"`
		ErrorDescription string          `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", strings.TrimSpace(string(body))
	}
	description = payload.ErrorDescription

	if len(payload.Error) == 0 {
		return "", description
	}

	var asString string
	if err := json.Unmarshal(payload.Error, &asString); err == nil {
		return asString, description
	}

	var asObject struct {
		Code    string `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload.Error, &asObject); err == nil {
		code = asObject.Code
		if code == "" {
			code = asObject.Status
		}
		if description == "" {
			description = asObject.Message
		}
	}
	return code, description
}
