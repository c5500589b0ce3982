// Package project resolves the effective managed-project id for a
// credential: load, onboard if needed, and memoize by the encoded
// refresh parts.
package project

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/poemonsense/antigravity-broker/internal/agerrors"
	"github.com/poemonsense/antigravity-broker/internal/config"
	"github.com/poemonsense/antigravity-broker/internal/credential"
)

// Resolution is the outcome of a resolve: the managed project id and
// the credential string, re-encoded when a project was adopted.
type Resolution struct {
	ManagedProjectID string
	Credential       string
}

// Resolver memoizes managed-project discovery per credential.
// Concurrent calls with the same key share one in-flight resolution.
type Resolver struct {
	httpClient       *http.Client
	loadEndpoints    []string
	onboardEndpoints []string

	onboardAttempts int
	onboardDelay    time.Duration

	group   singleflight.Group
	mu      sync.Mutex
	results map[string]Resolution
}

// NewResolver creates a resolver with the production endpoints.
func NewResolver() *Resolver {
	return &Resolver{
		httpClient:       &http.Client{Timeout: time.Duration(config.RequestTimeoutMs) * time.Millisecond},
		loadEndpoints:    config.LoadCodeAssistEndpoints,
		onboardEndpoints: config.OnboardUserEndpoints,
		onboardAttempts:  config.OnboardMaxAttempts,
		onboardDelay:     time.Duration(config.OnboardPollDelayMs) * time.Millisecond,
		results:          make(map[string]Resolution),
	}
}

// Resolve yields the managed project for the credential, given a live
// access token. Results are cached by the encoded refresh parts; when
// resolution mutates the credential, the new key replaces the old one.
func (r *Resolver) Resolve(ctx context.Context, encodedCredential, accessToken string) (Resolution, error) {
	parts, err := credential.Decode(encodedCredential)
	if err != nil {
		return Resolution{}, err
	}

	if parts.ManagedProjectID != "" {
		return Resolution{ManagedProjectID: parts.ManagedProjectID, Credential: encodedCredential}, nil
	}

	r.mu.Lock()
	if cached, ok := r.results[encodedCredential]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(encodedCredential, func() (interface{}, error) {
		res := r.resolveUncached(ctx, parts, accessToken)

		r.mu.Lock()
		delete(r.results, encodedCredential)
		r.results[res.Credential] = res
		r.mu.Unlock()

		return res, nil
	})
	if err != nil {
		return Resolution{}, err
	}
	return v.(Resolution), nil
}

func (r *Resolver) resolveUncached(ctx context.Context, parts credential.Parts, accessToken string) Resolution {
	payload := r.loadCodeAssist(ctx, parts, accessToken)

	if payload != nil {
		if id := companionProjectID(payload["cloudaicompanionProject"]); id != "" {
			return adopt(parts, id)
		}
	}

	tierID := defaultTier(payload)
	if id := r.onboard(ctx, parts, accessToken, tierID); id != "" {
		return adopt(parts, id)
	}

	// Best-effort fallback; provisioning failure is logged, not fatal.
	log.Warnf("[Project] %v", &agerrors.ProjectProvisionFailed{Err: fmt.Errorf("onboarding never completed")})
	fallback := parts.ProjectID
	if fallback == "" {
		fallback = config.DefaultManagedProjectID
	}
	return Resolution{ManagedProjectID: fallback, Credential: credential.Encode(parts)}
}

func adopt(parts credential.Parts, managedID string) Resolution {
	parts.ManagedProjectID = managedID
	return Resolution{ManagedProjectID: managedID, Credential: credential.Encode(parts)}
}

// loadCodeAssist tries each endpoint in fallback order and returns the
// first successful payload.
func (r *Resolver) loadCodeAssist(ctx context.Context, parts credential.Parts, accessToken string) map[string]interface{} {
	body := map[string]interface{}{
		"metadata": requestMetadata(parts),
	}

	for _, endpoint := range r.loadEndpoints {
		payload, err := r.post(ctx, endpoint+"/v1internal:loadCodeAssist", accessToken, body)
		if err != nil {
			log.Debugf("[Project] loadCodeAssist failed at %s: %v", endpoint, err)
			continue
		}
		return payload
	}
	return nil
}

// onboard polls onboardUser until done, trying the next endpoint after
// a hard failure. The first endpoint to complete wins.
func (r *Resolver) onboard(ctx context.Context, parts credential.Parts, accessToken, tierID string) string {
	body := map[string]interface{}{
		"tierId":   tierID,
		"metadata": requestMetadata(parts),
	}

	for _, endpoint := range r.onboardEndpoints {
		for attempt := 0; attempt < r.onboardAttempts; attempt++ {
			payload, err := r.post(ctx, endpoint+"/v1internal:onboardUser", accessToken, body)
			if err != nil {
				log.Debugf("[Project] onboardUser failed at %s: %v", endpoint, err)
				break // next endpoint
			}

			if done, _ := payload["done"].(bool); done {
				if response, ok := payload["response"].(map[string]interface{}); ok {
					if id := companionProjectID(response["cloudaicompanionProject"]); id != "" {
						return id
					}
				}
				return ""
			}

			if attempt < r.onboardAttempts-1 {
				select {
				case <-ctx.Done():
					return ""
				case <-time.After(r.onboardDelay):
				}
			}
		}
	}
	return ""
}

func (r *Resolver) post(ctx context.Context, url, accessToken string, body interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var payload map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Invalidate drops the memoized resolution for an exact credential key.
func (r *Resolver) Invalidate(encodedCredential string) {
	r.mu.Lock()
	delete(r.results, encodedCredential)
	r.mu.Unlock()
}

// InvalidateRefreshToken drops every memoized resolution whose
// credential carries the given refresh token. Called on rotation and
// revocation.
func (r *Resolver) InvalidateRefreshToken(refreshToken string) {
	r.mu.Lock()
	for key := range r.results {
		if credential.RefreshTokenOf(key) == refreshToken {
			delete(r.results, key)
		}
	}
	r.mu.Unlock()
}

// companionProjectID accepts the two shapes the API returns for
// cloudaicompanionProject: a bare string or an object with an id.
func companionProjectID(v interface{}) string {
	switch proj := v.(type) {
	case string:
		return proj
	case map[string]interface{}:
		if id, ok := proj["id"].(string); ok {
			return id
		}
	}
	return ""
}

// defaultTier picks the first isDefault tier, else the first tier, else
// the literal FREE tier.
func defaultTier(payload map[string]interface{}) string {
	tiers, _ := payload["allowedTiers"].([]interface{})
	var first string
	for _, t := range tiers {
		tier, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := tier["id"].(string)
		if id == "" {
			continue
		}
		if first == "" {
			first = id
		}
		if isDefault, _ := tier["isDefault"].(bool); isDefault {
			return id
		}
	}
	if first != "" {
		return first
	}
	return config.DefaultTierID
}

func requestMetadata(parts credential.Parts) map[string]string {
	metadata := map[string]string{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
	if parts.ProjectID != "" {
		metadata["duetProject"] = parts.ProjectID
	}
	return metadata
}
