// Package broker orchestrates one inference request end to end:
// select an identity, ensure its token is fresh, resolve its project
// context, sanitize the payload, send, and record the outcome back
// into the pool.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/poemonsense/antigravity-broker/internal/account"
	"github.com/poemonsense/antigravity-broker/internal/agerrors"
	"github.com/poemonsense/antigravity-broker/internal/config"
	"github.com/poemonsense/antigravity-broker/internal/credential"
	"github.com/poemonsense/antigravity-broker/internal/project"
	"github.com/poemonsense/antigravity-broker/internal/sanitizer"
	"github.com/poemonsense/antigravity-broker/internal/signature"
	"github.com/poemonsense/antigravity-broker/internal/token"
)

var errTransient = errors.New("transient token failure")

// Broker ties the subsystems together per request.
type Broker struct {
	cfg        *config.Config
	manager    *account.Manager
	auth       *token.AuthCache
	refresher  *token.Refresher
	resolver   *project.Resolver
	signatures *signature.Cache
	fetcher    Fetcher

	sleep func(time.Duration)
	now   func() time.Time
}

// New wires a broker over its collaborators.
func New(cfg *config.Config, manager *account.Manager, auth *token.AuthCache, refresher *token.Refresher, resolver *project.Resolver, signatures *signature.Cache, fetcher Fetcher) *Broker {
	return &Broker{
		cfg:        cfg,
		manager:    manager,
		auth:       auth,
		refresher:  refresher,
		resolver:   resolver,
		signatures: signatures,
		fetcher:    fetcher,
		sleep:      time.Sleep,
		now:        time.Now,
	}
}

// Execute brokers one inference request. On quota rejections it
// rotates through the pool, preferring a fresh account's antigravity
// pool over the same account's gemini-cli fallback, and surfaces
// NoEligibleAccount once nothing is left.
func (b *Broker) Execute(ctx context.Context, sessionID, targetURL string, payload []byte) (*Response, error) {
	family, model := ClassifyModel(targetURL, payload)
	style := account.HeaderStyle(config.DefaultHeaderStyle)

	maxAttempts := b.manager.Count() + 2
	var lastResp *Response

	for attempt := 0; attempt < maxAttempts; attempt++ {
		acc, err := b.selectAccount(family, model, style)
		if err != nil {
			return lastResp, err
		}

		resp, err := b.sendOnce(ctx, acc, family, model, style, sessionID, targetURL, payload)
		switch {
		case errors.Is(err, errTransient):
			b.manager.MarkAccountCoolingDown(acc, config.NetworkErrorCooldownMs, account.CooldownNetworkError)
			continue
		case agerrors.IsTokenRevoked(err):
			b.handleAuthFailure(acc)
			continue
		case err != nil:
			var refreshFailed *agerrors.TokenRefreshFailed
			if errors.As(err, &refreshFailed) {
				b.handleAuthFailure(acc)
				continue
			}
			return lastResp, err
		}
		lastResp = resp

		switch {
		case resp.Status >= 200 && resp.Status < 300:
			b.manager.MarkAccountUsed(acc.Index)
			b.manager.MarkRequestSuccess(acc)
			if n := b.ingestResponseSignatures(sessionID, resp.Body); n > 0 {
				log.Debugf("[Broker] Cached %d thinking signature(s) for session %s", n, sessionID)
			}
			b.manager.RequestSaveToDisk()
			return resp, nil

		case resp.Status == http.StatusUnauthorized:
			b.handleAuthFailure(acc)

		case resp.Status == 429 || resp.Status == 503 || resp.Status == 529:
			reason, message := errorSignals(resp.Body)
			backoff := b.manager.MarkRateLimitedWithReason(acc, family, style, model, reason, message, resp.Status, retryAfterMs(resp.Header, resp.Body))
			log.Infof("[Broker] %s rejected (%d), backoff %dms", family, resp.Status, backoff)

			if family == account.FamilyGemini && style == account.StyleAntigravity {
				if b.manager.HasOtherAccountWithAntigravityAvailable(acc.Index, family, model) {
					continue // preserve the priority pool: switch accounts first
				}
				if alt, ok := b.manager.GetAvailableHeaderStyle(acc, family, model); ok && alt == account.StyleGeminiCLI {
					style = account.StyleGeminiCLI
					continue
				}
			}

		case resp.Status >= 500:
			b.manager.MarkAccountCoolingDown(acc, config.NetworkErrorCooldownMs, account.CooldownNetworkError)

		default:
			// Other 4xx are the caller's problem, not a pool signal.
			return resp, nil
		}
	}

	if lastResp != nil {
		return lastResp, nil
	}
	wait := b.manager.GetMinWaitTimeForFamily(family, model, style, false)
	return nil, &agerrors.NoEligibleAccount{Family: string(family), MinWait: time.Duration(wait) * time.Millisecond}
}

// selectAccount runs one selection, honoring the optimistic-reset
// rule: when nothing is available but a reset lands within 2 s, wait
// it out once and try again.
func (b *Broker) selectAccount(family account.Family, model string, style account.HeaderStyle) (*account.ManagedAccount, error) {
	opts := account.SelectOptions{
		Model:                 model,
		Strategy:              b.cfg.GetStrategy(),
		HeaderStyle:           style,
		PIDOffset:             b.cfg.Selection.PIDOffset,
		SoftQuotaThresholdPct: float64(b.cfg.Selection.SoftQuotaThresholdPct),
		SoftQuotaCacheTTLMs:   b.cfg.Selection.SoftQuotaCacheTTLMs,
	}

	if acc := b.manager.SelectForFamily(family, opts); acc != nil {
		return acc, nil
	}

	wait := b.manager.GetMinWaitTimeForFamily(family, model, style, false)
	if wait > 0 && wait <= config.OptimisticResetMaxWaitMs {
		b.sleep(time.Duration(wait) * time.Millisecond)
		if acc := b.manager.SelectForFamily(family, opts); acc != nil {
			return acc, nil
		}
	}
	return nil, &agerrors.NoEligibleAccount{Family: string(family), MinWait: time.Duration(wait) * time.Millisecond}
}

func (b *Broker) sendOnce(ctx context.Context, acc *account.ManagedAccount, family account.Family, model string, style account.HeaderStyle, sessionID, targetURL string, payload []byte) (*Response, error) {
	snap, err := b.ensureToken(ctx, acc)
	if err != nil {
		return nil, err
	}

	resolution, err := b.resolver.Resolve(ctx, snap.Refresh, snap.Access)
	if err != nil {
		return nil, err
	}
	if resolution.Credential != snap.Refresh {
		// An adopted managed project is persisted on the account.
		b.manager.ApplyRefreshed(acc.RefreshToken, token.Snapshot{
			Type: "oauth", Refresh: resolution.Credential, Access: snap.Access, Expires: snap.Expires,
		})
		b.manager.RequestSaveToDisk()
	}

	body := b.sanitizePayload(payload, family, model, sessionID)

	resp, err := b.fetcher.Do(ctx, &Request{
		Method: http.MethodPost,
		URL:    targetURL,
		Header: b.buildHeaders(acc, style, snap.Access, resolution.ManagedProjectID),
		Body:   body,
	})
	if err != nil {
		log.Warnf("[Broker] Transport error via %s: %v", accountLabel(acc), err)
		return nil, errTransient
	}
	return resp, nil
}

// ensureToken returns an unexpired access token for the account,
// refreshing synchronously when the cached one is inside the expiry
// margin.
func (b *Broker) ensureToken(ctx context.Context, acc *account.ManagedAccount) (token.Snapshot, error) {
	if cached, ok := b.auth.Get(acc.RefreshToken); ok {
		return cached, nil
	}

	encoded := credential.Encode(credential.Parts{
		RefreshToken:     acc.RefreshToken,
		ProjectID:        acc.ProjectID,
		ManagedProjectID: acc.ManagedProjectID,
	})
	fresh, err := b.refresher.Refresh(ctx, token.Snapshot{Type: "oauth", Refresh: encoded})
	if err != nil {
		return token.Snapshot{}, err
	}
	if fresh == nil {
		return token.Snapshot{}, errTransient
	}

	b.manager.ApplyRefreshed(acc.RefreshToken, *fresh)
	b.manager.RequestSaveToDisk()
	return *fresh, nil
}

func (b *Broker) sanitizePayload(payload []byte, family account.Family, model, sessionID string) []byte {
	res := sanitizer.Sanitize(payload, model, sanitizer.Options{
		PreserveNonSignatureMetadata: b.cfg.Sanitizer.PreserveNonSignatureMetadata,
	})
	if res.Modified {
		log.Debugf("[Broker] Stripped %d cross-family signature(s)", res.SignaturesStripped)
	}

	out := res.Payload
	if family == account.FamilyClaude && sessionID != "" {
		validated := sanitizer.ValidateThinkingSignatures(out, sessionID, b.signatures)
		out = validated.Payload
	}
	return out
}

// buildHeaders dresses the request in the account's persona under the
// chosen header style.
func (b *Broker) buildHeaders(acc *account.ManagedAccount, style account.HeaderStyle, accessToken, projectID string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("Authorization", "Bearer "+accessToken)

	if style == account.StyleGeminiCLI {
		h.Set("User-Agent", geminiCLIUserAgent())
	} else if acc.Fingerprint != nil && acc.Fingerprint.UserAgent != "" {
		h.Set("User-Agent", acc.Fingerprint.UserAgent)
	}
	if acc.Fingerprint != nil && acc.Fingerprint.DeviceID != "" {
		h.Set("X-Client-Device-Id", acc.Fingerprint.DeviceID)
	}

	gv := strings.TrimPrefix(runtime.Version(), "go")
	h.Set("X-Goog-Api-Client", "gl-go/"+gv)
	h.Set("Client-Metadata", "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI")

	if projectID != "" {
		h.Set("X-Goog-User-Project", projectID)
	}
	return h
}

func geminiCLIUserAgent() string {
	return fmt.Sprintf("gemini-code-assist-cli/1.0.0 (%s; %s)", runtime.GOOS, runtime.GOARCH)
}

func (b *Broker) handleAuthFailure(acc *account.ManagedAccount) {
	b.manager.MarkAccountCoolingDown(acc, config.AuthFailureCooldownMs, account.CooldownAuthFailure)
	b.auth.Delete(acc.RefreshToken)
	b.resolver.InvalidateRefreshToken(acc.RefreshToken)
}

func accountLabel(acc *account.ManagedAccount) string {
	if acc.Email != "" {
		return acc.Email
	}
	return fmt.Sprintf("account #%d", acc.Index)
}
