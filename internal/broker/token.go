package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"

	"github.com/felipepmaragno/credential-broker/internal/domain"
	"github.com/felipepmaragno/credential-broker/internal/httputil"
	"github.com/felipepmaragno/credential-broker/internal/metrics"
	"github.com/felipepmaragno/credential-broker/internal/notifications"
	"github.com/felipepmaragno/credential-broker/internal/oauth"
	"github.com/felipepmaragno/credential-broker/internal/telemetry"
)

// defaultTokenLifetime applies when the token endpoint omits expiresIn.
const defaultTokenLifetime = time.Hour

// EnsureFresh returns a usable access token for the credential, refreshing it
// first when it is missing or about to expire. Concurrent callers for the same
// credential share a single upstream refresh. The refresh outlives ctx: a
// cancelled caller gets ctx.Err() while the refresh still lands in shared state.
func (b *Broker) EnsureFresh(ctx context.Context, id uint64) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "broker.EnsureFresh")
	defer span.End()

	cred, _, err := b.refreshInput(id)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return "", err
	}
	telemetry.AddCredentialAttributes(span, cred.PoolID, cred.ID)

	if !cred.NeedsRefresh(b.now(), b.cfg.RefreshSkew) {
		telemetry.AddRefreshAttribute(span, false)
		return cred.AccessToken, nil
	}
	telemetry.AddRefreshAttribute(span, true)

	detached := context.WithoutCancel(ctx)
	ch := b.refreshGroup.DoChan(strconv.FormatUint(id, 10), func() (any, error) {
		rctx, cancel := context.WithTimeout(detached, b.cfg.RefreshTimeout)
		defer cancel()
		return b.refresh(rctx, id)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			telemetry.AddErrorAttribute(span, res.Err)
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// refreshInput copies the credential and resolves its egress proxy.
func (b *Broker) refreshInput(id uint64) (domain.Credential, *domain.ProxyConfig, error) {
	var (
		cred  domain.Credential
		proxy *domain.ProxyConfig
	)
	err := b.withCredential(id, false, func(ps *poolState, c *domain.Credential) error {
		cred = *c
		proxy = httputil.ResolveProxy(b.cfg.GlobalProxy, ps.pool.Proxy, c.Proxy)
		return nil
	})
	return cred, proxy, err
}

func (b *Broker) refresh(ctx context.Context, id uint64) (string, error) {
	// Another flight may have finished between the caller's check and this one.
	cred, proxy, err := b.refreshInput(id)
	if err != nil {
		return "", err
	}
	if !cred.NeedsRefresh(b.now(), b.cfg.RefreshSkew) {
		return cred.AccessToken, nil
	}

	start := time.Now()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.RefreshBackoff

	tok, err := backoff.Retry(ctx, func() (*oauth2.Token, error) {
		tok, err := b.refresher.Refresh(ctx, cred, proxy)
		if err != nil {
			if oauth.IsPermanent(err) {
				return nil, backoff.Permanent(err)
			}
			slog.Debug("token refresh attempt failed", "credential_id", id, "error", err)
			return nil, err
		}
		return tok, nil
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(b.cfg.RefreshMaxAttempts)),
	)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		metrics.RecordTokenRefresh("failure", elapsed)
		b.refreshFailed(id, err)
		return "", fmt.Errorf("%w: credential %d: %w", domain.ErrRefreshFailed, id, err)
	}

	metrics.RecordTokenRefresh("success", elapsed)
	return b.refreshSucceeded(id, tok)
}

func (b *Broker) refreshSucceeded(id uint64, tok *oauth2.Token) (string, error) {
	now := b.now()
	err := b.withCredential(id, true, func(ps *poolState, c *domain.Credential) error {
		c.AccessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			c.RefreshToken = tok.RefreshToken
		}
		if tok.Expiry.IsZero() {
			c.ExpiresAt = now.Add(defaultTokenLifetime)
		} else {
			c.ExpiresAt = tok.Expiry
		}
		if arn := oauth.ProfileARN(tok); arn != "" {
			c.ProfileARN = arn
		}
		c.Stats.TokenRefreshCount++
		c.Stats.LastTokenRefreshTime = now
		return nil
	})
	if err != nil {
		// Deleted while the refresh was in flight.
		return "", err
	}

	b.persister.Notify()
	slog.Debug("token refreshed", "credential_id", id)
	return tok.AccessToken, nil
}

func (b *Broker) refreshFailed(id uint64, cause error) {
	var (
		poolID   string
		disabled bool
	)
	err := b.withCredential(id, true, func(ps *poolState, c *domain.Credential) error {
		poolID = ps.pool.ID
		c.Stats.TokenRefreshFailureCount++
		c.Stats.LastTokenRefreshTime = b.now()
		if c.State == domain.StateEnabled {
			c.State = domain.StateAutoDisabled
			c.DisabledReason = domain.ReasonTokenRefreshFailed
			disabled = true
		}
		return nil
	})
	if errors.Is(err, domain.ErrCredentialNotFound) {
		return
	}

	b.sessions.InvalidateCredential(id)
	b.persister.Notify()

	slog.Warn("token refresh failed",
		"credential_id", id,
		"pool_id", poolID,
		"disabled", disabled,
		"error", cause,
	)

	if disabled {
		metrics.RecordAutoDisable(poolID, string(domain.ReasonTokenRefreshFailed))
		b.emit(notifications.Notification{
			Type:         notifications.NotificationCredentialRefreshFail,
			PoolID:       poolID,
			CredentialID: id,
			Reason:       string(domain.ReasonTokenRefreshFailed),
			Message:      fmt.Sprintf("credential %d disabled after token refresh failed: %v", id, cause),
		})
	}
}
