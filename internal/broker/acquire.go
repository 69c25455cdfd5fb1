package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/felipepmaragno/credential-broker/internal/domain"
	"github.com/felipepmaragno/credential-broker/internal/httputil"
)

// Lease is what a request needs to call upstream with a credential.
type Lease struct {
	Credential  domain.Credential
	AccessToken string
	Proxy       *domain.ProxyConfig
}

// Acquire selects a credential and makes sure its token is fresh. A credential
// whose refresh fails is disabled by EnsureFresh, so selection is retried
// against the rest of the scope.
func (b *Broker) Acquire(ctx context.Context, target, sessionKey string) (*Lease, error) {
	attempts := b.scopeSize(target)
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		cred, err := b.Select(ctx, target, sessionKey)
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last refresh error: %v)", err, lastErr)
			}
			return nil, err
		}

		token, err := b.EnsureFresh(ctx, cred.ID)
		if err == nil {
			lease := &Lease{Credential: cred, AccessToken: token}
			var poolProxy *domain.ProxyConfig
			if ps := b.poolByID(cred.PoolID); ps != nil {
				ps.mu.RLock()
				poolProxy = ps.pool.Proxy
				ps.mu.RUnlock()
			}
			lease.Proxy = httputil.ResolveProxy(b.cfg.GlobalProxy, poolProxy, cred.Proxy)
			return lease, nil
		}
		if !errors.Is(err, domain.ErrRefreshFailed) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %w", domain.ErrNoCredentialAvailable, lastErr)
}

func (b *Broker) scopeSize(target string) int {
	scope, err := b.resolveTarget(target)
	if err != nil {
		return 0
	}
	n := 0
	for _, ps := range scope {
		ps.mu.RLock()
		n += len(ps.members)
		ps.mu.RUnlock()
	}
	return n
}
