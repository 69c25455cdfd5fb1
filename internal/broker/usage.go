package broker

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/felipepmaragno/credential-broker/internal/domain"
	"github.com/felipepmaragno/credential-broker/internal/oauth"
	"github.com/felipepmaragno/credential-broker/internal/telemetry"
)

// Balance is a credential's remaining quota as reported upstream.
type Balance struct {
	CredentialID      uint64     `json:"id"`
	SubscriptionTitle string     `json:"subscription_title,omitempty"`
	ResourceType      string     `json:"resource_type,omitempty"`
	CurrentUsage      float64    `json:"current_usage"`
	UsageLimit        float64    `json:"usage_limit"`
	Remaining         float64    `json:"remaining"`
	UsagePercentage   float64    `json:"usage_percentage"`
	NextResetAt       *time.Time `json:"next_reset_at,omitempty"`
}

// CredentialBalance refreshes the credential's token when needed and asks
// upstream for its usage. A refresh failure disables the credential as it
// would on the request path.
func (b *Broker) CredentialBalance(ctx context.Context, id uint64) (Balance, error) {
	ctx, span := telemetry.StartSpan(ctx, "broker.CredentialBalance")
	defer span.End()

	if b.usage == nil {
		return Balance{}, fmt.Errorf("%w: no usage client configured", domain.ErrUsageQueryFailed)
	}

	token, err := b.EnsureFresh(ctx, id)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return Balance{}, err
	}
	cred, proxy, err := b.refreshInput(id)
	if err != nil {
		return Balance{}, err
	}
	telemetry.AddCredentialAttributes(span, cred.PoolID, cred.ID)

	limits, err := b.usage.UsageLimits(ctx, cred, token, proxy)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return Balance{}, fmt.Errorf("%w: credential %d: %w", domain.ErrUsageQueryFailed, id, err)
	}
	return balanceOf(id, limits), nil
}

func balanceOf(id uint64, limits *oauth.UsageLimits) Balance {
	bal := Balance{CredentialID: id}
	if limits.SubscriptionInfo != nil {
		bal.SubscriptionTitle = limits.SubscriptionInfo.SubscriptionTitle
	}
	if limits.NextDateReset != nil {
		sec, frac := math.Modf(*limits.NextDateReset)
		t := time.Unix(int64(sec), int64(frac*1e9)).UTC()
		bal.NextResetAt = &t
	}
	if len(limits.UsageBreakdownList) == 0 {
		return bal
	}

	usage := limits.UsageBreakdownList[0]
	bal.ResourceType = usage.ResourceType
	bal.CurrentUsage = usage.Used()
	bal.UsageLimit = usage.Limit()
	bal.Remaining = math.Max(bal.UsageLimit-bal.CurrentUsage, 0)
	if bal.UsageLimit > 0 {
		bal.UsagePercentage = math.Min(bal.CurrentUsage/bal.UsageLimit*100, 100)
	}
	return bal
}

// ImportResult reports the outcome for one credential of an import batch.
type ImportResult struct {
	Index int    `json:"index"`
	ID    uint64 `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// ImportCredentials adds each spec to poolID, overriding the spec's own pool.
// Invalid entries are skipped and reported; the rest are still added.
func (b *Broker) ImportCredentials(poolID string, specs []CredentialSpec) ([]ImportResult, error) {
	if len(specs) == 0 {
		return nil, domain.InvalidMutation("import credentials", "credential list is empty")
	}
	if poolID == "" {
		poolID = domain.DefaultPoolID
	}
	if b.poolByID(poolID) == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrPoolNotFound, poolID)
	}

	results := make([]ImportResult, len(specs))
	for i, spec := range specs {
		spec.PoolID = poolID
		results[i].Index = i
		cred, err := b.AddCredential(spec)
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		results[i].ID = cred.ID
	}
	return results, nil
}
