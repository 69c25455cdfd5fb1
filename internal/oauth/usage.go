package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/felipepmaragno/credential-broker/internal/domain"
)

// DefaultUsageURL is a fmt template taking the region.
const DefaultUsageURL = "https://q.%s.amazonaws.com/getUsageLimits"

type UsageLimits struct {
	// NextDateReset is a unix timestamp in seconds.
	NextDateReset      *float64          `json:"nextDateReset,omitempty"`
	SubscriptionInfo   *SubscriptionInfo `json:"subscriptionInfo,omitempty"`
	UsageBreakdownList []UsageBreakdown  `json:"usageBreakdownList"`
}

type SubscriptionInfo struct {
	SubscriptionTitle string `json:"subscriptionTitle"`
}

type UsageBreakdown struct {
	ResourceType              string   `json:"resourceType"`
	CurrentUsage              float64  `json:"currentUsage"`
	CurrentUsageWithPrecision *float64 `json:"currentUsageWithPrecision,omitempty"`
	UsageLimit                float64  `json:"usageLimit"`
	UsageLimitWithPrecision   *float64 `json:"usageLimitWithPrecision,omitempty"`
}

func (u UsageBreakdown) Used() float64 {
	if u.CurrentUsageWithPrecision != nil {
		return *u.CurrentUsageWithPrecision
	}
	return u.CurrentUsage
}

func (u UsageBreakdown) Limit() float64 {
	if u.UsageLimitWithPrecision != nil {
		return *u.UsageLimitWithPrecision
	}
	return u.UsageLimit
}

// UsageLimits queries the account's usage and quota with a fresh access token.
func (c *Client) UsageLimits(ctx context.Context, cred domain.Credential, accessToken string, proxy *domain.ProxyConfig) (*UsageLimits, error) {
	region := cred.Region
	if region == "" {
		region = c.defaultRegion
	}
	tmpl := c.endpoints.Usage
	if tmpl == "" {
		tmpl = DefaultUsageURL
	}

	q := url.Values{}
	q.Set("origin", "AI_EDITOR")
	q.Set("resourceType", "AGENTIC_REQUEST")
	if cred.ProfileARN != "" {
		q.Set("profileArn", cred.ProfileARN)
	}
	endpoint := fmt.Sprintf(tmpl, region) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("amz-sdk-invocation-id", uuid.New().String())
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")

	client, err := c.clients.Get(proxy)
	if err != nil {
		return nil, fmt.Errorf("usage client: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var limits UsageLimits
	if err := json.NewDecoder(resp.Body).Decode(&limits); err != nil {
		return nil, fmt.Errorf("decode usage response: %w", err)
	}
	return &limits, nil
}
