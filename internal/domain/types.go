package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPoolID   = "default"
	DefaultPoolName = "Default"

	// AutoRoutePoolID is the binding target that searches every enabled pool
	// in ascending priority order.
	AutoRoutePoolID = "__auto__"
)

type SchedulingMode string

const (
	RoundRobin   SchedulingMode = "round_robin"
	PriorityFill SchedulingMode = "priority_fill"
)

func ParseSchedulingMode(s string) (SchedulingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "round_robin", "roundrobin":
		return RoundRobin, nil
	case "priority_fill", "priorityfill", "priority":
		return PriorityFill, nil
	default:
		return "", fmt.Errorf("unknown scheduling mode %q", s)
	}
}

type AuthMethod string

const (
	AuthSocial AuthMethod = "social"
	AuthIdc    AuthMethod = "idc"
)

// CanonicalAuthMethod maps the accepted aliases onto the two refresh flows.
// IdC is inferred when client credentials are present and no method is given.
func CanonicalAuthMethod(method string, hasClientCredentials bool) AuthMethod {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "idc", "builder-id", "iam":
		return AuthIdc
	case "social":
		return AuthSocial
	}
	if hasClientCredentials {
		return AuthIdc
	}
	return AuthSocial
}

type CredentialState string

const (
	StateEnabled          CredentialState = "enabled"
	StateManuallyDisabled CredentialState = "manually_disabled"
	StateAutoDisabled     CredentialState = "auto_disabled"
)

type DisabledReason string

const (
	ReasonNone               DisabledReason = ""
	ReasonManual             DisabledReason = "manual"
	ReasonTooManyFailures    DisabledReason = "too_many_failures"
	ReasonQuotaExceeded      DisabledReason = "quota_exceeded"
	ReasonTokenRefreshFailed DisabledReason = "token_refresh_failed"
)

type ProxyConfig struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (p *ProxyConfig) IsZero() bool {
	return p == nil || p.URL == ""
}

type Pool struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Enabled        bool           `json:"enabled"`
	SchedulingMode SchedulingMode `json:"scheduling_mode"`
	Priority       int            `json:"priority"`
	Proxy          *ProxyConfig   `json:"proxy,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func NewDefaultPool(now time.Time) Pool {
	return Pool{
		ID:             DefaultPoolID,
		Name:           DefaultPoolName,
		Enabled:        true,
		SchedulingMode: RoundRobin,
		CreatedAt:      now,
	}
}

type Credential struct {
	ID             uint64          `json:"id"`
	PoolID         string          `json:"pool_id"`
	AuthMethod     AuthMethod      `json:"auth_method"`
	RefreshToken   string          `json:"refresh_token"`
	AccessToken    string          `json:"access_token,omitempty"`
	ExpiresAt      time.Time       `json:"expires_at"`
	ClientID       string          `json:"client_id,omitempty"`
	ClientSecret   string          `json:"client_secret,omitempty"`
	Region         string          `json:"region,omitempty"`
	ProfileARN     string          `json:"profile_arn,omitempty"`
	Priority       int             `json:"priority"`
	State          CredentialState `json:"state"`
	DisabledReason DisabledReason  `json:"disabled_reason,omitempty"`
	Proxy          *ProxyConfig    `json:"proxy,omitempty"`
	Stats          CredentialStats `json:"stats"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (c *Credential) Disabled() bool {
	return c.State != StateEnabled
}

// NeedsRefresh reports whether the access token is missing or expires within skew.
func (c *Credential) NeedsRefresh(now time.Time, skew time.Duration) bool {
	if c.AccessToken == "" || c.ExpiresAt.IsZero() {
		return true
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// Redacted returns a copy safe to expose over the admin API.
func (c Credential) Redacted() Credential {
	c.RefreshToken = MaskSecret(c.RefreshToken)
	c.AccessToken = MaskSecret(c.AccessToken)
	c.ClientSecret = MaskSecret(c.ClientSecret)
	if c.Proxy != nil {
		p := *c.Proxy
		p.Password = MaskSecret(p.Password)
		c.Proxy = &p
	}
	return c
}

type CredentialStats struct {
	FailureCount             int       `json:"failure_count"`
	SuccessCount             uint64    `json:"success_count"`
	TotalFailureCount        uint64    `json:"total_failure_count"`
	TotalCalls               uint64    `json:"total_calls"`
	TodayDate                string    `json:"today_date,omitempty"`
	TodayCalls               uint64    `json:"today_calls"`
	TodaySuccess             uint64    `json:"today_success"`
	TodayFailures            uint64    `json:"today_failures"`
	LastCallTime             time.Time `json:"last_call_time"`
	AvgResponseTimeMs        float64   `json:"avg_response_time_ms"`
	TokenRefreshCount        uint64    `json:"token_refresh_count"`
	TokenRefreshFailureCount uint64    `json:"token_refresh_failure_count"`
	LastTokenRefreshTime     time.Time `json:"last_token_refresh_time"`
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeQuotaExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeQuotaExhausted:
		return "quota_exhausted"
	default:
		return "unknown"
	}
}

type APIKey struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	KeyHash   string    `json:"-"`
	Prefix    string    `json:"prefix"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

type APIKeyBinding struct {
	APIKeyID string `json:"api_key_id"`
	PoolID   string `json:"pool_id"`
}

// Snapshot is the unit handed to the persistence hook.
type Snapshot struct {
	Pools       []Pool          `json:"pools"`
	Credentials []Credential    `json:"credentials"`
	Bindings    []APIKeyBinding `json:"bindings"`
	// NextCredentialID keeps ids of deleted credentials from being handed out again.
	NextCredentialID uint64    `json:"next_credential_id"`
	SavedAt          time.Time `json:"saved_at"`
}

func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:8] + "***"
}
