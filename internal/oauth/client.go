// Package oauth exchanges stored refresh tokens for short-lived access tokens
// against the Social and IdC token endpoints.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/felipepmaragno/credential-broker/internal/domain"
	"github.com/felipepmaragno/credential-broker/internal/httputil"
)

const (
	DefaultSocialURL = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	DefaultIdcURL    = "https://oidc.%s.amazonaws.com/token"

	maxErrorBody = 4096
)

var ErrMissingRefreshToken = errors.New("credential has no refresh token")

// StatusError is returned when the token endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying with the same refresh token is pointless.
func (e *StatusError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return strings.Contains(e.Body, "invalid_grant")
}

func IsPermanent(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Permanent()
	}
	return errors.Is(err, ErrMissingRefreshToken)
}

type Endpoints struct {
	// Each is a fmt template taking the region.
	Social string
	Idc    string
	Usage  string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{Social: DefaultSocialURL, Idc: DefaultIdcURL, Usage: DefaultUsageURL}
}

type Client struct {
	clients       *httputil.ClientCache
	endpoints     Endpoints
	defaultRegion string
	now           func() time.Time
}

type ClientOption func(*Client)

func WithEndpoints(e Endpoints) ClientOption {
	return func(c *Client) {
		c.endpoints = e
	}
}

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

func NewClient(clients *httputil.ClientCache, defaultRegion string, opts ...ClientOption) *Client {
	c := &Client{
		clients:       clients,
		endpoints:     DefaultEndpoints(),
		defaultRegion: defaultRegion,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type socialRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type idcRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RefreshToken string `json:"refreshToken"`
	GrantType    string `json:"grantType"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn"`
	ProfileARN   string `json:"profileArn,omitempty"`
}

// Refresh performs a single exchange. Retries belong to the caller.
// The returned token carries "profileArn" as extra data when the endpoint sent one.
func (c *Client) Refresh(ctx context.Context, cred domain.Credential, proxy *domain.ProxyConfig) (*oauth2.Token, error) {
	if strings.TrimSpace(cred.RefreshToken) == "" {
		return nil, ErrMissingRefreshToken
	}

	region := cred.Region
	if region == "" {
		region = c.defaultRegion
	}

	var (
		endpoint string
		payload  any
	)
	switch cred.AuthMethod {
	case domain.AuthIdc:
		endpoint = fmt.Sprintf(c.endpoints.Idc, region)
		payload = idcRequest{
			ClientID:     cred.ClientID,
			ClientSecret: cred.ClientSecret,
			RefreshToken: cred.RefreshToken,
			GrantType:    "refresh_token",
		}
	default:
		endpoint = fmt.Sprintf(c.endpoints.Social, region)
		payload = socialRequest{RefreshToken: cred.RefreshToken}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client, err := c.clients.Get(proxy)
	if err != nil {
		return nil, fmt.Errorf("refresh client: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		slog.Debug("token endpoint error",
			"credential_id", cred.ID,
			"auth_method", cred.AuthMethod,
			"status", resp.StatusCode,
		)
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("refresh response missing accessToken")
	}

	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tr.ProfileARN != "" {
		tok = tok.WithExtra(map[string]any{"profileArn": tr.ProfileARN})
	}
	return tok, nil
}

// ProfileARN extracts the profile ARN a Social refresh may return.
func ProfileARN(tok *oauth2.Token) string {
	if tok == nil {
		return ""
	}
	if v, ok := tok.Extra("profileArn").(string); ok {
		return v
	}
	return ""
}
