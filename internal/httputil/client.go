package httputil

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/felipepmaragno/credential-broker/internal/domain"
)

type ClientConfig struct {
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	// Proxy routes all requests through an egress proxy when set.
	Proxy *domain.ProxyConfig
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:               120 * time.Second,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}
}

func NewClient(cfg ClientConfig) (*http.Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	if !cfg.Proxy.IsZero() {
		proxyURL, err := ProxyURL(cfg.Proxy)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}, nil
}

// ProxyURL builds the proxy URL, embedding credentials when present.
func ProxyURL(p *domain.ProxyConfig) (*url.URL, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("proxy url %q must include scheme and host", p.URL)
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

// ResolveProxy applies the credential > pool > global precedence.
func ResolveProxy(global, pool, credential *domain.ProxyConfig) *domain.ProxyConfig {
	switch {
	case !credential.IsZero():
		return credential
	case !pool.IsZero():
		return pool
	case !global.IsZero():
		return global
	default:
		return nil
	}
}

// ClientCache hands out one client per distinct proxy so connections are
// pooled per egress route.
type ClientCache struct {
	base    ClientConfig
	mu      sync.Mutex
	clients map[domain.ProxyConfig]*http.Client
}

func NewClientCache(base ClientConfig) *ClientCache {
	return &ClientCache{
		base:    base,
		clients: make(map[domain.ProxyConfig]*http.Client),
	}
}

func (c *ClientCache) Get(proxy *domain.ProxyConfig) (*http.Client, error) {
	var key domain.ProxyConfig
	if !proxy.IsZero() {
		key = *proxy
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[key]; ok {
		return client, nil
	}

	cfg := c.base
	if key.URL != "" {
		cfg.Proxy = &key
	}
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	c.clients[key] = client
	return client, nil
}
