package config

import (
	"os"
	"testing"
	"time"
)

var allEnvVars = []string{
	"ADDR", "LOG_LEVEL", "REGION", "PROXY_URL", "SESSION_CACHE_CAPACITY",
	"SESSION_CACHE_TTL", "UNHEALTHY_THRESHOLD", "AUTO_DISABLE_THRESHOLD",
	"FAIL_OPEN", "AUTO_ROUTE_ENABLED", "LATENCY_EMA_ALPHA", "REFRESH_SKEW",
	"REFRESH_MAX_ATTEMPTS", "PERSISTENCE_BACKEND", "DATA_FILE", "REDIS_URL",
	"DATABASE_URL", "ENCRYPTION_KEY", "ADMIN_API_KEY", "ADMIN_READONLY_API_KEY",
	"TRACE_SAMPLE_RATIO", "HEALTH_CHECK_INTERVAL", "REFRESH_TIMEOUT", "PERSIST_DEBOUNCE",
}

func clearEnv() {
	for _, v := range allEnvVars {
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"Addr", cfg.Addr, ":8080"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"Region", cfg.Region, "us-east-1"},
		{"ProxyURL", cfg.ProxyURL, ""},
		{"PersistenceBackend", cfg.PersistenceBackend, "file"},
		{"DataFile", cfg.DataFile, "data/broker.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}

	if cfg.SessionCacheCapacity != 10000 {
		t.Errorf("SessionCacheCapacity = %d, want 10000", cfg.SessionCacheCapacity)
	}
	if cfg.SessionCacheTTL != time.Hour {
		t.Errorf("SessionCacheTTL = %v, want 1h", cfg.SessionCacheTTL)
	}
	if cfg.AutoDisableThreshold != 3 {
		t.Errorf("AutoDisableThreshold = %d, want 3", cfg.AutoDisableThreshold)
	}
	if cfg.RefreshSkew != 5*time.Minute {
		t.Errorf("RefreshSkew = %v, want 5m", cfg.RefreshSkew)
	}
	if !cfg.FailOpen {
		t.Error("FailOpen should default to true")
	}
	if !cfg.AutoRouteEnabled {
		t.Error("AutoRouteEnabled should default to true")
	}
	if cfg.TraceSampleRatio != 1.0 {
		t.Errorf("TraceSampleRatio = %v, want 1", cfg.TraceSampleRatio)
	}
	if cfg.UpstreamBreakerFailures != 5 || cfg.UpstreamBreakerTimeout != 30*time.Second {
		t.Errorf("upstream breaker = %d/%v, want 5/30s", cfg.UpstreamBreakerFailures, cfg.UpstreamBreakerTimeout)
	}
	if cfg.AdminAPIKey != "" || cfg.AdminReadonlyAPIKey != "" {
		t.Error("admin keys should default to empty")
	}
}

func TestLoad_AdminKeys(t *testing.T) {
	clearEnv()
	os.Setenv("ADMIN_API_KEY", "admin")
	os.Setenv("ADMIN_READONLY_API_KEY", "viewer")
	defer clearEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AdminAPIKey != "admin" {
		t.Errorf("AdminAPIKey = %q, want admin", cfg.AdminAPIKey)
	}
	if cfg.AdminReadonlyAPIKey != "viewer" {
		t.Errorf("AdminReadonlyAPIKey = %q, want viewer", cfg.AdminReadonlyAPIKey)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv()
	os.Setenv("ADDR", ":9090")
	os.Setenv("SESSION_CACHE_TTL", "120")
	os.Setenv("AUTO_DISABLE_THRESHOLD", "5")
	os.Setenv("FAIL_OPEN", "false")
	os.Setenv("PERSISTENCE_BACKEND", "Redis")
	os.Setenv("REDIS_URL", "redis://localhost:6379")
	defer clearEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":9090" {
		t.Errorf("Addr = %q, want :9090", cfg.Addr)
	}
	if cfg.SessionCacheTTL != 2*time.Minute {
		t.Errorf("SessionCacheTTL = %v, want 2m", cfg.SessionCacheTTL)
	}
	if cfg.AutoDisableThreshold != 5 {
		t.Errorf("AutoDisableThreshold = %d, want 5", cfg.AutoDisableThreshold)
	}
	if cfg.FailOpen {
		t.Error("FailOpen should be false")
	}
	if cfg.PersistenceBackend != "redis" {
		t.Errorf("PersistenceBackend = %q, want redis", cfg.PersistenceBackend)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero threshold", map[string]string{"AUTO_DISABLE_THRESHOLD": "0"}},
		{"alpha out of range", map[string]string{"LATENCY_EMA_ALPHA": "1.5"}},
		{"zero health check interval", map[string]string{"HEALTH_CHECK_INTERVAL": "0"}},
		{"zero refresh timeout", map[string]string{"REFRESH_TIMEOUT": "0"}},
		{"negative persist debounce", map[string]string{"PERSIST_DEBOUNCE": "-1"}},
		{"zero session ttl", map[string]string{"SESSION_CACHE_TTL": "0"}},
		{"sample ratio out of range", map[string]string{"TRACE_SAMPLE_RATIO": "2"}},
		{"unknown backend", map[string]string{"PERSISTENCE_BACKEND": "s3"}},
		{"postgres without url", map[string]string{"PERSISTENCE_BACKEND": "postgres"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv()
			for k, v := range tt.env {
				os.Setenv(k, v)
			}
			defer clearEnv()

			if _, err := Load(); err == nil {
				t.Error("Load() should fail")
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	os.Setenv("TEST_INT", "42")
	os.Setenv("TEST_BAD_INT", "x")
	os.Setenv("TEST_BOOL", "true")
	defer func() {
		os.Unsetenv("TEST_INT")
		os.Unsetenv("TEST_BAD_INT")
		os.Unsetenv("TEST_BOOL")
	}()

	if got := getIntEnv("TEST_INT", 1); got != 42 {
		t.Errorf("getIntEnv = %d, want 42", got)
	}
	if got := getIntEnv("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getIntEnv with bad value = %d, want 7", got)
	}
	if got := getBoolEnv("TEST_BOOL", false); !got {
		t.Error("getBoolEnv = false, want true")
	}
	if got := getEnv("TEST_UNSET_VAR", "default"); got != "default" {
		t.Errorf("getEnv = %q, want default", got)
	}
}
