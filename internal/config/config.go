package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr     string
	LogLevel string
	Region   string

	// Global egress proxy, overridden per pool and per credential.
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string

	SessionCacheCapacity int
	SessionCacheTTL      time.Duration

	UnhealthyThreshold   int
	AutoDisableThreshold int
	FailOpen             bool
	AutoRouteEnabled     bool
	LatencyEMAAlpha      float64

	RefreshSkew        time.Duration
	RefreshMaxAttempts int
	RefreshTimeout     time.Duration

	PersistenceBackend string
	DataFile           string
	PersistDebounce    time.Duration
	RedisURL           string
	DatabaseURL        string
	EncryptionKey      string

	AdminAPIKey         string
	AdminReadonlyAPIKey string
	DefaultAPIKey       string

	UpstreamURL             string
	MaxProxyAttempts        int
	UpstreamBreakerFailures int
	UpstreamBreakerTimeout  time.Duration

	HealthCheckInterval time.Duration

	OTLPEndpoint      string
	TraceSampleRatio  float64
	AWSRegion         string
	AWSSecretsEnabled bool
	SNSTopicARN       string
	SQSQueueURL       string

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	// A missing .env file is the normal case outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		Addr:                    getEnv("ADDR", ":8080"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		Region:                  getEnv("REGION", "us-east-1"),
		ProxyURL:                getEnv("PROXY_URL", ""),
		ProxyUsername:           getEnv("PROXY_USERNAME", ""),
		ProxyPassword:           getEnv("PROXY_PASSWORD", ""),
		SessionCacheCapacity:    getIntEnv("SESSION_CACHE_CAPACITY", 10000),
		SessionCacheTTL:         getDurationEnv("SESSION_CACHE_TTL", time.Hour),
		UnhealthyThreshold:      getIntEnv("UNHEALTHY_THRESHOLD", 2),
		AutoDisableThreshold:    getIntEnv("AUTO_DISABLE_THRESHOLD", 3),
		FailOpen:                getBoolEnv("FAIL_OPEN", true),
		AutoRouteEnabled:        getBoolEnv("AUTO_ROUTE_ENABLED", true),
		LatencyEMAAlpha:         getFloatEnv("LATENCY_EMA_ALPHA", 0.2),
		RefreshSkew:             getDurationEnv("REFRESH_SKEW", 5*time.Minute),
		RefreshMaxAttempts:      getIntEnv("REFRESH_MAX_ATTEMPTS", 3),
		RefreshTimeout:          getDurationEnv("REFRESH_TIMEOUT", 30*time.Second),
		PersistenceBackend:      strings.ToLower(getEnv("PERSISTENCE_BACKEND", "file")),
		DataFile:                getEnv("DATA_FILE", "data/broker.json"),
		PersistDebounce:         getDurationEnv("PERSIST_DEBOUNCE", time.Second),
		RedisURL:                getEnv("REDIS_URL", ""),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		EncryptionKey:           getEnv("ENCRYPTION_KEY", ""),
		AdminAPIKey:             getEnv("ADMIN_API_KEY", ""),
		AdminReadonlyAPIKey:     getEnv("ADMIN_READONLY_API_KEY", ""),
		DefaultAPIKey:           getEnv("DEFAULT_API_KEY", ""),
		UpstreamURL:             getEnv("UPSTREAM_URL", "https://q.us-east-1.amazonaws.com"),
		MaxProxyAttempts:        getIntEnv("MAX_PROXY_ATTEMPTS", 3),
		UpstreamBreakerFailures: getIntEnv("UPSTREAM_BREAKER_FAILURES", 5),
		UpstreamBreakerTimeout:  getDurationEnv("UPSTREAM_BREAKER_TIMEOUT", 30*time.Second),
		HealthCheckInterval:     getDurationEnv("HEALTH_CHECK_INTERVAL", 10*time.Minute),
		OTLPEndpoint:            getEnv("OTLP_ENDPOINT", ""),
		TraceSampleRatio:        getFloatEnv("TRACE_SAMPLE_RATIO", 1.0),
		AWSRegion:               getEnv("AWS_REGION", ""),
		AWSSecretsEnabled:       getBoolEnv("AWS_SECRETS_ENABLED", false),
		SNSTopicARN:             getEnv("SNS_TOPIC_ARN", ""),
		SQSQueueURL:             getEnv("SQS_QUEUE_URL", ""),
		ShutdownTimeout:         getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SessionCacheCapacity < 1 {
		return fmt.Errorf("SESSION_CACHE_CAPACITY must be positive, got %d", c.SessionCacheCapacity)
	}
	if c.AutoDisableThreshold < 1 {
		return fmt.Errorf("AUTO_DISABLE_THRESHOLD must be positive, got %d", c.AutoDisableThreshold)
	}
	if c.UnhealthyThreshold < 1 {
		return fmt.Errorf("UNHEALTHY_THRESHOLD must be positive, got %d", c.UnhealthyThreshold)
	}
	if c.RefreshMaxAttempts < 1 {
		return fmt.Errorf("REFRESH_MAX_ATTEMPTS must be positive, got %d", c.RefreshMaxAttempts)
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"HEALTH_CHECK_INTERVAL", c.HealthCheckInterval},
		{"REFRESH_TIMEOUT", c.RefreshTimeout},
		{"PERSIST_DEBOUNCE", c.PersistDebounce},
		{"SESSION_CACHE_TTL", c.SessionCacheTTL},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.name, d.value)
		}
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be in [0,1], got %v", c.TraceSampleRatio)
	}
	if c.LatencyEMAAlpha <= 0 || c.LatencyEMAAlpha > 1 {
		return fmt.Errorf("LATENCY_EMA_ALPHA must be in (0,1], got %v", c.LatencyEMAAlpha)
	}

	switch c.PersistenceBackend {
	case "file", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("PERSISTENCE_BACKEND=postgres requires DATABASE_URL")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("PERSISTENCE_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown PERSISTENCE_BACKEND %q", c.PersistenceBackend)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
