package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/credential-broker/internal/api"
	"github.com/felipepmaragno/credential-broker/internal/auth"
	"github.com/felipepmaragno/credential-broker/internal/broker"
	"github.com/felipepmaragno/credential-broker/internal/circuitbreaker"
	"github.com/felipepmaragno/credential-broker/internal/config"
	"github.com/felipepmaragno/credential-broker/internal/crypto"
	"github.com/felipepmaragno/credential-broker/internal/domain"
	"github.com/felipepmaragno/credential-broker/internal/httputil"
	"github.com/felipepmaragno/credential-broker/internal/notifications"
	"github.com/felipepmaragno/credential-broker/internal/oauth"
	"github.com/felipepmaragno/credential-broker/internal/repository"
	"github.com/felipepmaragno/credential-broker/internal/secrets"
	"github.com/felipepmaragno/credential-broker/internal/session"
	"github.com/felipepmaragno/credential-broker/internal/telemetry"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting credential broker", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "credential-broker",
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}

	var awsCfg *aws.Config
	if cfg.AWSSecretsEnabled || cfg.SNSTopicARN != "" || cfg.SQSQueueURL != "" {
		region := cfg.AWSRegion
		if region == "" {
			region = cfg.Region
		}
		loaded, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			slog.Error("failed to load aws config", "error", err)
			os.Exit(1)
		}
		awsCfg = &loaded
	}

	if cfg.AWSSecretsEnabled {
		store := secrets.NewAWSSecretsManager(*awsCfg)
		if err := secrets.ResolveAll(ctx, store,
			&cfg.AdminAPIKey,
			&cfg.AdminReadonlyAPIKey,
			&cfg.DefaultAPIKey,
			&cfg.EncryptionKey,
			&cfg.DatabaseURL,
			&cfg.RedisURL,
			&cfg.ProxyPassword,
		); err != nil {
			slog.Error("failed to resolve secrets", "error", err)
			os.Exit(1)
		}
		slog.Info("resolved configuration secrets from aws secrets manager")
	}

	var (
		db          *sql.DB
		redisClient *redis.Client
		checkers    []api.HealthChecker
	)

	if cfg.DatabaseURL != "" {
		db, err = openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
		slog.Info("connected to postgres")
	}

	if cfg.RedisURL != "" {
		redisClient, err = repository.NewRedisClient(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		checkers = append(checkers, api.NewRedisHealthChecker(redisClient))
		slog.Info("connected to redis")
	}

	store, err := snapshotStore(cfg, db, redisClient)
	if err != nil {
		slog.Error("failed to set up persistence", "error", err)
		os.Exit(1)
	}

	snap, err := store.Load(ctx)
	if err != nil {
		slog.Error("failed to load snapshot", "backend", cfg.PersistenceBackend, "error", err)
		os.Exit(1)
	}

	clients := httputil.NewClientCache(httputil.DefaultConfig())
	sessions := session.New(cfg.SessionCacheCapacity, cfg.SessionCacheTTL)
	dispatcher := notifications.NewDispatcher(notifier(awsCfg, cfg), notifications.WithDeduplicator(deduplicator(redisClient)))
	writer := repository.NewWriter(store, cfg.PersistDebounce)

	tokens := oauth.NewClient(clients, cfg.Region)
	b := broker.New(brokerConfig(cfg), tokens, sessions,
		broker.WithUsageClient(tokens),
		broker.WithPublisher(dispatcher),
		broker.WithPersister(writer),
	)
	if err := b.Load(snap); err != nil {
		slog.Error("failed to restore state", "error", err)
		os.Exit(1)
	}
	if snap != nil {
		slog.Info("state restored",
			"pools", len(snap.Pools),
			"credentials", len(snap.Credentials),
			"bindings", len(snap.Bindings),
		)
	}

	go writer.Run(ctx, b)
	go sessions.RunJanitor(ctx, time.Minute)
	go b.RunHealthReporter(ctx, cfg.HealthCheckInterval)

	apiKeys, err := apiKeyRepository(ctx, db, cfg.DefaultAPIKey)
	if err != nil {
		slog.Error("failed to set up api keys", "error", err)
		os.Exit(1)
	}

	authenticator := auth.NewKeyAuthenticator()
	if cfg.AdminAPIKey != "" {
		if err := authenticator.Register("admin", auth.RoleAdmin, cfg.AdminAPIKey); err != nil {
			slog.Error("failed to register admin key", "error", err)
			os.Exit(1)
		}
	}
	if cfg.AdminReadonlyAPIKey != "" {
		if err := authenticator.Register("viewer", auth.RoleViewer, cfg.AdminReadonlyAPIKey); err != nil {
			slog.Error("failed to register read-only admin key", "error", err)
			os.Exit(1)
		}
	}
	if !authenticator.Enabled() {
		slog.Warn("no admin key configured, admin api rejects every request")
	}

	handler := api.NewHandler(api.HandlerConfig{
		Broker:      b,
		APIKeys:     apiKeys,
		Clients:     clients,
		UpstreamURL: cfg.UpstreamURL,
		MaxAttempts: cfg.MaxProxyAttempts,
		Breakers: circuitbreaker.NewManager(circuitbreaker.Config{
			FailureThreshold: cfg.UpstreamBreakerFailures,
			SuccessThreshold: 2,
			Timeout:          cfg.UpstreamBreakerTimeout,
		}),
		Checkers: checkers,
	})
	adminHandler := api.NewAdminHandler(b, apiKeys, authenticator)

	mux := http.NewServeMux()
	mux.Handle("/admin/", adminHandler)
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	cancel()
	if err := writer.Flush(shutdownCtx, b); err != nil {
		slog.Error("final snapshot not persisted", "error", err)
	}
	dispatcher.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

func brokerConfig(cfg *config.Config) broker.Config {
	bc := broker.DefaultConfig()
	bc.UnhealthyThreshold = cfg.UnhealthyThreshold
	bc.AutoDisableThreshold = cfg.AutoDisableThreshold
	bc.FailOpen = cfg.FailOpen
	bc.AutoRouteEnabled = cfg.AutoRouteEnabled
	bc.LatencyEMAAlpha = cfg.LatencyEMAAlpha
	bc.RefreshSkew = cfg.RefreshSkew
	bc.RefreshMaxAttempts = cfg.RefreshMaxAttempts
	bc.RefreshTimeout = cfg.RefreshTimeout
	if cfg.ProxyURL != "" {
		bc.GlobalProxy = &domain.ProxyConfig{
			URL:      cfg.ProxyURL,
			Username: cfg.ProxyUsername,
			Password: cfg.ProxyPassword,
		}
	}
	return bc
}

func openPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	if err := repository.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func snapshotStore(cfg *config.Config, db *sql.DB, redisClient *redis.Client) (repository.SnapshotStore, error) {
	var store repository.SnapshotStore
	switch cfg.PersistenceBackend {
	case "postgres":
		store = repository.NewPostgresSnapshotStore(db)
	case "redis":
		store = repository.NewRedisSnapshotStore(redisClient, repository.DefaultRedisSnapshotKey)
	case "memory":
		slog.Warn("in-memory persistence, state is lost on restart")
		store = repository.NewInMemorySnapshotStore()
	default:
		store = repository.NewFileStore(cfg.DataFile)
	}
	slog.Info("persistence configured", "backend", cfg.PersistenceBackend)

	if cfg.EncryptionKey == "" {
		slog.Warn("ENCRYPTION_KEY not set, secrets are persisted in plaintext")
		return store, nil
	}
	enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return repository.NewEncryptedStore(store, enc), nil
}

func notifier(awsCfg *aws.Config, cfg *config.Config) notifications.Notifier {
	var sinks notifications.MultiNotifier
	if cfg.SNSTopicARN != "" {
		sinks = append(sinks, notifications.NewSNSNotifier(*awsCfg, cfg.SNSTopicARN))
		slog.Info("sns notifications enabled", "topic_arn", cfg.SNSTopicARN)
	}
	if cfg.SQSQueueURL != "" {
		sinks = append(sinks, notifications.NewSQSNotifier(*awsCfg, cfg.SQSQueueURL))
		slog.Info("sqs notifications enabled", "queue_url", cfg.SQSQueueURL)
	}
	if len(sinks) == 0 {
		return notifications.LogNotifier{}
	}
	return sinks
}

func deduplicator(redisClient *redis.Client) notifications.Deduplicator {
	if redisClient != nil {
		return notifications.NewRedisDeduplicator(redisClient, 24*time.Hour)
	}
	return notifications.NewInMemoryDeduplicator()
}

// apiKeyRepository picks Postgres when a database is configured and seeds the
// default client key.
func apiKeyRepository(ctx context.Context, db *sql.DB, defaultKey string) (repository.APIKeyRepository, error) {
	var repo repository.APIKeyRepository
	if db != nil {
		repo = repository.NewPostgresAPIKeyRepository(db)
	} else {
		repo = repository.NewInMemoryAPIKeyRepository()
	}

	if defaultKey == "" {
		return repo, nil
	}

	key := repository.NewAPIKeyWithSecret(domain.DefaultPoolID, "default", defaultKey, time.Now())
	if err := repo.Create(ctx, key); err != nil {
		if !errors.Is(err, domain.ErrInvalidMutation) {
			return nil, err
		}
		slog.Debug("default api key already registered")
	}
	return repo, nil
}
